package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds websocket transport settings.
type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// wsConn adapts a websocket to Conn. Writes are serialized; gorilla allows
// one concurrent writer.
type wsConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// Transport upgrades HTTP requests to websockets and registers them in a Hub.
type Transport struct {
	hub      *Hub
	upgrader websocket.Upgrader
	cfg      Config
	logger   zerolog.Logger
}

// NewTransport creates the websocket front of hub.
func NewTransport(hub *Hub, cfg Config, logger zerolog.Logger) *Transport {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	return &Transport{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// PC clients and consoles connect from the LAN without an Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg:    cfg,
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// ServePC handles a PC client channel until it disconnects.
func (t *Transport) ServePC(w http.ResponseWriter, r *http.Request, pcID string) {
	conn, ok := t.upgrade(w, r)
	if !ok {
		return
	}

	t.hub.RegisterPC(pcID, conn)
	t.logger.Info().Str("pc_id", pcID).Str("remote", r.RemoteAddr).Msg("PC connected")

	t.pump(conn)

	t.hub.UnregisterPC(pcID, conn)
	t.logger.Info().Str("pc_id", pcID).Msg("PC disconnected")
}

// ServeAdmin handles an admin console channel until it disconnects.
func (t *Transport) ServeAdmin(w http.ResponseWriter, r *http.Request) {
	conn, ok := t.upgrade(w, r)
	if !ok {
		return
	}

	t.hub.RegisterAdmin(conn)
	t.logger.Info().Str("remote", r.RemoteAddr).Msg("Admin console connected")

	t.pump(conn)

	t.hub.UnregisterAdmin(conn)
	t.logger.Info().Str("remote", r.RemoteAddr).Msg("Admin console disconnected")
}

func (t *Transport) upgrade(w http.ResponseWriter, r *http.Request) (*wsConn, bool) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		t.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return nil, false
	}
	return &wsConn{ws: ws, writeTimeout: t.cfg.WriteTimeout}, true
}

// pump reads until the peer goes away, keeping the link alive with pings.
// Incoming messages are discarded.
func (t *Transport) pump(conn *wsConn) {
	readWait := t.cfg.PingInterval * 2
	_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(t.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug().Err(err).Msg("Websocket read error")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(readWait))
	}
}
