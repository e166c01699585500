// Package realtime keeps the registry of live PC and admin channels and
// pushes JSON messages to them on a best-effort basis.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/rs/zerolog"
)

// Conn is one open channel to a PC client or an admin console.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Delivery reports the result of one fan-out. Err joins the errors of every
// connection that failed; those connections have been closed and dropped.
type Delivery struct {
	Attempted int
	Delivered int
	Err       error
}

// Failed returns the number of connections the message did not reach.
func (d Delivery) Failed() int {
	return d.Attempted - d.Delivered
}

// Hub owns every registered connection for its lifetime.
type Hub struct {
	mu     sync.RWMutex
	pcs    map[string]map[Conn]struct{}
	admins map[Conn]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty registry.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		pcs:    make(map[string]map[Conn]struct{}),
		admins: make(map[Conn]struct{}),
		logger: logger.With().Str("component", "realtime").Logger(),
	}
}

// RegisterPC adds a channel for pcID. A PC may have several.
func (h *Hub) RegisterPC(pcID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.pcs[pcID]
	if !ok {
		conns = make(map[Conn]struct{})
		h.pcs[pcID] = conns
	}
	if _, dup := conns[c]; !dup {
		conns[c] = struct{}{}
		metrics.ConnectedChannels.WithLabelValues("pc").Inc()
	}

	h.logger.Debug().Str("pc_id", pcID).Int("connections", len(conns)).Msg("PC channel registered")
}

// UnregisterPC removes a channel for pcID. Unknown channels are ignored.
func (h *Hub) UnregisterPC(pcID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropPC(pcID, c)
}

// RegisterAdmin adds an admin channel.
func (h *Hub) RegisterAdmin(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, dup := h.admins[c]; !dup {
		h.admins[c] = struct{}{}
		metrics.ConnectedChannels.WithLabelValues("admin").Inc()
	}
	h.logger.Debug().Int("connections", len(h.admins)).Msg("Admin channel registered")
}

// UnregisterAdmin removes an admin channel. Unknown channels are ignored.
func (h *Hub) UnregisterAdmin(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropAdmin(c)
}

// Connected returns the number of open channels for pcID.
func (h *Hub) Connected(pcID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pcs[pcID])
}

// Admins returns the number of open admin channels.
func (h *Hub) Admins() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.admins)
}

// NotifyPC sends msg to every channel of pcID. A PC with no channel simply
// misses the message.
func (h *Hub) NotifyPC(ctx context.Context, pcID string, msg any) Delivery {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Delivery{Err: fmt.Errorf("failed to encode message: %w", err)}
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.pcs[pcID]))
	for c := range h.pcs[pcID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	d := h.deliver(ctx, targets, payload, func(c Conn) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dropPC(pcID, c)
	})
	h.record(kindOf(msg), d)
	return d
}

// BroadcastAdmin sends msg to every admin channel.
func (h *Hub) BroadcastAdmin(ctx context.Context, msg any) Delivery {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Delivery{Err: fmt.Errorf("failed to encode message: %w", err)}
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.admins))
	for c := range h.admins {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	d := h.deliver(ctx, targets, payload, func(c Conn) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.dropAdmin(c)
	})
	h.record(kindOf(msg), d)
	return d
}

// Close closes and forgets every channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for pcID, conns := range h.pcs {
		for c := range conns {
			h.dropPC(pcID, c)
		}
	}
	for c := range h.admins {
		h.dropAdmin(c)
	}
}

func (h *Hub) deliver(ctx context.Context, targets []Conn, payload []byte, drop func(Conn)) Delivery {
	d := Delivery{Attempted: len(targets)}
	var errs []error
	for _, c := range targets {
		if err := c.Send(ctx, payload); err != nil {
			errs = append(errs, err)
			drop(c)
			continue
		}
		d.Delivered++
	}
	d.Err = errors.Join(errs...)
	return d
}

func (h *Hub) record(kind string, d Delivery) {
	if d.Delivered > 0 {
		metrics.NotificationsSent.WithLabelValues(kind).Add(float64(d.Delivered))
	}
	if d.Err != nil {
		metrics.NotificationFailures.WithLabelValues(kind).Inc()
		h.logger.Debug().Err(d.Err).Str("kind", kind).Int("failed", d.Failed()).Msg("Dropped failing channels")
	}
}

// dropPC must be called with mu held
func (h *Hub) dropPC(pcID string, c Conn) {
	conns, ok := h.pcs[pcID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.pcs, pcID)
	}
	_ = c.Close()
	metrics.ConnectedChannels.WithLabelValues("pc").Dec()
}

// dropAdmin must be called with mu held
func (h *Hub) dropAdmin(c Conn) {
	if _, ok := h.admins[c]; !ok {
		return
	}
	delete(h.admins, c)
	_ = c.Close()
	metrics.ConnectedChannels.WithLabelValues("admin").Dec()
}
