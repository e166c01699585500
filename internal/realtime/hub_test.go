package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	fail   error
	closed bool
}

func (f *fakeConn) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = string(p)
	}
	return out
}

func TestHub_NotifyPC(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()

	a, b, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	hub.RegisterPC("pc1", a)
	hub.RegisterPC("pc1", b)
	hub.RegisterPC("pc2", other)

	d := hub.NotifyPC(ctx, "pc1", NewTimeLeft(5))
	if d.Attempted != 2 || d.Delivered != 2 || d.Err != nil {
		t.Fatalf("Unexpected delivery: %+v", d)
	}

	want := `{"type":"timeleft","minutes":5}`
	for _, c := range []*fakeConn{a, b} {
		if got := c.messages(); len(got) != 1 || got[0] != want {
			t.Errorf("Expected %s, got %v", want, got)
		}
	}
	if len(other.messages()) != 0 {
		t.Error("Message leaked to another PC")
	}
}

func TestHub_NotifyUnknownPC(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	d := hub.NotifyPC(context.Background(), "nobody", Lock())
	if d.Attempted != 0 || d.Delivered != 0 || d.Err != nil {
		t.Errorf("Expected empty delivery, got %+v", d)
	}
}

func TestHub_FailingConnectionIsDropped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()

	sendErr := errors.New("broken pipe")
	bad, good := &fakeConn{fail: sendErr}, &fakeConn{}
	hub.RegisterPC("pc1", bad)
	hub.RegisterPC("pc1", good)

	d := hub.NotifyPC(ctx, "pc1", Lock())
	if d.Attempted != 2 || d.Delivered != 1 || d.Failed() != 1 {
		t.Fatalf("Unexpected delivery: %+v", d)
	}
	if !errors.Is(d.Err, sendErr) {
		t.Errorf("Expected joined send error, got %v", d.Err)
	}
	if !bad.closed {
		t.Error("Expected failing connection to be closed")
	}
	if good.closed {
		t.Error("Healthy connection should stay open")
	}
	if n := hub.Connected("pc1"); n != 1 {
		t.Errorf("Expected 1 connection left, got %d", n)
	}
	if got := good.messages(); len(got) != 1 || got[0] != `{"command":"lock"}` {
		t.Errorf("Unexpected lock payload: %v", got)
	}
}

func TestHub_BroadcastAdmin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx := context.Background()

	a, b := &fakeConn{}, &fakeConn{fail: errors.New("gone")}
	hub.RegisterAdmin(a)
	hub.RegisterAdmin(b)

	event := SessionEvent{Type: TypeSession, Event: EventStarted, SessionID: "s1", PCID: "pc1", UserID: "u1"}
	d := hub.BroadcastAdmin(ctx, event)
	if d.Delivered != 1 || d.Err == nil {
		t.Fatalf("Unexpected delivery: %+v", d)
	}
	if hub.Admins() != 1 {
		t.Errorf("Expected failing admin to be dropped, have %d", hub.Admins())
	}

	var got map[string]any
	if err := json.Unmarshal(a.sent[0], &got); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if got["type"] != "session" || got["event"] != "started" || got["pc_id"] != "pc1" {
		t.Errorf("Unexpected event payload: %v", got)
	}
}

func TestHub_UnregisterClosesOnce(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	c := &fakeConn{}
	hub.RegisterPC("pc1", c)
	hub.UnregisterPC("pc1", c)
	hub.UnregisterPC("pc1", c)

	if !c.closed {
		t.Error("Expected unregistered connection to be closed")
	}
	if hub.Connected("pc1") != 0 {
		t.Error("Expected no connections after unregister")
	}
}

func TestTransport_ServePC(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	transport := NewTransport(hub, Config{WriteTimeout: time.Second, PingInterval: time.Minute}, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.ServePC(w, r, "pc1")
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected("pc1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("PC channel was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	d := hub.NotifyPC(context.Background(), "pc1", NewTimeLeft(1))
	if d.Delivered != 1 {
		t.Fatalf("Expected delivery to websocket client, got %+v", d)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(payload) != `{"type":"timeleft","minutes":1}` {
		t.Errorf("Unexpected payload %s", payload)
	}

	client.Close()
	for hub.Connected("pc1") != 0 {
		if time.Now().After(deadline.Add(2 * time.Second)) {
			t.Fatal("PC channel was never unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
