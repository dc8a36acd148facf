package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recorder struct {
	mu          sync.Mutex
	messages    []Message
	binary      [][]byte
	connects    int
	disconnects int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(msg Message) {
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		},
		OnBinary: func(data []byte) {
			r.mu.Lock()
			r.binary = append(r.binary, append([]byte(nil), data...))
			r.mu.Unlock()
		},
		OnConnect: func() {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
		},
		OnDisconnect: func() {
			r.mu.Lock()
			r.disconnects++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func channelServer(t *testing.T, ch *Channel) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ch.Attach(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChannelDispatchesMessages(t *testing.T) {
	rec := &recorder{}
	ch := NewChannel(rec.callbacks())
	srv := channelServer(t, ch)

	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","payload":"recording"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, func() bool { return rec.messageCount() == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.messages[0].Type != TypeStatus {
		t.Fatalf("expected status message, got %q", rec.messages[0].Type)
	}
}

func TestChannelBinaryFallback(t *testing.T) {
	rec := &recorder{}
	ch := NewChannel(rec.callbacks())
	srv := channelServer(t, ch)

	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write text failed: %v", err)
	}

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.binary) == 2
	})

	if rec.messageCount() != 0 {
		t.Fatalf("expected no envelope messages, got %d", rec.messageCount())
	}
}

func TestChannelEvictsPreviousPeer(t *testing.T) {
	rec := &recorder{}
	ch := NewChannel(rec.callbacks())
	srv := channelServer(t, ch)

	first := dial(t, srv)
	waitFor(t, func() bool { return ch.Connected() })

	second := dial(t, srv)
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.connects == 2
	})

	// The first connection must have been closed by the eviction.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected evicted connection to be closed")
	}

	// Only the second peer's messages reach the callbacks.
	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","payload":"alive"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, func() bool { return rec.messageCount() == 1 })

	if !ch.Connected() {
		t.Fatal("expected channel to remain connected to second peer")
	}
}

func TestChannelSendWithoutPeerIsNoOp(t *testing.T) {
	ch := NewChannel(Callbacks{})
	if err := ch.Send(NewCommand(CommandStop)); err != nil {
		t.Fatalf("expected no error sending on empty channel, got %v", err)
	}
}

func TestChannelCloseIdempotent(t *testing.T) {
	rec := &recorder{}
	ch := NewChannel(rec.callbacks())
	srv := channelServer(t, ch)

	dial(t, srv)
	waitFor(t, func() bool { return ch.Connected() })

	ch.Close()
	ch.Close()

	if ch.Connected() {
		t.Fatal("expected channel to be disconnected after close")
	}
}
