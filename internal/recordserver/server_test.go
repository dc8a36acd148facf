package recordserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-app/parley/internal/transport"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := fmt.Sprintf("parley-test-%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = os.RemoveAll(filepath.Join(os.TempDir(), dir)) })
	return New(Options{RecordingsDir: dir})
}

func startTestServer(t *testing.T) (*Server, int) {
	t.Helper()
	srv := newTestServer(t)
	port, _, err := srv.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, port
}

func dialClient(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendAudio(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	msg, err := transport.EncodeAudio(data)
	if err != nil {
		t.Fatalf("EncodeAudio failed: %v", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write audio failed: %v", err)
	}
}

func TestStartIdempotentWhileListening(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Stop()

	port1, url1, err := srv.Start()
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	port2, url2, err := srv.Start()
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if port1 != port2 || url1 != url2 {
		t.Fatalf("expected identical binding, got %d/%s and %d/%s", port1, url1, port2, url2)
	}
}

func TestStopIdempotent(t *testing.T) {
	srv := newTestServer(t)

	// Stopping a server that never started must not panic or error.
	srv.Stop()

	if _, _, err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	srv.Stop()
	srv.Stop()

	if srv.Listening() {
		t.Fatal("expected server to report not listening after Stop")
	}
}

func TestStopReleasesPort(t *testing.T) {
	srv := newTestServer(t)
	port, _, err := srv.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	srv.Stop()

	// The port must be bindable again by a fresh server.
	srv2 := New(Options{PortMin: port, PortMax: port, RecordingsDir: srv.opts.RecordingsDir})
	if _, _, err := srv2.Start(); err != nil {
		t.Fatalf("expected port %d to be free after Stop: %v", port, err)
	}
	srv2.Stop()
}

func TestImmediateStopReleasesPort(t *testing.T) {
	srv := newTestServer(t)
	port, _, err := srv.Start()
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	srv.Stop()

	// Stop must release the bind even before the serve goroutine has run,
	// so repeated start/stop cycles can reuse the same single-port range.
	for i := 0; i < 5; i++ {
		next := New(Options{PortMin: port, PortMax: port, RecordingsDir: srv.opts.RecordingsDir})
		if _, _, err := next.Start(); err != nil {
			t.Fatalf("cycle %d: expected port %d to be free: %v", i, port, err)
		}
		next.Stop()
	}
}

func TestServesCapturePage(t *testing.T) {
	_, port := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/capture.html", port))
	if err != nil {
		t.Fatalf("GET capture.html failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAudioDeliveryWritesFile(t *testing.T) {
	srv, port := startTestServer(t)

	resultCh, err := srv.Arm()
	if err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	conn := dialClient(t, port)
	clip := make([]byte, 5000)
	for i := range clip {
		clip[i] = byte(i)
	}
	sendAudio(t, conn, clip)

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("expected success, got %v", res.Err)
		}
		info, err := os.Stat(res.Path)
		if err != nil {
			t.Fatalf("stat recording failed: %v", err)
		}
		if info.Size() != int64(len(clip)) {
			t.Fatalf("expected %d bytes on disk, got %d", len(clip), info.Size())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for recording result")
	}
}

func TestErrorStatusSettlesPending(t *testing.T) {
	srv, port := startTestServer(t)

	resultCh, err := srv.Arm()
	if err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	conn := dialClient(t, port)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":"denied"}`)); err != nil {
		t.Fatalf("write error message failed: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.Err == nil || res.Err.Error() != "denied" {
			t.Fatalf("expected error \"denied\", got %v", res.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error result")
	}
}

func TestDuplicateAudioDropped(t *testing.T) {
	srv, port := startTestServer(t)

	resultCh, err := srv.Arm()
	if err != nil {
		t.Fatalf("Arm failed: %v", err)
	}

	conn := dialClient(t, port)
	sendAudio(t, conn, []byte{1, 2, 3})
	sendAudio(t, conn, []byte{4, 5, 6})

	var first Result
	select {
	case first = <-resultCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first result")
	}
	if first.Err != nil {
		t.Fatalf("expected first delivery to succeed, got %v", first.Err)
	}

	// The second delivery has no pending result and must be dropped, never
	// re-settled. Give the server a moment to process it.
	time.Sleep(100 * time.Millisecond)

	dir := filepath.Join(os.TempDir(), srv.opts.RecordingsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read recordings dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one recording on disk, got %d", len(entries))
	}
}

func TestArmWhilePendingFails(t *testing.T) {
	srv := newTestServer(t)

	if _, err := srv.Arm(); err != nil {
		t.Fatalf("first Arm failed: %v", err)
	}
	if _, err := srv.Arm(); err == nil {
		t.Fatal("expected second Arm to fail while result pending")
	}
}

func TestLastConnectionWins(t *testing.T) {
	srv, port := startTestServer(t)

	first := dialClient(t, port)
	waitForClient(t, srv)

	_ = dialClient(t, port)

	// The first client must be forcibly closed by the replacement.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected first client to be evicted")
	}
	if !srv.ClientConnected() {
		t.Fatal("expected a client to remain connected")
	}
}

func TestWaitForClientTimesOut(t *testing.T) {
	srv, _ := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := srv.WaitForClient(ctx); err == nil {
		t.Fatal("expected WaitForClient to fail with no client")
	}
}

func TestWaitForClientWakesOnConnect(t *testing.T) {
	srv, port := startTestServer(t)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- srv.WaitForClient(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	dialClient(t, port)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForClient failed: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for WaitForClient to return")
	}
}

func waitForClient(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.WaitForClient(ctx); err != nil {
		t.Fatalf("client never connected: %v", err)
	}
}
