package recordserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-app/parley/internal/transport"
)

//go:embed static/*
var staticFiles embed.FS

// ErrNoFreePort is returned by Start when every port in the configured
// range is taken.
var ErrNoFreePort = errors.New("no free port in configured range")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configure the recording server.
type Options struct {
	PortMin       int
	PortMax       int
	RecordingsDir string // subdirectory under the system temp dir
	FileExt       string // nominal container extension, e.g. "webm"
}

func (o *Options) applyDefaults() {
	if o.PortMin == 0 {
		o.PortMin = 9000
	}
	if o.PortMax == 0 {
		o.PortMax = 9100
	}
	if o.RecordingsDir == "" {
		o.RecordingsDir = "parley-recordings"
	}
	if o.FileExt == "" {
		o.FileExt = "webm"
	}
}

// Server owns the one-shot HTTP listener that bridges the external capture
// page to the host process: it serves the page, upgrades /ws to the
// transport channel, and turns inbound audio into a file on disk.
type Server struct {
	opts Options

	mu        sync.Mutex
	listener  net.Listener
	httpSrv   *http.Server
	port      int
	connected chan struct{}

	channel *transport.Channel
	pending pendingResult

	now func() time.Time
}

func New(opts Options) *Server {
	opts.applyDefaults()
	s := &Server{
		opts:      opts,
		connected: make(chan struct{}),
		now:       time.Now,
	}
	s.channel = transport.NewChannel(transport.Callbacks{
		OnMessage: s.handleMessage,
		OnBinary:  s.handleRawAudio,
		OnConnect: s.signalConnected,
	})
	return s
}

// Start binds the first free port in the configured range and begins
// serving. While already listening it returns the existing binding.
func (s *Server) Start() (port int, url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.port, s.urlLocked(), nil
	}

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return 0, "", fmt.Errorf("static assets init: %w", err)
	}

	var listener net.Listener
	for p := s.opts.PortMin; p <= s.opts.PortMax; p++ {
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			s.port = p
			break
		}
	}
	if listener == nil {
		return 0, "", ErrNoFreePort
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("recordserver: ws upgrade error: %v", err)
			return
		}
		s.channel.Attach(conn)
	})
	mux.Handle("/", http.FileServer(http.FS(assets)))

	s.listener = listener
	s.httpSrv = &http.Server{Handler: mux}

	go func(srv *http.Server, l net.Listener) {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Printf("recordserver: serve error: %v", err)
		}
	}(s.httpSrv, listener)

	log.Printf("recordserver: listening on %s", s.urlLocked())
	return s.port, s.urlLocked(), nil
}

// Stop tears down the channel, the HTTP server, and the listener together.
// Safe to call when nothing is listening and safe to call repeatedly.
func (s *Server) Stop() {
	s.mu.Lock()
	httpSrv := s.httpSrv
	listener := s.listener
	s.httpSrv = nil
	s.listener = nil
	s.port = 0
	s.mu.Unlock()

	s.channel.Close()
	if httpSrv != nil {
		_ = httpSrv.Close()
	}
	// httpSrv.Close only covers listeners its Serve goroutine has already
	// registered; close ours directly so the port is free on return.
	if listener != nil {
		_ = listener.Close()
	}

	// A waiter left hanging across teardown would never settle otherwise.
	if s.pending.settle(Result{Err: errors.New("recording server stopped")}) {
		log.Printf("warning: recordserver: stopped with a result still pending")
	}
}

// Listening reports whether the server currently holds a bound listener.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// ClientConnected reports whether a capture page is attached.
func (s *Server) ClientConnected() bool {
	return s.channel.Connected()
}

// WaitForClient blocks until a capture page connects or ctx ends. The
// connection handler wakes it directly; there is no polling.
func (s *Server) WaitForClient(ctx context.Context) error {
	s.mu.Lock()
	signal := s.connected
	s.mu.Unlock()

	// Check after grabbing the signal so a connect racing this call is
	// caught either by the flag or by the close of the signal channel.
	if s.channel.Connected() {
		return nil
	}

	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arm reserves the single pending result slot for the next recording.
func (s *Server) Arm() (<-chan Result, error) {
	return s.pending.arm()
}

// SendCommand forwards a start/stop command to the attached capture page.
func (s *Server) SendCommand(cmd string) error {
	return s.channel.Send(transport.NewCommand(cmd))
}

func (s *Server) signalConnected() {
	s.mu.Lock()
	close(s.connected)
	s.connected = make(chan struct{})
	s.mu.Unlock()
}

func (s *Server) handleMessage(msg transport.Message) {
	switch msg.Type {
	case transport.TypeStatus:
		text, err := transport.DecodeText(msg.Payload)
		if err != nil {
			log.Printf("warning: recordserver: bad status payload: %v", err)
			return
		}
		log.Printf("recordserver: client status: %s", text)

	case transport.TypeError:
		text, err := transport.DecodeText(msg.Payload)
		if err != nil {
			text = "capture failed with unreadable error payload"
		}
		if !s.pending.settle(Result{Err: errors.New(text)}) {
			log.Printf("warning: recordserver: client error with no pending result: %s", text)
		}

	case transport.TypeAudioBlob:
		data, err := transport.DecodeAudio(msg.Payload)
		if err != nil {
			if !s.pending.settle(Result{Err: fmt.Errorf("decode audio payload: %w", err)}) {
				log.Printf("warning: recordserver: undecodable audio with no pending result: %v", err)
			}
			return
		}
		s.deliverAudio(data)

	default:
		log.Printf("warning: recordserver: unknown message type %q", msg.Type)
	}
}

// handleRawAudio covers clients that ship the clip as a native binary frame
// instead of the numeric-array envelope.
func (s *Server) handleRawAudio(data []byte) {
	s.deliverAudio(data)
}

func (s *Server) deliverAudio(data []byte) {
	if !s.pending.armed() {
		log.Printf("warning: recordserver: dropping audio delivery (%d bytes) with no pending result", len(data))
		return
	}

	path, err := s.writeRecording(data)
	if err != nil {
		if !s.pending.settle(Result{Err: err}) {
			log.Printf("warning: recordserver: write failure with no pending result: %v", err)
		}
		return
	}

	if !s.pending.settle(Result{Path: path}) {
		// Raced with another settle; do not leave the orphan file behind.
		log.Printf("warning: recordserver: dropping duplicate audio delivery: %s", path)
		_ = os.Remove(path)
	}
}

func (s *Server) writeRecording(data []byte) (string, error) {
	dir := filepath.Join(os.TempDir(), s.opts.RecordingsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings directory: %w", err)
	}

	name := fmt.Sprintf("recording-%d.%s", s.now().UnixMilli(), s.opts.FileExt)
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		// Never leave a half-written file referenced as the result.
		_ = os.Remove(path)
		return "", fmt.Errorf("write recording %s: %w", path, err)
	}
	return path, nil
}

func (s *Server) urlLocked() string {
	return fmt.Sprintf("http://127.0.0.1:%d/capture.html", s.port)
}
