package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
)

// HandlerFunc serves one action. The returned value is marshaled into
// the response data field; a nil value produces an empty data field.
type HandlerFunc func(ctx context.Context, cmd Command) (any, error)

type Bridge struct {
	socketPath string
	handlers   map[string]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(socketPath string) *Bridge {
	return &Bridge{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for an action. Registration must finish
// before Start.
func (b *Bridge) Handle(action string, fn HandlerFunc) {
	b.handlers[action] = fn
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener != nil {
		return nil
	}

	// A previous run that crashed leaves the socket file behind.
	if err := os.Remove(b.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.socketPath, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.listener = listener
	b.cancel = cancel

	b.wg.Add(1)
	go b.acceptLoop(ctx, listener)

	log.Printf("bridge listening on %s", b.socketPath)
	return nil
}

func (b *Bridge) Stop() error {
	b.mu.Lock()
	listener := b.listener
	cancel := b.cancel
	b.listener = nil
	b.cancel = nil
	b.mu.Unlock()

	if listener == nil {
		return nil
	}

	cancel()
	err := listener.Close()
	b.wg.Wait()
	_ = os.Remove(b.socketPath)
	return err
}

func (b *Bridge) acceptLoop(ctx context.Context, listener net.Listener) {
	defer b.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("warning: bridge accept: %v", err)
			}
			return
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serveConn(ctx, conn)
		}()
	}
}

func (b *Bridge) serveConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	// Close the connection when the bridge shuts down so the scanner
	// below unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	encoder := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			b.writeResponse(encoder, Response{Success: false, Error: "invalid command"})
			continue
		}

		b.writeResponse(encoder, b.dispatch(ctx, cmd))
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		log.Printf("warning: bridge read: %v", err)
	}
}

func (b *Bridge) dispatch(ctx context.Context, cmd Command) Response {
	handler, ok := b.handlers[cmd.Action]
	if !ok {
		return Response{ID: cmd.ID, Success: false, Error: fmt.Sprintf("unknown action: %s", cmd.Action)}
	}

	data, err := handler(ctx, cmd)
	if err != nil {
		return Response{ID: cmd.ID, Success: false, Error: err.Error()}
	}

	resp := Response{ID: cmd.ID, Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Response{ID: cmd.ID, Success: false, Error: fmt.Sprintf("encode response: %v", err)}
		}
		resp.Data = raw
	}
	return resp
}

func (b *Bridge) writeResponse(encoder *json.Encoder, resp Response) {
	if err := encoder.Encode(resp); err != nil {
		log.Printf("warning: bridge write: %v", err)
	}
}
