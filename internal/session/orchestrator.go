package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parley-app/parley/internal/recordserver"
	"github.com/parley-app/parley/internal/transport"
)

// Phase is the orchestrator's lifecycle state.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseStarting           Phase = "starting"
	PhaseAwaitingConnection Phase = "awaitingConnection"
	PhaseStarted            Phase = "started"
	PhaseProcessing         Phase = "processing"
)

// RecordServer is the slice of the recording server the orchestrator needs.
type RecordServer interface {
	Start() (port int, url string, err error)
	Stop()
	WaitForClient(ctx context.Context) error
	Arm() (<-chan recordserver.Result, error)
	SendCommand(cmd string) error
	ClientConnected() bool
}

// Orchestrator drives one recording session end to end: server up, browser
// page launched, start command issued, and the eventual audio file (or
// failure) returned from a single long-running Start call. At most one
// session is active at a time.
type Orchestrator struct {
	server         RecordServer
	openURL        func(url string) error
	connectTimeout time.Duration

	mu    sync.Mutex
	phase Phase
}

func New(server RecordServer, openURL func(string) error, connectTimeout time.Duration) *Orchestrator {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Orchestrator{
		server:         server,
		openURL:        openURL,
		connectTimeout: connectTimeout,
		phase:          PhaseIdle,
	}
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Start runs a complete recording session and blocks until the audio file
// is written or the session fails. The call spans the entire recording:
// it returns only after the capture page delivers the finished clip.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return "", ErrSessionActive
	}
	o.phase = PhaseStarting
	o.mu.Unlock()

	path, err := o.run(ctx)
	if err != nil {
		// A failed start must leave the server fully torn down so a retry
		// begins clean and no listener leaks without an owner.
		o.server.Stop()
	}

	o.setPhase(PhaseIdle)
	return path, err
}

func (o *Orchestrator) run(ctx context.Context) (string, error) {
	_, url, err := o.server.Start()
	if err != nil {
		return "", fmt.Errorf("start recording server: %w", err)
	}

	if err := o.openURL(url); err != nil {
		return "", fmt.Errorf("open capture page: %w", err)
	}

	o.setPhase(PhaseAwaitingConnection)

	waitCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	err = o.server.WaitForClient(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrConnectTimeout
	}

	resultCh, err := o.server.Arm()
	if err != nil {
		return "", fmt.Errorf("arm session result: %w", err)
	}

	o.setPhase(PhaseStarted)
	if err := o.server.SendCommand(transport.CommandStart); err != nil {
		return "", fmt.Errorf("send start command: %w", err)
	}

	select {
	case res := <-resultCh:
		o.setPhase(PhaseProcessing)
		if res.Err != nil {
			return "", res.Err
		}
		log.Printf("session: recording saved to %s", res.Path)
		return res.Path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop asks the capture page to finish recording. With no page connected it
// returns ErrNoClient, a soft condition: the caller may simply have raced a
// client-side disconnect.
func (o *Orchestrator) Stop() error {
	if !o.server.ClientConnected() {
		log.Printf("warning: session: stop requested with no capture client")
		return ErrNoClient
	}
	return o.server.SendCommand(transport.CommandStop)
}

// StopServer unconditionally tears the recording server down. Used for
// explicit cleanup and as the safety net after failures.
func (o *Orchestrator) StopServer() {
	o.server.Stop()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}
