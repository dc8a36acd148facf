package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parley-app/parley/internal/transport"
)

// State is the engine-local lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
)

// Options configure the headless capture engine.
type Options struct {
	SampleRate      int
	FramesPerBuffer int

	OpenMic     func(sampleRate, framesPerBuffer int) (Source, error)
	OpenMonitor func(sampleRate, framesPerBuffer int) (Source, error)
	Encode      func(pcm []byte, sampleRate int) (Encoding, error)
}

func (o *Options) applyDefaults() {
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.FramesPerBuffer <= 0 {
		o.FramesPerBuffer = 1024
	}
	if o.OpenMic == nil {
		o.OpenMic = NewMicSource
	}
	if o.OpenMonitor == nil {
		o.OpenMonitor = NewMonitorSource
	}
	if o.Encode == nil {
		o.Encode = EncodePCM
	}
}

// Engine is the capture side of a recording session for hosts without a
// capture-capable browser. It connects to the recording server as the
// remote client, obeys the same start/stop command protocol as the capture
// page, and delivers the finished clip as a single audioBlob message.
type Engine struct {
	opts Options

	mu     sync.Mutex
	state  State
	stopCh chan struct{}

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func NewEngine(opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{opts: opts, state: StateIdle}
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run connects to the recording server and serves commands until the
// connection drops or ctx ends.
func (e *Engine) Run(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial recording server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	e.writeMu.Lock()
	e.conn = conn
	e.writeMu.Unlock()
	defer func() {
		// A record goroutine that outlives the connection must not keep
		// writing to the dead socket.
		e.writeMu.Lock()
		e.conn = nil
		e.writeMu.Unlock()
	}()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()

	e.sendStatus("capture client connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read command: %w", err)
		}

		var msg transport.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != transport.TypeCommand {
			continue
		}
		cmd, err := transport.DecodeText(msg.Payload)
		if err != nil {
			log.Printf("warning: capture: bad command payload: %v", err)
			continue
		}

		switch cmd {
		case transport.CommandStart:
			e.handleStart()
		case transport.CommandStop:
			e.handleStop()
		default:
			log.Printf("warning: capture: unknown command %q", cmd)
		}
	}
}

func (e *Engine) handleStart() {
	e.mu.Lock()
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		e.sendStatus(fmt.Sprintf("start ignored: engine is %s", state))
		return
	}
	e.state = StateAcquiring
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	go e.record()
}

func (e *Engine) handleStop() {
	e.mu.Lock()
	// stopCh, not state, is the authority here: the record goroutine may
	// lag in a blocking Read after the first stop already consumed the
	// channel, and a repeated stop must stay a no-op.
	if e.state != StateRecording || e.stopCh == nil {
		state := e.state
		e.mu.Unlock()
		e.sendStatus(fmt.Sprintf("stop ignored: engine is %s", state))
		return
	}
	close(e.stopCh)
	e.stopCh = nil
	e.mu.Unlock()
}

// record runs the acquire/mix/finalize pipeline for one session. Every
// failure reports over the channel before the cleanup path runs.
func (e *Engine) record() {
	e.mu.Lock()
	stop := e.stopCh
	e.mu.Unlock()

	var sources []Source
	cleanup := func() {
		for _, src := range sources {
			_ = src.Close()
		}
		e.setState(StateIdle)
	}

	mic, err := e.opts.OpenMic(e.opts.SampleRate, e.opts.FramesPerBuffer)
	if err != nil {
		e.sendStatus(fmt.Sprintf("microphone unavailable: %v", err))
	}
	monitor, err := e.opts.OpenMonitor(e.opts.SampleRate, e.opts.FramesPerBuffer)
	if err != nil {
		e.sendStatus(fmt.Sprintf("system audio unavailable: %v", err))
	}

	for _, src := range []Source{mic, monitor} {
		if src == nil {
			continue
		}
		if err := src.Start(); err != nil {
			e.sendStatus(fmt.Sprintf("source start failed: %v", err))
			_ = src.Close()
			continue
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		e.sendError("no audio tracks available from microphone or system audio")
		cleanup()
		return
	}

	chunker := NewChunker(e.opts.SampleRate)
	e.setState(StateRecording)
	e.sendStatus(fmt.Sprintf("recording started (%d source(s))", len(sources)))

	for {
		select {
		case <-stop:
			e.setState(StateFinalizing)
			enc, err := e.opts.Encode(chunker.Drain(), e.opts.SampleRate)
			if err != nil {
				e.sendError(fmt.Sprintf("encode failed: %v", err))
				cleanup()
				return
			}
			msg, err := transport.EncodeAudio(enc.Data)
			if err != nil {
				e.sendError(fmt.Sprintf("frame audio failed: %v", err))
				cleanup()
				return
			}
			e.send(msg)
			e.sendStatus(fmt.Sprintf("audio sent: %d bytes (.%s)", len(enc.Data), enc.Ext))
			cleanup()
			return
		default:
		}

		var mixed []int16
		for _, src := range sources {
			frame, err := src.Read()
			if err != nil {
				e.sendError(fmt.Sprintf("audio read failed: %v", err))
				cleanup()
				return
			}
			if mixed == nil {
				mixed = frame
			} else {
				mixed = MixFrames(mixed, frame)
			}
		}
		chunker.Push(mixed)
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) sendStatus(text string) {
	raw, _ := json.Marshal(text)
	e.send(transport.Message{Type: transport.TypeStatus, Payload: raw})
}

func (e *Engine) sendError(text string) {
	raw, _ := json.Marshal(text)
	e.send(transport.Message{Type: transport.TypeError, Payload: raw})
}

func (e *Engine) send(msg transport.Message) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.conn == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("warning: capture: marshal message: %v", err)
		return
	}
	if err := e.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("warning: capture: send failed: %v", err)
	}
}
