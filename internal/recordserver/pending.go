package recordserver

import (
	"errors"
	"sync"
)

// ErrResultPending is returned by arm when a previous result slot is still
// outstanding.
var ErrResultPending = errors.New("a recording result is already pending")

// Result is the outcome of one recording session: the path of the written
// audio file, or the failure that ended it.
type Result struct {
	Path string
	Err  error
}

// pendingResult is a single-slot future. It is armed before the start
// command goes out and settled exactly once by whichever inbound message
// finishes the session. Settling with no waiter reports false so the caller
// can log and drop duplicate deliveries.
type pendingResult struct {
	mu sync.Mutex
	ch chan Result
}

func (p *pendingResult) arm() (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		return nil, ErrResultPending
	}
	p.ch = make(chan Result, 1)
	return p.ch, nil
}

func (p *pendingResult) settle(res Result) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return false
	}
	p.ch <- res
	p.ch = nil
	return true
}

func (p *pendingResult) armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil
}
