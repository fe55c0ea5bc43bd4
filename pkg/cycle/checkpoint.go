package cycle

import (
	"context"
	"errors"
	"sync"
)

// Checkpoint is the manual operator gate: on the designated cycle the
// controller blocks in Wait until the operator acknowledges that
// measurements are done. How the acknowledgment arrives (terminal, HTTP) is
// up to the implementation.
type Checkpoint interface {
	Wait(ctx context.Context, msg string) error
}

// ErrNoPendingCheckpoint is returned by Gate.Ack when nothing is waiting.
var ErrNoPendingCheckpoint = errors.New("no checkpoint is waiting for acknowledgment")

// NopCheckpoint never blocks. Used when no operator gate is wanted.
type NopCheckpoint struct{}

func (NopCheckpoint) Wait(context.Context, string) error { return nil }

// Gate is a Checkpoint that blocks until Ack is called from another
// goroutine. Multiple acknowledgment sources (stdin reader, HTTP handler)
// can share one Gate; the first Ack wins.
type Gate struct {
	mu      sync.Mutex
	pending bool
	msg     string
	ackCh   chan struct{}

	// OnWait and OnResume, when set, are notified as the gate blocks and
	// releases. Used to publish checkpoint events.
	OnWait   func(msg string)
	OnResume func()
}

func NewGate() *Gate {
	return &Gate{}
}

func (g *Gate) Wait(ctx context.Context, msg string) error {
	g.mu.Lock()
	g.pending = true
	g.msg = msg
	g.ackCh = make(chan struct{})
	ch := g.ackCh
	g.mu.Unlock()

	if g.OnWait != nil {
		g.OnWait(msg)
	}

	defer func() {
		g.mu.Lock()
		g.pending = false
		g.msg = ""
		g.ackCh = nil
		g.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		if g.OnResume != nil {
			g.OnResume()
		}
		return nil
	}
}

// Ack releases a pending Wait. It is safe to call from any goroutine.
func (g *Gate) Ack() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.pending || g.ackCh == nil {
		return ErrNoPendingCheckpoint
	}
	close(g.ackCh)
	g.ackCh = nil
	return nil
}

// Pending reports whether a Wait is blocked, and its prompt message.
func (g *Gate) Pending() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending, g.msg
}
