package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoPosition = errors.New("engine has no position")
	ErrNoMove     = errors.New("engine returned no move")
)

// Engine is the opaque opponent behind the worker. Implementations are
// driven by a single goroutine and need not be safe for concurrent use.
type Engine interface {
	// SetPosition discards any prior search state and adopts fen.
	SetPosition(ctx context.Context, fen string) error
	// ComputeMove searches the current position under budget and returns a
	// coordinate move such as "e7e5".
	ComputeMove(ctx context.Context, budget time.Duration) (string, error)
	Close() error
}

// Factory builds a fresh engine for one worker.
type Factory func(ctx context.Context) (Engine, error)

// SearchTimeout is the hard deadline for a compute-move with the given
// budget: three times the budget plus grace.
func SearchTimeout(budget, grace time.Duration) time.Duration {
	if budget <= 0 {
		budget = time.Second
	}
	if grace < 0 {
		grace = 0
	}
	return budget*3 + grace
}
