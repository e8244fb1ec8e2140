// Package worker runs an engine on its own goroutine and talks to it only
// through protocol messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/protocol"
)

var (
	ErrClosed = errors.New("worker closed")
	// ErrBusy means the inbox is full; the caller should back off.
	ErrBusy = errors.New("worker inbox full")
)

const (
	defaultBuffer = 16
	defaultGrace  = 2 * time.Second
)

type Options struct {
	// Grace is added to three times the budget to form the reply deadline.
	Grace  time.Duration
	Buffer int
	Logger *zap.Logger
}

type Worker struct {
	eng    engine.Engine
	grace  time.Duration
	logger *zap.Logger

	inbox   chan protocol.Message
	replies chan protocol.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	// posErr remembers a rejected set_pos until the next search.
	posErr error
}

// Start launches the worker goroutine. The worker owns eng from here on
// and closes it on Close.
func Start(ctx context.Context, eng engine.Engine, opt Options) *Worker {
	buffer := opt.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	grace := opt.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		eng:     eng,
		grace:   grace,
		logger:  logger,
		inbox:   make(chan protocol.Message, buffer),
		replies: make(chan protocol.Message, buffer),
		ctx:     wctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Post queues msg without blocking. A full inbox yields ErrBusy.
func (w *Worker) Post(msg protocol.Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || w.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case w.inbox <- msg:
		return nil
	default:
		return ErrBusy
	}
}

// Replies is closed once the worker stops.
func (w *Worker) Replies() <-chan protocol.Message {
	return w.replies
}

func (w *Worker) Close() error {
	w.cancel()
	w.mu.Lock()
	already := w.closed
	w.closed = true
	w.mu.Unlock()
	<-w.done
	if already {
		return nil
	}
	return w.eng.Close()
}

func (w *Worker) run() {
	defer close(w.done)
	defer close(w.replies)
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.inbox:
			w.handle(msg)
		}
	}
}

func (w *Worker) handle(msg protocol.Message) {
	if ce := w.logger.Check(zap.DebugLevel, "worker message"); ce != nil {
		raw, _ := protocol.Encode(msg)
		ce.Write(zap.ByteString("envelope", raw))
	}
	switch msg.Name {
	case protocol.NameSetPos:
		fen, err := msg.Text()
		if err == nil {
			err = w.eng.SetPosition(w.ctx, fen)
		}
		w.posErr = err
		if err != nil {
			w.logger.Warn("worker set_pos rejected", zap.Error(err))
		}
	case protocol.NameGetMove:
		w.getMove(msg)
	default:
		w.logger.Debug("worker ignores message", zap.String("name", msg.Name))
	}
}

// getMove replies exactly once per request, even when the engine overruns
// its deadline.
func (w *Worker) getMove(msg protocol.Message) {
	if w.posErr != nil {
		w.reply(protocol.ErrorReply(fmt.Sprintf("position rejected: %v", w.posErr)))
		return
	}
	budget, err := msg.Millis()
	if err != nil {
		w.reply(protocol.ErrorReply(err.Error()))
		return
	}

	timeout := engine.SearchTimeout(budget, w.grace)
	ctx, cancel := context.WithTimeout(w.ctx, timeout)
	defer cancel()

	type result struct {
		move string
		err  error
	}
	out := make(chan result, 1)
	started := time.Now()
	go func() {
		move, err := w.eng.ComputeMove(ctx, budget)
		out <- result{move: move, err: err}
	}()

	var res result
	select {
	case res = <-out:
	case <-ctx.Done():
		w.reply(w.failure(fmt.Errorf("engine did not reply within %s", timeout), budget, started))
		// The engine is not safe for reuse until the search returns.
		select {
		case <-out:
		case <-w.ctx.Done():
		}
		return
	}

	if res.err == nil && strings.TrimSpace(res.move) == "" {
		res.err = engine.ErrNoMove
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			res.err = fmt.Errorf("engine did not reply within %s", timeout)
		}
		w.reply(w.failure(res.err, budget, started))
		return
	}
	w.logger.Debug("worker move",
		zap.String("move", res.move),
		zap.Duration("took", time.Since(started)),
	)
	w.reply(protocol.MoveReply(strings.TrimSpace(res.move)))
}

func (w *Worker) failure(err error, budget time.Duration, started time.Time) protocol.Message {
	w.logger.Warn("worker get_move failed",
		zap.Duration("budget", budget),
		zap.Duration("took", time.Since(started)),
		zap.Error(err),
	)
	return protocol.ErrorReply(err.Error())
}

func (w *Worker) reply(msg protocol.Message) {
	select {
	case w.replies <- msg:
	case <-w.ctx.Done():
	}
}
