// Package book plays opening-book moves before falling back to a search
// engine.
package book

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/rules"
)

type Engine struct {
	inner  engine.Engine
	source Source
	rng    *rand.Rand
	logger *zap.Logger

	fen string
}

var _ engine.Engine = (*Engine)(nil)

func Wrap(inner engine.Engine, source Source, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		inner:  inner,
		source: source,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// Factory wraps every engine built by inner. A nil source leaves inner as is.
func Factory(inner engine.Factory, source Source, logger *zap.Logger) engine.Factory {
	if source == nil {
		return inner
	}
	return func(ctx context.Context) (engine.Engine, error) {
		e, err := inner(ctx)
		if err != nil {
			return nil, err
		}
		return Wrap(e, source, logger), nil
	}
}

func (e *Engine) SetPosition(ctx context.Context, fen string) error {
	e.fen = fen
	return e.inner.SetPosition(ctx, fen)
}

func (e *Engine) ComputeMove(ctx context.Context, budget time.Duration) (string, error) {
	if move, ok := e.lookup(); ok {
		e.logger.Debug("book move", zap.String("fen", e.fen), zap.String("move", move))
		return move, nil
	}
	return e.inner.ComputeMove(ctx, budget)
}

func (e *Engine) lookup() (string, bool) {
	if e.fen == "" {
		return "", false
	}
	entries, err := e.source.Moves(e.fen)
	if err != nil {
		e.logger.Warn("book lookup failed", zap.Error(err))
		return "", false
	}
	game, err := rules.FromFEN(e.fen)
	if err != nil {
		return "", false
	}

	var (
		legal []Entry
		total int
	)
	for _, entry := range entries {
		move, ok := legalMove(game, entry.Move)
		if !ok || entry.Weight == 0 {
			continue
		}
		legal = append(legal, Entry{Move: move, Weight: entry.Weight})
		total += int(entry.Weight)
	}
	if len(legal) == 0 {
		return "", false
	}

	threshold := e.rng.Intn(total)
	for _, entry := range legal {
		threshold -= int(entry.Weight)
		if threshold < 0 {
			return entry.Move, true
		}
	}
	return legal[0].Move, true
}

func legalMove(g *rules.Game, uci string) (string, bool) {
	for _, candidate := range []string{uci, castleFix(uci)} {
		mv, ok := rules.ParseUCI(candidate)
		if !ok {
			continue
		}
		if g.Dests().Contains(mv.From, mv.To) {
			return candidate, true
		}
	}
	return "", false
}

func (e *Engine) Close() error {
	return e.inner.Close()
}
