package uci

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/engine/level"
)

type EngineConfig struct {
	Options Options
	// DepthCap is sent next to movetime when positive.
	DepthCap int
	// Weights choose among the MultiPV candidates; with one weight or
	// fewer the engine's bestmove is played.
	Weights []float64
	// Seed fixes the candidate choice; zero seeds from the clock.
	Seed   int64
	Logger *zap.Logger
}

// Engine drives an external UCI binary through a shared Pool.
type Engine struct {
	pool   *Pool
	cfg    EngineConfig
	rng    *rand.Rand
	logger *zap.Logger

	fen string
}

var _ engine.Engine = (*Engine)(nil)

func NewEngine(pool *Pool, cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{pool: pool, cfg: cfg, rng: rand.New(rand.NewSource(seed)), logger: logger}
}

// Factory returns an engine.Factory whose engines share pool.
func Factory(pool *Pool, cfg EngineConfig) engine.Factory {
	return func(ctx context.Context) (engine.Engine, error) {
		return NewEngine(pool, cfg), nil
	}
}

func (e *Engine) SetPosition(_ context.Context, fen string) error {
	e.fen = fen
	return nil
}

func (e *Engine) ComputeMove(ctx context.Context, budget time.Duration) (string, error) {
	if e.fen == "" {
		return "", engine.ErrNoPosition
	}
	ms := int(budget.Milliseconds())
	if ms <= 0 {
		ms = 1
	}

	session, err := e.pool.Acquire(ctx, e.cfg.Options)
	if err != nil {
		return "", fmt.Errorf("acquire uci session: %w", err)
	}

	move, err := e.search(ctx, session, ms)
	e.pool.Release(session, err)
	if err != nil {
		return "", err
	}
	return move, nil
}

func (e *Engine) search(ctx context.Context, session *Session, ms int) (string, error) {
	// Pooled sessions may carry hash from another game.
	if err := session.NewGame(ctx); err != nil {
		return "", fmt.Errorf("uci new game: %w", err)
	}
	started := time.Now()
	resp, err := session.Search(ctx, SearchRequest{
		FEN:    e.fen,
		Limits: Limits{MoveTimeMillis: ms, Depth: e.cfg.DepthCap},
	})
	if err != nil {
		return "", err
	}
	if resp.BestMove == "" || resp.BestMove == "(none)" || resp.BestMove == "0000" {
		return "", engine.ErrNoMove
	}

	move := e.choose(resp)
	e.logger.Debug("uci search done",
		zap.String("best", resp.BestMove),
		zap.String("played", move),
		zap.Int("candidates", len(resp.Candidates)),
		zap.Duration("took", time.Since(started)),
	)
	return move, nil
}

// choose plays a weaker MultiPV line now and then.
func (e *Engine) choose(resp SearchResponse) string {
	if len(e.cfg.Weights) <= 1 || len(resp.Candidates) <= 1 {
		return resp.BestMove
	}
	scores := make([]int, len(resp.Candidates))
	for i, c := range resp.Candidates {
		scores[i] = c.EvalCP
	}
	idx, err := level.Pick(scores, e.cfg.Weights, e.rng)
	if err != nil || resp.Candidates[idx].Move == "" {
		return resp.BestMove
	}
	return resp.Candidates[idx].Move
}

// Close is a no-op; the pool owns the processes.
func (e *Engine) Close() error {
	return nil
}
