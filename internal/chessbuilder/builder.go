// Package chessbuilder turns an AppConfig into the engine factory every
// game front end shares.
package chessbuilder

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/config"
	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/engine/book"
	"github.com/park285/pigeonplay/internal/engine/builtin"
	"github.com/park285/pigeonplay/internal/engine/level"
	"github.com/park285/pigeonplay/internal/engine/remote"
	"github.com/park285/pigeonplay/internal/engine/uci"
)

type Deps struct {
	Factory engine.Factory
	// Pool is set for the uci engine kind.
	Pool *uci.Pool
	// Book is set when a polyglot book was configured.
	Book *book.Polyglot
}

func New(cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var preset level.Preset
	if cfg.EngineLevel != "" {
		p, err := level.Get(cfg.EngineLevel)
		if err != nil {
			return nil, err
		}
		preset = p
	}

	deps := &Deps{}
	switch cfg.EngineKind {
	case config.EngineBuiltin:
		deps.Factory = builtin.Factory(builtin.Options{Weights: preset.Weights})
	case config.EngineUCI:
		pool, err := uci.NewPool(uci.PoolConfig{
			BinaryPath: cfg.EnginePath,
			Capacity:   cfg.EnginePoolCapacity,
			Logger:     logger.Named("uci"),
		})
		if err != nil {
			return nil, fmt.Errorf("init uci pool: %w", err)
		}
		deps.Pool = pool
		deps.Factory = uci.Factory(pool, uciConfig(cfg, preset, logger.Named("uci")))
	case config.EngineRemote:
		deps.Factory = remote.Factory(cfg.EngineURL,
			remote.WithGrace(cfg.EngineReplyGrace),
			remote.WithThreads(cfg.EngineThreads),
			remote.WithLogger(logger.Named("remote")),
		)
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.EngineKind)
	}

	if path := strings.TrimSpace(cfg.PolyglotBookPath); path != "" {
		pg, err := book.LoadPolyglotFile(path)
		if err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("load opening book: %w", err)
		}
		deps.Book = pg
		deps.Factory = book.Factory(deps.Factory, pg, logger.Named("book"))
		logger.Info("opening book loaded", zap.String("path", path))
	}

	logger.Info("engine configured", zap.String("kind", cfg.EngineKind))
	return deps, nil
}

// uciConfig layers explicit settings over the level preset.
func uciConfig(cfg *config.AppConfig, preset level.Preset, logger *zap.Logger) uci.EngineConfig {
	opt := uci.Options{
		Threads:    cfg.EngineThreads,
		HashMB:     preset.HashMB,
		SkillLevel: preset.SkillLevel,
		Elo:        cfg.EngineElo,
		MultiPV:    preset.MultiPV,
	}
	if cfg.EngineHashMB > 0 {
		opt.HashMB = cfg.EngineHashMB
	}
	if cfg.EngineSkillLevel > 0 {
		opt.SkillLevel = cfg.EngineSkillLevel
	}
	return uci.EngineConfig{
		Options:  opt,
		DepthCap: preset.DepthCap,
		Weights:  preset.Weights,
		Logger:   logger,
	}
}

// Close stops the warm uci processes, if any.
func (d *Deps) Close() error {
	if d == nil || d.Pool == nil {
		return nil
	}
	return d.Pool.Close()
}
