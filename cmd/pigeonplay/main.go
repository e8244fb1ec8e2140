package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/chessbuilder"
	appcfg "github.com/park285/pigeonplay/internal/config"
	"github.com/park285/pigeonplay/internal/msgcat"
	"github.com/park285/pigeonplay/internal/obslog"
	"github.com/park285/pigeonplay/internal/render"
	"github.com/park285/pigeonplay/internal/termui"
	"github.com/park285/pigeonplay/internal/webui"
)

func main() {
	mode := flag.String("mode", "web", "front end: web or term")
	configPath := flag.String("config", "", "YAML config file (default $PIGEON_CONFIG)")
	black := flag.Bool("black", false, "term mode: play the black pieces")
	startFEN := flag.String("fen", "", "term mode: start from this position")
	auto := flag.Bool("auto", false, "term mode: the engine plays both sides")
	flag.Parse()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := appcfg.Load(*configPath)
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}
	texts, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("message catalog error", zap.Error(err))
	}
	deps, err := chessbuilder.New(cfg, logger)
	if err != nil {
		logger.Fatal("engine init error", zap.Error(err))
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn("engine pool close", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "web":
		err = runWeb(ctx, cfg, deps, texts, logger)
	case "term":
		err = termui.Run(ctx, termui.Options{
			In:              os.Stdin,
			Out:             os.Stdout,
			Factory:         deps.Factory,
			Texts:           texts,
			DefaultMoveTime: cfg.DefaultMoveTime(),
			MaxMoveTime:     cfg.MaxMoveTime(),
			Grace:           cfg.EngineReplyGrace,
			PlayAsBlack:     *black,
			StartFEN:        *startFEN,
			Auto:            *auto,
			Logger:          logger.Named("term"),
		})
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pigeonplay stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func runWeb(ctx context.Context, cfg *appcfg.AppConfig, deps *chessbuilder.Deps, texts *msgcat.Catalog, logger *zap.Logger) error {
	srv, err := webui.NewServer(webui.Options{
		Factory:         deps.Factory,
		Texts:           texts,
		Renderer:        render.New(render.Options{PieceDir: cfg.PieceDir}),
		DefaultMoveTime: cfg.DefaultMoveTime(),
		MaxMoveTime:     cfg.MaxMoveTime(),
		Grace:           cfg.EngineReplyGrace,
		Logger:          logger.Named("web"),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(cfg.ListenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
