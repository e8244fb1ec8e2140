package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/pigeonplay/internal/chessbuilder"
	appcfg "github.com/park285/pigeonplay/internal/config"
	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/protocol"
	"github.com/park285/pigeonplay/internal/rules"
	"github.com/park285/pigeonplay/internal/worker"
)

// enginecheck asks the configured engine for one move and reports it. With
// -script it instead feeds JSON worker messages from stdin, one per line,
// and prints every reply.
func main() {
	configPath := flag.String("config", "", "YAML config file (default $PIGEON_CONFIG)")
	fen := flag.String("fen", rules.StartFEN, "position to search")
	movetime := flag.Duration("movetime", time.Second, "search budget")
	script := flag.Bool("script", false, `read {"name":"set_pos",...} messages from stdin`)
	flag.Parse()

	cfg, err := appcfg.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	game, err := rules.FromFEN(*fen)
	if err != nil {
		log.Fatalf("fen error: %v", err)
	}

	deps, err := chessbuilder.New(cfg, nil)
	if err != nil {
		log.Fatalf("engine init error: %v", err)
	}
	defer deps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *movetime*3+cfg.EngineReplyGrace)
	defer cancel()

	if *script {
		eng, err := deps.Factory(context.Background())
		if err != nil {
			log.Fatalf("engine start error: %v", err)
		}
		if err := runScript(os.Stdin, os.Stdout, eng, cfg.EngineReplyGrace); err != nil {
			log.Fatalf("script error: %v", err)
		}
		return
	}

	eng, err := deps.Factory(ctx)
	if err != nil {
		log.Fatalf("engine start error: %v", err)
	}
	defer eng.Close()

	if err := eng.SetPosition(ctx, game.FEN()); err != nil {
		log.Fatalf("set position error: %v", err)
	}
	started := time.Now()
	move, err := eng.ComputeMove(ctx, *movetime)
	if err != nil {
		log.Fatalf("%s engine error: %v", cfg.EngineKind, err)
	}
	mv, err := game.MoveSloppy(move)
	if err != nil {
		log.Fatalf("%s engine answered an illegal move %q: %v", cfg.EngineKind, move, err)
	}
	log.Printf("%s engine ok: bestmove=%s elapsed=%s", cfg.EngineKind, mv.UCI(), time.Since(started).Round(time.Millisecond))
}

// runScript posts each decoded line to a worker owning eng and writes the
// encoded replies, waiting for one per get_move.
func runScript(in io.Reader, out io.Writer, eng engine.Engine, grace time.Duration) error {
	w := worker.Start(context.Background(), eng, worker.Options{Grace: grace, Buffer: 64})
	defer w.Close()

	sc := bufio.NewScanner(in)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		msg, err := protocol.Decode([]byte(text))
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := w.Post(msg); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if msg.Name != protocol.NameGetMove {
			continue
		}
		reply, ok := <-w.Replies()
		if !ok {
			return fmt.Errorf("line %d: worker stopped", line)
		}
		raw, err := protocol.Encode(reply)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
	}
	return sc.Err()
}
