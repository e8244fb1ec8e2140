// Package termui plays one game on a text terminal: an ASCII board after
// every update and moves typed on stdin.
package termui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/controller"
	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/msgcat"
	"github.com/park285/pigeonplay/internal/rules"
	"github.com/park285/pigeonplay/internal/worker"
)

type Options struct {
	In      io.Reader
	Out     io.Writer
	Factory engine.Factory
	Texts   *msgcat.Catalog

	DefaultMoveTime time.Duration
	MaxMoveTime     time.Duration
	Grace           time.Duration
	PlayAsBlack     bool
	// StartFEN is the position every game starts from; empty is the
	// standard start.
	StartFEN string
	// Auto has the engine play both sides.
	Auto bool

	Logger *zap.Logger
}

// Run plays until quit, end of input or ctx cancellation.
func Run(ctx context.Context, opt Options) error {
	if opt.Factory == nil {
		return errors.New("termui: engine factory is required")
	}
	if opt.In == nil || opt.Out == nil {
		return errors.New("termui: input and output are required")
	}
	if opt.StartFEN != "" {
		if _, err := rules.FromFEN(opt.StartFEN); err != nil {
			return fmt.Errorf("start position: %w", err)
		}
	}
	texts := opt.Texts
	if texts == nil {
		texts = msgcat.Default()
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eng, err := opt.Factory(ctx)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	wk := worker.Start(ctx, eng, worker.Options{Grace: opt.Grace, Logger: logger})
	defer func() {
		if err := wk.Close(); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	}()

	view := newConsoleView(opt.Out, texts, opt.DefaultMoveTime)
	ctrl := controller.New(view, wk, controller.Options{
		Texts:           texts,
		StartFEN:        opt.StartFEN,
		Auto:            opt.Auto,
		MaxMoveTime:     opt.MaxMoveTime,
		DefaultMoveTime: opt.DefaultMoveTime,
		Logger:          logger,
	})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ctrl.Run(ctx, wk.Replies())
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	view.println(texts.Text(msgcat.KeyTermHelp, nil))
	if err := ctrl.ResetGame(opt.PlayAsBlack); err != nil {
		return err
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(opt.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := handleLine(ctrl, view, texts, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one typed command and reports whether the user quit.
func handleLine(ctrl *controller.Controller, view *consoleView, texts *msgcat.Catalog, line string) bool {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		view.prompt()
		return false
	}

	var err error
	switch cmd := strings.ToLower(fields[0]); cmd {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		view.println(texts.Text(msgcat.KeyTermHelp, nil))
		view.prompt()
		return false
	case "reset", "white", "new":
		err = ctrl.ResetGame(false)
	case "black":
		err = ctrl.ResetGame(true)
	case "retry":
		err = ctrl.RequestEngineMove(view.MoveTime())
	case "time", "movetime":
		if len(fields) != 2 {
			view.println("usage: time <seconds>")
			view.prompt()
			return false
		}
		secs, perr := strconv.ParseFloat(fields[1], 64)
		if perr != nil || secs <= 0 {
			view.println("usage: time <seconds>")
			view.prompt()
			return false
		}
		view.setMoveTime(time.Duration(secs * float64(time.Second)))
		view.prompt()
		return false
	default:
		err = userMove(ctrl, strings.Join(fields, ""))
	}

	switch {
	case err == nil:
	case errors.Is(err, rules.ErrIllegalMove):
		view.println(texts.Text(msgcat.KeyTermIllegal, map[string]any{"Input": line}))
		view.prompt()
	case errors.Is(err, controller.ErrEngineBusy):
		view.println(texts.Text(msgcat.KeyThinking, nil))
	case errors.Is(err, controller.ErrNotYourTurn):
		if ctrl.Snapshot().State == controller.AwaitingEngineMove {
			view.println(texts.Text(msgcat.KeyThinking, nil))
			break
		}
		view.println(err.Error())
		view.prompt()
	default:
		view.println(err.Error())
		view.prompt()
	}
	return false
}

// userMove accepts coordinate or SAN text by resolving it against a copy
// of the current position.
func userMove(ctrl *controller.Controller, text string) error {
	snap := ctrl.Snapshot()
	g, err := rules.FromFEN(snap.FEN)
	if err != nil {
		return err
	}
	mv, err := g.MoveSloppy(text)
	if err != nil {
		return err
	}
	return ctrl.OnUserMove(mv.From, mv.To)
}

// consoleView prints every update. Writes are serialized because the
// controller and the input loop both print.
type consoleView struct {
	texts    *msgcat.Catalog
	moveTime atomic.Int64

	mu       sync.Mutex
	out      io.Writer
	board    controller.BoardState
	hasBoard bool
	enabled  bool
}

func newConsoleView(out io.Writer, texts *msgcat.Catalog, moveTime time.Duration) *consoleView {
	v := &consoleView{out: out, texts: texts}
	v.moveTime.Store(int64(moveTime))
	return v
}

func (v *consoleView) SetBoard(b controller.BoardState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.board = b
	v.hasBoard = true
	fmt.Fprint(v.out, drawBoard(b))
}

func (v *consoleView) SetStatus(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, text)
	if v.enabled && v.hasBoard && v.board.Movable {
		v.promptLocked()
	}
}

func (v *consoleView) SetControlsEnabled(enabled bool) {
	v.mu.Lock()
	v.enabled = enabled
	v.mu.Unlock()
}

func (v *consoleView) MoveTime() time.Duration {
	return time.Duration(v.moveTime.Load())
}

func (v *consoleView) setMoveTime(d time.Duration) {
	v.moveTime.Store(int64(d))
}

func (v *consoleView) println(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, text)
}

func (v *consoleView) prompt() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.promptLocked()
}

func (v *consoleView) promptLocked() {
	turn := rules.White
	if v.hasBoard {
		turn = v.board.Turn
	}
	fmt.Fprint(v.out, v.texts.Text(msgcat.KeyTermPrompt, map[string]any{"Color": turn.String()}))
}

// drawBoard renders b as eight ranks of letters, '.' for empty squares,
// from the player's side, with the last move marked by brackets.
func drawBoard(b controller.BoardState) string {
	g, err := rules.FromFEN(b.FEN)
	if err != nil {
		return b.FEN + "\n"
	}
	pieces := g.Pieces()

	var sb strings.Builder
	sb.WriteByte('\n')
	for row := 0; row < 8; row++ {
		rank := 7 - row
		if b.Orientation == rules.Black {
			rank = row
		}
		fmt.Fprintf(&sb, "%d ", rank+1)
		for col := 0; col < 8; col++ {
			file := col
			if b.Orientation == rules.Black {
				file = 7 - col
			}
			sq := string([]byte{byte('a' + file), byte('1' + rank)})
			letter := pieces[sq]
			if letter == "" {
				letter = "."
			}
			if b.LastMove != nil && (sq == b.LastMove.From || sq == b.LastMove.To) {
				fmt.Fprintf(&sb, "[%s]", letter)
			} else {
				fmt.Fprintf(&sb, " %s ", letter)
			}
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("  ")
	for col := 0; col < 8; col++ {
		file := col
		if b.Orientation == rules.Black {
			file = 7 - col
		}
		fmt.Fprintf(&sb, " %c ", 'a'+file)
	}
	sb.WriteByte('\n')
	if b.LastMove != nil {
		fmt.Fprintf(&sb, "last move: %s\n", b.LastMove.UCI())
	}
	if b.Opening != "" {
		sb.WriteString(b.Opening)
		sb.WriteByte('\n')
	}
	return sb.String()
}
