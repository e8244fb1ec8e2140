package termui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/pigeonplay/internal/controller"
	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/engine/builtin"
	"github.com/park285/pigeonplay/internal/rules"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type replyEngine struct{ move string }

func (e replyEngine) SetPosition(context.Context, string) error { return nil }

func (e replyEngine) ComputeMove(context.Context, time.Duration) (string, error) {
	return e.move, nil
}

func (e replyEngine) Close() error { return nil }

func factoryFor(move string) engine.Factory {
	return func(context.Context) (engine.Engine, error) { return replyEngine{move: move}, nil }
}

// flakyEngine fails its first searches, then plays move.
type flakyEngine struct {
	mu       sync.Mutex
	failures int
	move     string
}

func (e *flakyEngine) SetPosition(context.Context, string) error { return nil }

func (e *flakyEngine) ComputeMove(context.Context, time.Duration) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return "", errors.New("search crashed")
	}
	return e.move, nil
}

func (e *flakyEngine) Close() error { return nil }

type session struct {
	in   *io.PipeWriter
	out  *lockedBuffer
	done chan error
}

func start(t *testing.T, opt Options) *session {
	t.Helper()
	r, w := io.Pipe()
	out := &lockedBuffer{}
	opt.In, opt.Out = r, out
	if opt.DefaultMoveTime == 0 {
		opt.DefaultMoveTime = 50 * time.Millisecond
	}
	s := &session{in: w, out: out, done: make(chan error, 1)}
	go func() { s.done <- Run(context.Background(), opt) }()
	t.Cleanup(func() { _ = w.Close() })
	return s
}

func (s *session) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (s *session) waitFor(t *testing.T, text string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(s.out.String(), text) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in output:\n%s", text, s.out.String())
}

func (s *session) waitCount(t *testing.T, text string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Count(s.out.String(), text) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d x %q in output:\n%s", n, text, s.out.String())
}

func (s *session) quit(t *testing.T) {
	t.Helper()
	s.send(t, "quit")
	select {
	case err := <-s.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after quit")
	}
}

func TestPlayCoordinateMove(t *testing.T) {
	s := start(t, Options{Factory: factoryFor("e7e5")})
	s.waitFor(t, "white to move> ")

	s.send(t, "e2e4")
	s.waitFor(t, "last move: e7e5")
	s.waitFor(t, "Your turn!")
	s.quit(t)
}

func TestPlaySANMove(t *testing.T) {
	s := start(t, Options{Factory: factoryFor("g8f6")})
	s.waitFor(t, "white to move> ")

	s.send(t, "Nf3")
	s.waitFor(t, "last move: g1f3")
	s.waitFor(t, "last move: g8f6")
	s.quit(t)
}

func TestIllegalInput(t *testing.T) {
	s := start(t, Options{Factory: factoryFor("e7e5")})
	s.waitFor(t, "white to move> ")

	s.send(t, "e2e5")
	s.waitFor(t, "Illegal move: e2e5")
	s.quit(t)
}

func TestPlayAsBlack(t *testing.T) {
	s := start(t, Options{Factory: factoryFor("d2d4"), PlayAsBlack: true})
	s.waitFor(t, "last move: d2d4")
	s.waitFor(t, "black to move> ")
	s.quit(t)
}

func TestResetCommand(t *testing.T) {
	s := start(t, Options{Factory: factoryFor("e7e5")})
	s.waitFor(t, "white to move> ")
	s.send(t, "e2e4")
	s.waitFor(t, "last move: e7e5")

	s.send(t, "reset")
	s.waitFor(t, "Resetting...")
	s.waitFor(t, "Let's play!")
	s.quit(t)
}

func TestTimeCommandUsage(t *testing.T) {
	s := start(t, Options{Factory: factoryFor("e7e5")})
	s.waitFor(t, "white to move> ")
	s.send(t, "time soon")
	s.waitFor(t, "usage: time <seconds>")
	s.quit(t)
}

func TestEndOfInputStops(t *testing.T) {
	err := Run(context.Background(), Options{
		In:      strings.NewReader(""),
		Out:     io.Discard,
		Factory: factoryFor("e7e5"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunRequiresFactory(t *testing.T) {
	if err := Run(context.Background(), Options{In: strings.NewReader(""), Out: io.Discard}); err == nil {
		t.Fatalf("expected error without a factory")
	}
}

func TestDrawBoardOrientation(t *testing.T) {
	white := drawBoard(controller.BoardState{FEN: rules.StartFEN, Orientation: rules.White})
	lines := strings.Split(strings.TrimSpace(white), "\n")
	if !strings.HasPrefix(lines[0], "8  r ") {
		t.Fatalf("expected rank 8 first for white, got %q", lines[0])
	}

	black := drawBoard(controller.BoardState{
		FEN:         rules.StartFEN,
		Orientation: rules.Black,
		LastMove:    &rules.Move{From: "e2", To: "e4"},
	})
	lines = strings.Split(strings.TrimSpace(black), "\n")
	if !strings.HasPrefix(lines[0], "1  R ") {
		t.Fatalf("expected rank 1 first for black, got %q", lines[0])
	}
	if !strings.Contains(black, "[P]") || !strings.Contains(black, "last move: e2e4") {
		t.Fatalf("expected the last move to be marked:\n%s", black)
	}
}

func TestRetryOnHumanTurnIsRejected(t *testing.T) {
	s := start(t, Options{Factory: factoryFor("e7e5")})
	s.waitFor(t, "white to move> ")
	s.send(t, "retry")
	s.waitFor(t, "not the player's turn")
	if strings.Contains(s.out.String(), "last move: e7e5") {
		t.Fatalf("the engine moved for white:\n%s", s.out.String())
	}
	s.send(t, "e2e4")
	s.waitFor(t, "last move: e7e5")
	s.quit(t)
}

func TestRetryAfterEngineError(t *testing.T) {
	eng := &flakyEngine{failures: 1, move: "e7e5"}
	s := start(t, Options{Factory: func(context.Context) (engine.Engine, error) { return eng, nil }})
	s.waitFor(t, "white to move> ")

	s.send(t, "e2e4")
	s.waitFor(t, "search crashed")
	s.send(t, "retry")
	s.waitFor(t, "last move: e7e5")
	s.waitFor(t, "Your turn!")
	s.quit(t)
}

func TestStartFromFEN(t *testing.T) {
	fen := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	s := start(t, Options{Factory: factoryFor("c7c5"), StartFEN: fen})
	s.waitFor(t, "last move: c7c5")
	s.waitFor(t, "white to move> ")
	s.quit(t)
}

func TestBadStartFEN(t *testing.T) {
	err := Run(context.Background(), Options{
		In:       strings.NewReader(""),
		Out:      io.Discard,
		Factory:  factoryFor("e7e5"),
		StartFEN: "not a position",
	})
	if !errors.Is(err, rules.ErrBadFEN) {
		t.Fatalf("expected ErrBadFEN, got %v", err)
	}
}

func TestAutoPlaysBothSides(t *testing.T) {
	s := start(t, Options{
		Factory:         builtin.Factory(builtin.Options{Seed: 7}),
		Auto:            true,
		DefaultMoveTime: 10 * time.Millisecond,
	})
	s.waitCount(t, "last move: ", 4)
	if strings.Contains(s.out.String(), "to move> ") {
		t.Fatalf("auto play should not prompt:\n%s", s.out.String())
	}
	s.quit(t)
}
