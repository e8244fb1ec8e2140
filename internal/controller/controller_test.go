package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/pigeonplay/internal/protocol"
	"github.com/park285/pigeonplay/internal/rules"
)

type fakeView struct {
	mu       sync.Mutex
	boards   []BoardState
	statuses []string
	controls []bool
	moveTime time.Duration
}

func (v *fakeView) SetBoard(b BoardState) {
	v.mu.Lock()
	v.boards = append(v.boards, b)
	v.mu.Unlock()
}

func (v *fakeView) SetStatus(text string) {
	v.mu.Lock()
	v.statuses = append(v.statuses, text)
	v.mu.Unlock()
}

func (v *fakeView) SetControlsEnabled(enabled bool) {
	v.mu.Lock()
	v.controls = append(v.controls, enabled)
	v.mu.Unlock()
}

func (v *fakeView) MoveTime() time.Duration { return v.moveTime }

func (v *fakeView) board() BoardState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.boards[len(v.boards)-1]
}

func (v *fakeView) status() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statuses[len(v.statuses)-1]
}

func (v *fakeView) enabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.controls[len(v.controls)-1]
}

type fakePoster struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (p *fakePoster) Post(msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePoster) take() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

func newTestController(t *testing.T) (*Controller, *fakeView, *fakePoster) {
	t.Helper()
	view := &fakeView{moveTime: 3 * time.Second}
	poster := &fakePoster{}
	c := New(view, poster, Options{MaxMoveTime: 30 * time.Second})
	if err := c.ResetGame(false); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	poster.take()
	return c, view, poster
}

func names(msgs []protocol.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Name)
	}
	return strings.Join(parts, ",")
}

func TestResetAsWhite(t *testing.T) {
	view := &fakeView{moveTime: time.Second}
	poster := &fakePoster{}
	c := New(view, poster, Options{})
	if err := c.ResetGame(false); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}

	snap := c.Snapshot()
	if snap.FEN != rules.StartFEN || snap.Turn != rules.White || snap.State != AwaitingUserMove {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	sent := poster.take()
	if names(sent) != protocol.NameSetPos {
		t.Fatalf("expected a single set_pos, got %s", names(sent))
	}
	if fen, _ := sent[0].Text(); fen != rules.StartFEN {
		t.Fatalf("set_pos carried %q", fen)
	}
	if view.status() != "Let's play!" || !view.enabled() {
		t.Fatalf("status=%q enabled=%v", view.status(), view.enabled())
	}
	b := view.board()
	if b.LastMove != nil || !b.Movable || b.Orientation != rules.White {
		t.Fatalf("unexpected board %+v", b)
	}
	if view.statuses[0] != "Resetting..." {
		t.Fatalf("expected resetting status first, got %v", view.statuses)
	}
}

func TestResetAsBlackRequestsEngineOnce(t *testing.T) {
	c, view, poster := newTestController(t)
	if err := c.ResetGame(true); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	sent := poster.take()
	if names(sent) != "set_pos,set_pos,get_move" {
		t.Fatalf("unexpected messages %s", names(sent))
	}
	if c.Snapshot().State != AwaitingEngineMove || view.enabled() {
		t.Fatalf("expected engine to be thinking with controls off")
	}
	if view.board().Orientation != rules.Black {
		t.Fatalf("expected black orientation")
	}
	if err := c.OnUserMove("e2", "e4"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if len(poster.take()) != 0 {
		t.Fatalf("user input must not reach the worker while the engine thinks")
	}
}

func TestUserMoveSyncsWorkerAndDisablesInput(t *testing.T) {
	c, view, poster := newTestController(t)
	if err := c.OnUserMove("e2", "e4"); err != nil {
		t.Fatalf("OnUserMove: %v", err)
	}

	snap := c.Snapshot()
	if fields := strings.Fields(snap.FEN); fields[1] != "b" {
		t.Fatalf("expected black to move, fen=%s", snap.FEN)
	}
	sent := poster.take()
	if names(sent) != "set_pos,get_move" {
		t.Fatalf("unexpected messages %s", names(sent))
	}
	if fen, _ := sent[0].Text(); fen != snap.FEN {
		t.Fatalf("set_pos %q does not match position %q", fen, snap.FEN)
	}
	if budget, _ := sent[1].Millis(); budget != 3*time.Second {
		t.Fatalf("unexpected budget %v", budget)
	}
	if view.enabled() || view.board().Movable {
		t.Fatalf("input should be disabled while the engine thinks")
	}
	if view.status() != "Thinking..." {
		t.Fatalf("unexpected status %q", view.status())
	}
}

func TestEngineReplyUpdatesBoard(t *testing.T) {
	c, view, poster := newTestController(t)
	if err := c.OnUserMove("e2", "e4"); err != nil {
		t.Fatalf("OnUserMove: %v", err)
	}
	poster.take()

	if err := c.HandleWorkerMessage(protocol.MoveReply("e7e5")); err != nil {
		t.Fatalf("HandleWorkerMessage: %v", err)
	}
	b := view.board()
	if b.LastMove == nil || b.LastMove.From != "e7" || b.LastMove.To != "e5" {
		t.Fatalf("unexpected last move %+v", b.LastMove)
	}
	if !strings.HasPrefix(b.Placement, "rnbqkbnr/pppp1ppp/8/4p3/4P3/") {
		t.Fatalf("unexpected placement %s", b.Placement)
	}
	if b.Turn != rules.White || !b.Movable || !view.enabled() {
		t.Fatalf("expected white to move with input enabled: %+v", b)
	}
	if view.status() != "Your turn!" {
		t.Fatalf("unexpected status %q", view.status())
	}
	sent := poster.take()
	if names(sent) != protocol.NameSetPos {
		t.Fatalf("expected resync set_pos, got %s", names(sent))
	}
	if fen, _ := sent[0].Text(); fen != c.Snapshot().FEN {
		t.Fatalf("resync fen mismatch")
	}
}

func TestRequestWhileBusy(t *testing.T) {
	c, _, poster := newTestController(t)
	if err := c.OnUserMove("d2", "d4"); err != nil {
		t.Fatalf("OnUserMove: %v", err)
	}
	poster.take()
	if err := c.RequestEngineMove(time.Second); !errors.Is(err, ErrEngineBusy) {
		t.Fatalf("expected ErrEngineBusy, got %v", err)
	}
	if len(poster.take()) != 0 {
		t.Fatalf("busy request must not post")
	}
}

func TestLateReplyAfterResetDropped(t *testing.T) {
	c, view, poster := newTestController(t)
	if err := c.OnUserMove("e2", "e4"); err != nil {
		t.Fatalf("OnUserMove: %v", err)
	}
	if err := c.ResetGame(false); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	poster.take()
	boards := len(view.boards)

	if err := c.OnEngineReply("e7e5"); err != nil {
		t.Fatalf("OnEngineReply: %v", err)
	}
	if c.Snapshot().FEN != rules.StartFEN {
		t.Fatalf("late reply changed the position: %s", c.Snapshot().FEN)
	}
	if len(view.boards) != boards || len(poster.take()) != 0 {
		t.Fatalf("late reply should be silent")
	}

	// The next request is answered normally.
	if err := c.OnUserMove("e2", "e4"); err != nil {
		t.Fatalf("OnUserMove: %v", err)
	}
	if err := c.OnEngineReply("c7c5"); err != nil {
		t.Fatalf("OnEngineReply: %v", err)
	}
	if last := c.Snapshot().LastMove; last == nil || last.UCI() != "c7c5" {
		t.Fatalf("expected c7c5 applied, got %+v", last)
	}
}

func TestEngineErrorRestoresControls(t *testing.T) {
	c, view, poster := newTestController(t)
	if err := c.OnUserMove("e2", "e4"); err != nil {
		t.Fatalf("OnUserMove: %v", err)
	}
	before := c.Snapshot().FEN
	poster.take()

	if err := c.HandleWorkerMessage(protocol.ErrorReply("engine did not reply within 11s")); err != nil {
		t.Fatalf("HandleWorkerMessage: %v", err)
	}
	snap := c.Snapshot()
	if snap.FEN != before || snap.State != AwaitingUserMove || snap.Pending {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !view.enabled() || !strings.Contains(view.status(), "engine did not reply") {
		t.Fatalf("enabled=%v status=%q", view.enabled(), view.status())
	}

	// Retrying asks the worker again.
	if err := c.RequestEngineMove(time.Second); err != nil {
		t.Fatalf("RequestEngineMove: %v", err)
	}
	if names(poster.take()) != "set_pos,get_move" {
		t.Fatalf("retry should resync and ask again")
	}
}

func TestIllegalEngineMoveIsAnError(t *testing.T) {
	c, view, _ := newTestController(t)
	_ = c.OnUserMove("e2", "e4")
	if err := c.OnEngineReply("e2e4"); err == nil {
		t.Fatalf("expected error for illegal engine move")
	}
	if !view.enabled() || c.Snapshot().State != AwaitingUserMove {
		t.Fatalf("controls should come back after a bad engine move")
	}
}

func TestIllegalUserMoveLeavesView(t *testing.T) {
	c, view, poster := newTestController(t)
	boards := len(view.boards)
	if err := c.OnUserMove("e2", "e5"); !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if len(view.boards) != boards || len(poster.take()) != 0 {
		t.Fatalf("illegal move must not touch view or worker")
	}
}

func TestCheckmateEndsGame(t *testing.T) {
	c, view, poster := newTestController(t)
	steps := []struct{ user, engine string }{
		{"f2f3", "e7e5"},
		{"g2g4", "d8h4"},
	}
	for _, s := range steps {
		if err := c.OnUserMove(s.user[:2], s.user[2:]); err != nil {
			t.Fatalf("OnUserMove(%s): %v", s.user, err)
		}
		if err := c.OnEngineReply(s.engine); err != nil {
			t.Fatalf("OnEngineReply(%s): %v", s.engine, err)
		}
	}
	snap := c.Snapshot()
	if snap.State != GameOver || snap.Outcome != rules.BlackWon {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !strings.Contains(view.status(), "black wins") {
		t.Fatalf("unexpected status %q", view.status())
	}
	if view.board().Movable {
		t.Fatalf("board should be frozen after mate")
	}
	poster.take()
	if err := c.OnUserMove("e2", "e4"); !errors.Is(err, ErrGameOver) {
		t.Fatalf("expected ErrGameOver, got %v", err)
	}
	if err := c.RequestEngineMove(time.Second); !errors.Is(err, ErrGameOver) {
		t.Fatalf("expected ErrGameOver, got %v", err)
	}
}

func TestPostFailureRollsBack(t *testing.T) {
	c, view, poster := newTestController(t)
	poster.err = errors.New("worker closed")
	if err := c.OnUserMove("e2", "e4"); err == nil {
		t.Fatalf("expected post error")
	}
	snap := c.Snapshot()
	if snap.Pending || snap.State != AwaitingUserMove || !view.enabled() {
		t.Fatalf("request not rolled back: %+v", snap)
	}
}

func TestMoveTimeClamped(t *testing.T) {
	view := &fakeView{moveTime: 90 * time.Second}
	poster := &fakePoster{}
	c := New(view, poster, Options{MaxMoveTime: 10 * time.Second})
	_ = c.ResetGame(false)
	poster.take()
	if err := c.OnUserMove("e2", "e4"); err != nil {
		t.Fatalf("OnUserMove: %v", err)
	}
	sent := poster.take()
	if budget, _ := sent[len(sent)-1].Millis(); budget != 10*time.Second {
		t.Fatalf("expected clamped budget, got %v", budget)
	}
}

func TestRunDispatchesReplies(t *testing.T) {
	c, view, _ := newTestController(t)
	_ = c.OnUserMove("e2", "e4")

	replies := make(chan protocol.Message, 1)
	replies <- protocol.MoveReply("e7e5")
	close(replies)
	c.Run(context.Background(), replies)

	if view.board().Turn != rules.White || c.Snapshot().State != AwaitingUserMove {
		t.Fatalf("reply not applied by Run")
	}
}

func TestRetryRejectedOnHumanTurn(t *testing.T) {
	c, view, poster := newTestController(t)
	if err := c.RequestEngineMove(time.Second); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if len(poster.take()) != 0 {
		t.Fatalf("the engine must not be asked to move for the human")
	}
	if !view.board().Movable || !view.enabled() || c.Snapshot().State != AwaitingUserMove {
		t.Fatalf("board should stay with the human")
	}
	if err := c.OnUserMove("e2", "e4"); err != nil {
		t.Fatalf("OnUserMove after rejected retry: %v", err)
	}
}

func TestStartFENWithEngineToMove(t *testing.T) {
	view := &fakeView{moveTime: time.Second}
	poster := &fakePoster{}
	fen := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	c := New(view, poster, Options{StartFEN: fen})
	if err := c.ResetGame(false); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	if names(poster.take()) != "set_pos,set_pos,get_move" {
		t.Fatalf("engine should move first from a black-to-move position")
	}
	if err := c.OnEngineReply("e7e5"); err != nil {
		t.Fatalf("OnEngineReply: %v", err)
	}
	snap := c.Snapshot()
	if snap.Turn != rules.White || snap.LastMove == nil || snap.LastMove.UCI() != "e7e5" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !view.board().Movable {
		t.Fatalf("expected the human to move after the reply")
	}
}

func TestStartFENAlreadyOver(t *testing.T) {
	view := &fakeView{}
	poster := &fakePoster{}
	mated := "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR w KQkq - 1 3"
	c := New(view, poster, Options{StartFEN: mated})
	if err := c.ResetGame(false); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	if c.Snapshot().State != GameOver {
		t.Fatalf("expected game over, got %s", c.Snapshot().State)
	}
	if names(poster.take()) != protocol.NameSetPos {
		t.Fatalf("no search should start in a finished position")
	}
}

func TestBadStartFENFallsBack(t *testing.T) {
	c := New(&fakeView{}, &fakePoster{}, Options{StartFEN: "garbage"})
	if err := c.ResetGame(false); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	if c.Snapshot().FEN != rules.StartFEN {
		t.Fatalf("expected the standard position, got %s", c.Snapshot().FEN)
	}
}

func TestAutoPlaysBothSides(t *testing.T) {
	view := &fakeView{moveTime: time.Second}
	poster := &fakePoster{}
	c := New(view, poster, Options{Auto: true})
	if err := c.ResetGame(false); err != nil {
		t.Fatalf("ResetGame: %v", err)
	}
	if names(poster.take()) != "set_pos,set_pos,get_move" {
		t.Fatalf("auto game should ask the engine for white's move")
	}
	if view.board().Movable {
		t.Fatalf("auto board is never movable")
	}
	if err := c.OnUserMove("e2", "e4"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}

	if err := c.OnEngineReply("e2e4"); err != nil {
		t.Fatalf("OnEngineReply: %v", err)
	}
	if names(poster.take()) != "set_pos,set_pos,get_move" {
		t.Fatalf("auto game should ask again for black's move")
	}
	if err := c.OnEngineReply("e7e5"); err != nil {
		t.Fatalf("OnEngineReply: %v", err)
	}
	snap := c.Snapshot()
	if !snap.Pending || snap.State != AwaitingEngineMove || snap.Turn != rules.White {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	// After an error the engine may be asked again for either colour.
	c.OnEngineError("boom")
	if err := c.RequestEngineMove(time.Second); err != nil {
		t.Fatalf("RequestEngineMove: %v", err)
	}
}
