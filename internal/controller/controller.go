// Package controller owns one game and moves it between the human, the
// board view and the engine worker.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/msgcat"
	"github.com/park285/pigeonplay/internal/protocol"
	"github.com/park285/pigeonplay/internal/rules"
)

var (
	// ErrEngineBusy is returned while a get_move is still unanswered.
	ErrEngineBusy  = errors.New("engine request already outstanding")
	ErrNotYourTurn = errors.New("not the player's turn")
	ErrGameOver    = errors.New("game is over")
)

// State is where the game stands between the human and the engine.
type State int

const (
	AwaitingUserMove State = iota
	AwaitingEngineMove
	GameOver
)

func (s State) String() string {
	switch s {
	case AwaitingUserMove:
		return "awaiting_user_move"
	case AwaitingEngineMove:
		return "awaiting_engine_move"
	case GameOver:
		return "game_over"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BoardState is everything a view needs to draw the board.
type BoardState struct {
	FEN string
	// Placement is the piece-placement field of FEN.
	Placement string
	Turn      rules.Color
	// Movable is false while the human may not touch the board.
	Movable     bool
	Player      rules.Color
	Dests       rules.Dests
	LastMove    *rules.Move
	Orientation rules.Color
	// Opening names the ECO line reached so far, if any.
	Opening string
}

// BoardView is the front end a controller draws on. Calls arrive with the
// controller's lock held and must not block.
type BoardView interface {
	SetBoard(BoardState)
	SetStatus(text string)
	SetControlsEnabled(enabled bool)
	MoveTime() time.Duration
}

// Poster delivers requests to the engine worker. Post must not block.
type Poster interface {
	Post(msg protocol.Message) error
}

// Options configures a Controller; the zero value is usable.
type Options struct {
	Texts *msgcat.Catalog
	// StartFEN replaces the standard start position on every reset.
	StartFEN string
	// Auto lets the engine play both sides.
	Auto bool
	// MaxMoveTime clamps the think time read from the view.
	MaxMoveTime time.Duration
	// DefaultMoveTime is used when the view reports no think time.
	DefaultMoveTime time.Duration
	Logger          *zap.Logger
}

// Controller is safe for concurrent use by a front end and Run.
type Controller struct {
	view   BoardView
	poster Poster
	texts  *msgcat.Catalog
	logger *zap.Logger

	maxMoveTime     time.Duration
	defaultMoveTime time.Duration
	startFEN        string
	auto            bool

	mu      sync.Mutex
	game    *rules.Game
	state   State
	player  rules.Color
	pending bool
	// stale counts replies still owed for requests made before a reset.
	stale      int
	generation uint64
	lastStatus string
}

// New builds a controller for a fresh game with the human as white. Call
// ResetGame to push the first frame to the view. An unparsable StartFEN
// falls back to the standard position.
func New(view BoardView, poster Poster, opt Options) *Controller {
	texts := opt.Texts
	if texts == nil {
		texts = msgcat.Default()
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	def := opt.DefaultMoveTime
	if def <= 0 {
		def = 3 * time.Second
	}
	c := &Controller{
		view:            view,
		poster:          poster,
		texts:           texts,
		logger:          logger,
		maxMoveTime:     opt.MaxMoveTime,
		defaultMoveTime: def,
		startFEN:        opt.StartFEN,
		auto:            opt.Auto,
		player:          rules.White,
	}
	c.game = c.startGame()
	return c
}

func (c *Controller) startGame() *rules.Game {
	if c.startFEN == "" {
		return rules.NewGame()
	}
	g, err := rules.FromFEN(c.startFEN)
	if err != nil {
		c.logger.Warn("start position rejected", zap.String("fen", c.startFEN), zap.Error(err))
		return rules.NewGame()
	}
	return g
}

// OnUserMove applies the human's move. Illegal moves leave the view
// untouched and return rules.ErrIllegalMove.
func (c *Controller) OnUserMove(origin, destination string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case GameOver:
		return ErrGameOver
	case AwaitingEngineMove:
		return ErrNotYourTurn
	}
	if c.auto || c.game.Turn() != c.player {
		return ErrNotYourTurn
	}

	mv, err := c.game.Move(strings.ToLower(origin), strings.ToLower(destination), "")
	if err != nil {
		c.logger.Debug("user move rejected",
			zap.String("from", origin),
			zap.String("to", destination),
			zap.Error(err),
		)
		return err
	}
	c.logMove("user", mv)

	if c.finishIfOver() {
		// Keep the worker in step even though nobody will ask it to move.
		c.post(protocol.SetPos(c.game.FEN()))
		return nil
	}
	return c.requestEngineMove(c.view.MoveTime())
}

// RequestEngineMove asks the worker for a move in the current position.
// It fails with ErrNotYourTurn when the human is to move.
func (c *Controller) RequestEngineMove(thinkTime time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestEngineMove(thinkTime)
}

func (c *Controller) requestEngineMove(thinkTime time.Duration) error {
	if c.state == GameOver {
		return ErrGameOver
	}
	if c.pending {
		return ErrEngineBusy
	}
	if !c.auto && c.game.Turn() == c.player {
		return ErrNotYourTurn
	}

	budget := c.clamp(thinkTime)
	c.state = AwaitingEngineMove
	c.pending = true
	c.view.SetControlsEnabled(false)
	c.pushBoard()
	c.setStatus(c.texts.Text(msgcat.KeyThinking, nil))

	fen := c.game.FEN()
	if err := c.post(protocol.SetPos(fen)); err != nil {
		return c.abortRequest(err)
	}
	if err := c.post(protocol.GetMove(budget)); err != nil {
		return c.abortRequest(err)
	}
	c.logger.Debug("engine move requested", zap.String("fen", fen), zap.Duration("budget", budget))
	return nil
}

// abortRequest rolls back a request the worker never received.
func (c *Controller) abortRequest(err error) error {
	c.pending = false
	c.state = AwaitingUserMove
	c.view.SetControlsEnabled(true)
	c.pushBoard()
	c.setStatus(c.texts.Text(msgcat.KeyEngineError, map[string]any{"Reason": err.Error()}))
	return fmt.Errorf("post to worker: %w", err)
}

// OnEngineReply applies a move from the worker.
func (c *Controller) OnEngineReply(move string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropStale("move", move) {
		return nil
	}
	if c.state != AwaitingEngineMove {
		c.logger.Warn("unexpected engine move", zap.String("move", move), zap.Stringer("state", c.state))
		return nil
	}
	c.pending = false

	mv, err := c.game.MoveSloppy(move)
	if err != nil {
		c.logger.Warn("engine move rejected", zap.String("move", move), zap.String("fen", c.game.FEN()), zap.Error(err))
		c.engineFailed(fmt.Sprintf("illegal move %q", move))
		return fmt.Errorf("engine move %q: %w", move, err)
	}
	c.logMove("engine", mv)
	c.post(protocol.SetPos(c.game.FEN()))

	if c.finishIfOver() {
		return nil
	}
	c.state = AwaitingUserMove
	if c.auto {
		return c.requestEngineMove(c.view.MoveTime())
	}
	c.pushBoard()
	c.view.SetControlsEnabled(true)
	c.setStatus(c.texts.Text(msgcat.KeyYourTurn, nil))
	return nil
}

// OnEngineError handles a failed or timed-out request. The position stays
// as it was and the human gets the controls back.
func (c *Controller) OnEngineError(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropStale("error", reason) {
		return
	}
	if c.state != AwaitingEngineMove {
		return
	}
	c.pending = false
	c.logger.Warn("engine error", zap.String("reason", reason))
	c.engineFailed(reason)
}

func (c *Controller) engineFailed(reason string) {
	c.state = AwaitingUserMove
	c.pushBoard()
	c.view.SetControlsEnabled(true)
	c.setStatus(c.texts.Text(msgcat.KeyEngineError, map[string]any{"Reason": reason}))
}

// ResetGame starts over with the human on the chosen side. When the engine
// has the first move it is asked for it straight away.
func (c *Controller) ResetGame(playerIsBlack bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setStatus(c.texts.Text(msgcat.KeyResetting, nil))
	if c.pending {
		c.stale++
		c.pending = false
	}
	c.generation++
	c.game = c.startGame()
	c.player = rules.White
	if playerIsBlack {
		c.player = rules.Black
	}
	c.state = AwaitingUserMove

	perr := c.post(protocol.SetPos(c.game.FEN()))
	c.pushBoard()
	c.view.SetControlsEnabled(true)
	c.setStatus(c.texts.Text(msgcat.KeyLetsPlay, nil))
	c.logger.Info("game reset", zap.Stringer("player", c.player), zap.Uint64("generation", c.generation))
	if perr != nil {
		return fmt.Errorf("post to worker: %w", perr)
	}

	if c.finishIfOver() {
		return nil
	}
	if c.auto || c.game.Turn() != c.player {
		return c.requestEngineMove(c.view.MoveTime())
	}
	return nil
}

// HandleWorkerMessage dispatches one worker reply.
func (c *Controller) HandleWorkerMessage(msg protocol.Message) error {
	switch msg.Name {
	case protocol.NameMove:
		move, err := msg.Text()
		if err != nil {
			c.OnEngineError(err.Error())
			return err
		}
		return c.OnEngineReply(move)
	case protocol.NameError:
		reason, err := msg.Text()
		if err != nil {
			reason = "unknown engine error"
		}
		c.OnEngineError(reason)
		return nil
	default:
		c.logger.Debug("controller ignores message", zap.String("name", msg.Name))
		return nil
	}
}

// Run feeds worker replies into the controller until ctx ends or replies
// is closed.
func (c *Controller) Run(ctx context.Context, replies <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-replies:
			if !ok {
				return
			}
			if err := c.HandleWorkerMessage(msg); err != nil {
				c.logger.Debug("worker message handling failed", zap.Error(err))
			}
		}
	}
}

// Snapshot is a copy of the game state for diagnostics and HTTP views.
type Snapshot struct {
	State      State
	FEN        string
	Turn       rules.Color
	Player     rules.Color
	LastMove   *rules.Move
	Pending    bool
	Generation uint64
	Outcome    rules.Outcome
	Status     string
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.lastMove()
	return Snapshot{
		State:      c.state,
		FEN:        c.game.FEN(),
		Turn:       c.game.Turn(),
		Player:     c.player,
		LastMove:   last,
		Pending:    c.pending,
		Generation: c.generation,
		Outcome:    c.game.Outcome(),
		Status:     c.lastStatus,
	}
}

func (c *Controller) dropStale(kind, arg string) bool {
	if c.stale == 0 {
		return false
	}
	c.stale--
	c.logger.Debug("dropping reply from before reset", zap.String("kind", kind), zap.String("argument", arg))
	return true
}

func (c *Controller) finishIfOver() bool {
	outcome := c.game.Outcome()
	if outcome == rules.Ongoing {
		return false
	}
	c.state = GameOver
	c.pushBoard()
	// Controls stay on so the human can start a new game.
	c.view.SetControlsEnabled(true)
	c.setStatus(c.texts.Text(msgcat.KeyGameOver, map[string]any{
		"Result": resultText(outcome),
		"Method": methodText(c.game.Method()),
	}))
	c.logger.Info("game over",
		zap.Stringer("outcome", outcome),
		zap.String("method", c.game.Method()),
		zap.Int("plies", c.game.MoveCount()),
	)
	return true
}

func (c *Controller) pushBoard() {
	fen := c.game.FEN()
	placement := fen
	if i := strings.IndexByte(fen, ' '); i >= 0 {
		placement = fen[:i]
	}
	last := c.lastMove()
	var openingText string
	if code, name := c.game.Opening(); code != "" {
		openingText = c.texts.Text(msgcat.KeyOpening, map[string]any{"Code": code, "Name": name})
	}
	turn := c.game.Turn()
	c.view.SetBoard(BoardState{
		FEN:         fen,
		Placement:   placement,
		Turn:        turn,
		Movable:     !c.auto && c.state == AwaitingUserMove && turn == c.player,
		Player:      c.player,
		Dests:       c.game.Dests(),
		LastMove:    last,
		Orientation: c.player,
		Opening:     openingText,
	})
}

func (c *Controller) lastMove() *rules.Move {
	mv, ok := c.game.LastMove()
	if !ok {
		return nil
	}
	return &mv
}

func (c *Controller) setStatus(text string) {
	c.lastStatus = text
	c.view.SetStatus(text)
}

func (c *Controller) post(msg protocol.Message) error {
	if err := c.poster.Post(msg); err != nil {
		c.logger.Warn("post to worker failed", zap.String("name", msg.Name), zap.Error(err))
		return err
	}
	return nil
}

func (c *Controller) clamp(d time.Duration) time.Duration {
	if d <= 0 {
		d = c.defaultMoveTime
	}
	if c.maxMoveTime > 0 && d > c.maxMoveTime {
		d = c.maxMoveTime
	}
	return d
}

func (c *Controller) logMove(who string, mv rules.Move) {
	code, name := c.game.Opening()
	c.logger.Debug("move applied",
		zap.String("by", who),
		zap.String("move", mv.UCI()),
		zap.String("fen", c.game.FEN()),
		zap.String("eco", code),
		zap.String("opening", name),
	)
}

func resultText(o rules.Outcome) string {
	switch o {
	case rules.WhiteWon:
		return "white wins"
	case rules.BlackWon:
		return "black wins"
	default:
		return "draw"
	}
}

func methodText(method string) string {
	if method == "" {
		return "agreement"
	}
	return method
}
