package webui

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/pigeonplay/internal/controller"
	"github.com/park285/pigeonplay/internal/rules"
	"github.com/park285/pigeonplay/internal/worker"
)

const (
	outboxSize   = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4 << 10
)

// Browser to server.
type clientMessage struct {
	Type    string  `json:"type"`
	From    string  `json:"from,omitempty"`
	To      string  `json:"to,omitempty"`
	Black   bool    `json:"black,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// Server to browser.
type helloMessage struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
}

type boardMessage struct {
	Type        string              `json:"type"`
	FEN         string              `json:"fen"`
	Placement   string              `json:"placement"`
	Turn        string              `json:"turn"`
	Movable     bool                `json:"movable"`
	Player      string              `json:"player"`
	Dests       map[string][]string `json:"dests"`
	LastMove    []string            `json:"lastMove"`
	Orientation string              `json:"orientation"`
	Opening     string              `json:"opening,omitempty"`
}

type statusMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type controlsMessage struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type rejectedMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// socketView is the controller's BoardView for one connection. The
// controller calls it while holding its lock, so sends never block. A
// client that falls a whole outbox behind is dropped rather than shown a
// stale board.
type socketView struct {
	out        chan any
	moveTime   atomic.Int64
	overflowed atomic.Bool
	// onOverflow ends the connection; it must not block.
	onOverflow func()
	logger     *zap.Logger
}

func newSocketView(moveTime time.Duration, size int, onOverflow func(), logger *zap.Logger) *socketView {
	v := &socketView{out: make(chan any, size), onOverflow: onOverflow, logger: logger}
	v.moveTime.Store(int64(moveTime))
	return v
}

func (v *socketView) SetBoard(b controller.BoardState) {
	msg := boardMessage{
		Type:        "board",
		FEN:         b.FEN,
		Placement:   b.Placement,
		Turn:        b.Turn.String(),
		Movable:     b.Movable,
		Player:      b.Player.String(),
		Dests:       map[string][]string(b.Dests),
		Orientation: b.Orientation.String(),
		Opening:     b.Opening,
	}
	if msg.Dests == nil {
		msg.Dests = map[string][]string{}
	}
	if b.LastMove != nil {
		msg.LastMove = []string{b.LastMove.From, b.LastMove.To}
	}
	v.send(msg)
}

func (v *socketView) SetStatus(text string) {
	v.send(statusMessage{Type: "status", Text: text})
}

func (v *socketView) SetControlsEnabled(enabled bool) {
	v.send(controlsMessage{Type: "controls", Enabled: enabled})
}

func (v *socketView) MoveTime() time.Duration {
	return time.Duration(v.moveTime.Load())
}

func (v *socketView) setMoveTime(seconds float64) {
	v.moveTime.Store(int64(seconds * float64(time.Second)))
}

func (v *socketView) send(msg any) {
	if v.overflowed.Load() {
		return
	}
	select {
	case v.out <- msg:
	default:
		if v.overflowed.CompareAndSwap(false, true) {
			v.logger.Warn("websocket outbox full, closing connection")
			v.onOverflow()
		}
	}
}

func (v *socketView) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-v.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	// The server-wide deadlines would otherwise cut long games short.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.root, cancel)
	defer stop()

	id := uuid.NewString()
	logger := s.logger.With(zap.String("game_id", id))

	eng, err := s.factory(ctx)
	if err != nil {
		logger.Error("engine start failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}
	wk := worker.Start(ctx, eng, worker.Options{Grace: s.grace, Logger: logger})
	defer func() {
		if err := wk.Close(); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	}()

	view := newSocketView(s.defaultMoveTime, outboxSize, cancel, logger)
	ctrl := controller.New(view, wk, controller.Options{
		Texts:           s.texts,
		MaxMoveTime:     s.maxMoveTime,
		DefaultMoveTime: s.defaultMoveTime,
		Logger:          logger,
	})
	s.addGame(id, ctrl)
	defer s.removeGame(id)

	go func() {
		if err := view.writeLoop(ctx, conn); err != nil && ctx.Err() == nil {
			logger.Debug("websocket write failed", zap.Error(err))
		}
		cancel()
	}()
	go ctrl.Run(ctx, wk.Replies())
	go s.pingLoop(ctx, conn, cancel)

	logger.Info("game connected", zap.String("remote", r.RemoteAddr))
	view.send(helloMessage{Type: "hello", GameID: id})
	if err := ctrl.ResetGame(false); err != nil {
		logger.Warn("initial reset failed", zap.Error(err))
	}

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("websocket read ended", zap.Error(err))
			}
			break
		}
		s.dispatch(ctrl, view, msg, logger)
	}

	logger.Info("game disconnected")
	if view.overflowed.Load() {
		_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) dispatch(ctrl *controller.Controller, view *socketView, msg clientMessage, logger *zap.Logger) {
	var err error
	switch msg.Type {
	case "move":
		err = ctrl.OnUserMove(msg.From, msg.To)
	case "reset":
		err = ctrl.ResetGame(msg.Black)
	case "movetime":
		view.setMoveTime(msg.Seconds)
	case "retry":
		err = ctrl.RequestEngineMove(view.MoveTime())
	default:
		logger.Debug("unknown browser message", zap.String("type", msg.Type))
		return
	}
	if err == nil {
		return
	}
	logger.Debug("browser message rejected", zap.String("type", msg.Type), zap.Error(err))
	switch {
	case errors.Is(err, rules.ErrIllegalMove),
		errors.Is(err, controller.ErrNotYourTurn),
		errors.Is(err, controller.ErrEngineBusy),
		errors.Is(err, controller.ErrGameOver):
		view.send(rejectedMessage{Type: "rejected", Reason: err.Error()})
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			pcancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 3 {
				s.logger.Debug("websocket ping failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}
