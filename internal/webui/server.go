// Package webui serves the browser front end. Every WebSocket connection
// plays its own game against its own engine worker.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/controller"
	"github.com/park285/pigeonplay/internal/engine"
	"github.com/park285/pigeonplay/internal/msgcat"
	"github.com/park285/pigeonplay/internal/render"
	"github.com/park285/pigeonplay/internal/rules"
)

const (
	htmlCSP = "default-src 'self'; script-src 'self'; style-src 'self'; img-src 'self' data:; connect-src 'self'; frame-ancestors 'none'; base-uri 'none'; form-action 'self'"
	apiCSP  = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
)

//go:embed static
var staticFiles embed.FS

type Options struct {
	Factory  engine.Factory
	Texts    *msgcat.Catalog
	Renderer *render.Renderer

	DefaultMoveTime time.Duration
	MaxMoveTime     time.Duration
	// Grace is handed to each worker's reply deadline.
	Grace time.Duration

	Logger *zap.Logger
}

// Server wires HTTP and WebSocket traffic to per-connection games.
type Server struct {
	factory  engine.Factory
	texts    *msgcat.Catalog
	renderer *render.Renderer
	tmpl     *template.Template
	logger   *zap.Logger

	defaultMoveTime time.Duration
	maxMoveTime     time.Duration
	grace           time.Duration

	// root ends every live game on Close.
	root       context.Context
	rootCancel context.CancelFunc

	gamesMu sync.RWMutex
	games   map[string]*controller.Controller
	wg      sync.WaitGroup

	srvMu   sync.Mutex
	srv     *http.Server
	closing bool
}

func NewServer(opt Options) (*Server, error) {
	if opt.Factory == nil {
		return nil, errors.New("webui: engine factory is required")
	}
	tmpl, err := template.ParseFS(staticFiles, "static/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	texts := opt.Texts
	if texts == nil {
		texts = msgcat.Default()
	}
	renderer := opt.Renderer
	if renderer == nil {
		renderer = render.New(render.Options{})
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	def := opt.DefaultMoveTime
	if def <= 0 {
		def = 3 * time.Second
	}

	root, cancel := context.WithCancel(context.Background())
	return &Server{
		factory:         opt.Factory,
		texts:           texts,
		renderer:        renderer,
		tmpl:            tmpl,
		logger:          logger,
		defaultMoveTime: def,
		maxMoveTime:     opt.MaxMoveTime,
		grace:           opt.Grace,
		root:            root,
		rootCancel:      cancel,
		games:           make(map[string]*controller.Controller),
	}, nil
}

// Listen serves on addr until Close. A closed server is not an error.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	s.srvMu.Lock()
	if s.closing {
		s.srvMu.Unlock()
		return ln.Close()
	}
	s.srv = srv
	s.srvMu.Unlock()
	defer func() {
		s.srvMu.Lock()
		s.srv = nil
		s.srvMu.Unlock()
	}()

	s.logger.Info("HTTP listening", zap.String("addr", ln.Addr().String()))
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting requests, ends live games and waits for their
// workers to stop or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.srvMu.Lock()
	s.closing = true
	srv := s.srv
	s.srvMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.gamesMu.Lock()
	s.rootCancel()
	s.gamesMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /board.png", s.handleBoardPNG)
	mux.HandleFunc("GET /api/games/{id}", s.handleGame)

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(fmt.Sprintf("webui: static assets: %v", err))
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(assets)))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	applyHTMLSecurityHeaders(w.Header())
	data := map[string]any{
		"MoveTimeSec":    int(s.defaultMoveTime / time.Second),
		"MaxMoveTimeSec": int(s.maxMoveTime / time.Second),
		"Status":         s.texts.Text(msgcat.KeyLetsPlay, nil),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index", data); err != nil {
		s.logger.Error("template exec", zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

// handleBoardPNG draws ?fen= (start position by default), optionally from
// black's side and with ?last=e2e4 highlighted.
func (s *Server) handleBoardPNG(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fen := strings.TrimSpace(q.Get("fen"))
	if fen == "" {
		fen = rules.StartFEN
	}
	frame := render.Frame{FEN: fen}
	if strings.EqualFold(q.Get("orientation"), "black") {
		frame.Orientation = rules.Black
	}
	if last := q.Get("last"); last != "" {
		mv, ok := rules.ParseUCI(strings.ToLower(last))
		if !ok {
			http.Error(w, "bad last move", http.StatusBadRequest)
			return
		}
		frame.LastMove = &mv
	}

	raw, err := s.renderer.RenderPNG(r.Context(), frame)
	if err != nil {
		if errors.Is(err, rules.ErrBadFEN) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Warn("board render failed", zap.String("fen", fen), zap.Error(err))
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(raw)
}

type gameView struct {
	ID         string  `json:"id"`
	State      string  `json:"state"`
	FEN        string  `json:"fen"`
	Turn       string  `json:"turn"`
	Player     string  `json:"player"`
	LastMove   *string `json:"lastMove"`
	Pending    bool    `json:"pending"`
	Generation uint64  `json:"generation"`
	Outcome    string  `json:"outcome"`
	Status     string  `json:"status"`
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	applyAPISecurityHeaders(w.Header())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	id := r.PathValue("id")
	s.gamesMu.RLock()
	ctrl, ok := s.games[id]
	s.gamesMu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no such game")
		return
	}

	snap := ctrl.Snapshot()
	out := gameView{
		ID:         id,
		State:      snap.State.String(),
		FEN:        snap.FEN,
		Turn:       snap.Turn.String(),
		Player:     snap.Player.String(),
		Pending:    snap.Pending,
		Generation: snap.Generation,
		Outcome:    snap.Outcome.String(),
		Status:     snap.Status,
	}
	if snap.LastMove != nil {
		uci := snap.LastMove.UCI()
		out.LastMove = &uci
	}
	writeJSON(w, out)
}

// admit reserves a slot for a new connection unless the server is closing.
func (s *Server) admit() bool {
	s.gamesMu.Lock()
	defer s.gamesMu.Unlock()
	if s.root.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) addGame(id string, ctrl *controller.Controller) {
	s.gamesMu.Lock()
	s.games[id] = ctrl
	s.gamesMu.Unlock()
}

func (s *Server) removeGame(id string) {
	s.gamesMu.Lock()
	delete(s.games, id)
	s.gamesMu.Unlock()
}

// Games reports how many connections are playing.
func (s *Server) Games() int {
	s.gamesMu.RLock()
	defer s.gamesMu.RUnlock()
	return len(s.games)
}

func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg})
}

func applyHTMLSecurityHeaders(h http.Header) {
	h.Set("Content-Security-Policy", htmlCSP)
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Embedder-Policy", "require-corp")
}

func applyAPISecurityHeaders(h http.Header) {
	h.Set("Content-Security-Policy", apiCSP)
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Embedder-Policy", "require-corp")
}
