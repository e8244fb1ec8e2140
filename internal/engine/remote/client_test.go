package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/pigeonplay/internal/engine"
)

const afterE4 = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"

func TestComputeMoveParsesBestMove(t *testing.T) {
	var gotFEN, gotMoveTime string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bestmove" {
			http.NotFound(w, r)
			return
		}
		gotFEN = r.URL.Query().Get("fen")
		gotMoveTime = r.URL.Query().Get("movetime")
		w.Write([]byte("info depth 10 score cp 20 pv e7e5\nbestmove e7e5 ponder g1f3\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	defer c.Close()
	ctx := context.Background()
	if err := c.SetPosition(ctx, afterE4); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	move, err := c.ComputeMove(ctx, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("ComputeMove: %v", err)
	}
	if move != "e7e5" {
		t.Fatalf("unexpected move %q", move)
	}
	if gotFEN != afterE4 || gotMoveTime != "1500" {
		t.Fatalf("unexpected query fen=%q movetime=%q", gotFEN, gotMoveTime)
	}
}

func TestComputeMoveRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("bestmove d7d5\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	_ = c.SetPosition(context.Background(), afterE4)
	move, err := c.ComputeMove(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ComputeMove: %v", err)
	}
	if move != "d7d5" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("move=%q calls=%d", move, calls)
	}
}

func TestComputeMoveDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad fen", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	_ = c.SetPosition(context.Background(), "x")
	if _, err := c.ComputeMove(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestComputeMoveWithoutBestMove(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bestmove (none)\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_ = c.SetPosition(context.Background(), afterE4)
	if _, err := c.ComputeMove(context.Background(), 100*time.Millisecond); !errors.Is(err, engine.ErrNoMove) {
		t.Fatalf("expected ErrNoMove, got %v", err)
	}
}

func TestComputeMoveWithoutPosition(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if _, err := c.ComputeMove(context.Background(), time.Second); !errors.Is(err, engine.ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestFactoryRequiresURL(t *testing.T) {
	if _, err := Factory(" ")(context.Background()); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestBackoffDuration(t *testing.T) {
	if backoffDuration(1) != 100*time.Millisecond || backoffDuration(3) != 400*time.Millisecond {
		t.Fatalf("unexpected backoff")
	}
	if backoffDuration(10) != backoffDuration(6) {
		t.Fatalf("backoff should cap at attempt 6")
	}
}

func TestComputeMoveParsesJSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bestmove":"c7c5","ponder":"g1f3"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_ = c.SetPosition(context.Background(), afterE4)
	move, err := c.ComputeMove(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ComputeMove: %v", err)
	}
	if move != "c7c5" {
		t.Fatalf("unexpected move %q", move)
	}
}

func TestParseBestMove(t *testing.T) {
	cases := []struct {
		body string
		want string
		ok   bool
	}{
		{"bestmove e7e5 ponder g1f3\n", "e7e5", true},
		{`{"bestmove":"e7e5"}`, "e7e5", true},
		{`{"move":"g8f6"}`, "g8f6", true},
		{`{"bestmove":"bestmove d7d5 ponder c2c4"}`, "d7d5", true},
		{`{"bestmove":"(none)"}`, "", false},
		{`{"error":"busy"}`, "", false},
		{`{broken`, "", false},
		{"info depth 1\n", "", false},
	}
	for _, tc := range cases {
		got, ok := parseBestMove([]byte(tc.body))
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseBestMove(%q) = %q, %v; want %q, %v", tc.body, got, ok, tc.want, tc.ok)
		}
	}
}
