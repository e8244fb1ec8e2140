// Package remote asks an HTTP engine service for moves.
//
// The service answers GET /bestmove?fen=...&movetime=... either with the
// engine's raw UCI output, where the first line starting with "bestmove"
// carries the move, or with a JSON object {"bestmove":"e2e4"}.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/pigeonplay/internal/engine"
)

type Client struct {
	baseURL string
	http    *fasthttp.Client
	logger  *zap.Logger

	threads  int
	grace    time.Duration
	retryMax int

	fen string
}

var _ engine.Engine = (*Client)(nil)

type Option func(*Client)

// WithGrace adds slack on top of the search budget for the HTTP deadline.
func WithGrace(d time.Duration) Option {
	return func(c *Client) { c.grace = d }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithThreads(n int) Option {
	return func(c *Client) { c.threads = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &fasthttp.Client{ReadTimeout: 30 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		logger:   zap.NewNop(),
		grace:    2 * time.Second,
		retryMax: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Factory hands every worker its own client so positions are not shared.
func Factory(baseURL string, opts ...Option) engine.Factory {
	return func(context.Context) (engine.Engine, error) {
		if strings.TrimSpace(baseURL) == "" {
			return nil, errors.New("remote engine url required")
		}
		return NewClient(baseURL, opts...), nil
	}
}

func (c *Client) SetPosition(_ context.Context, fen string) error {
	c.fen = fen
	return nil
}

func (c *Client) ComputeMove(ctx context.Context, budget time.Duration) (string, error) {
	if c.fen == "" {
		return "", engine.ErrNoPosition
	}
	if budget <= 0 {
		budget = time.Second
	}

	q := url.Values{}
	q.Set("fen", c.fen)
	q.Set("movetime", strconv.FormatInt(budget.Milliseconds(), 10))
	if c.threads > 0 {
		q.Set("threads", strconv.Itoa(c.threads))
	}

	body, err := c.get(ctx, "/bestmove?"+q.Encode(), budget+c.grace)
	if err != nil {
		return "", err
	}
	move, ok := parseBestMove(body)
	if !ok {
		return "", fmt.Errorf("%w: %s", engine.ErrNoMove, truncate(string(body), 128))
	}
	return move, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := c.http.DoDeadline(req, resp, computeDeadline(ctx, timeout))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				return append([]byte(nil), resp.Body()...), nil
			}
			lastErr = fmt.Errorf("engine service error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			if !shouldRetryStatus(status) {
				return nil, lastErr
			}
		}
		if attempt == attempts {
			break
		}
		c.logger.Warn("remote engine retry",
			zap.Int("attempt", attempt),
			zap.Int("max", attempts),
			zap.Error(lastErr),
		)
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return nil, lastErr
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return nil, lastErr
}

type bestMoveJSON struct {
	BestMove string `json:"bestmove"`
	Move     string `json:"move"`
}

func parseBestMove(body []byte) (string, bool) {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var out bestMoveJSON
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return "", false
		}
		move := out.BestMove
		if move == "" {
			move = out.Move
		}
		// Some services echo the whole UCI line.
		return usableMove(strings.TrimPrefix(strings.TrimSpace(move), "bestmove "))
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "bestmove" {
			return usableMove(fields[1])
		}
	}
	return "", false
}

func usableMove(move string) (string, bool) {
	if fields := strings.Fields(move); len(fields) > 0 {
		move = fields[0]
	}
	switch move {
	case "", "(none)", "0000":
		return "", false
	}
	return move, true
}

func computeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	clientDL := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return code == 429
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
