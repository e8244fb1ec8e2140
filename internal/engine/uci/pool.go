package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

type PoolConfig struct {
	BinaryPath string
	// Capacity bounds the live sessions per option set.
	Capacity int
	Logger   *zap.Logger
}

// starter launches one engine session; swapped out in tests.
type starter func(ctx context.Context, opt Options) (*Session, error)

// Pool keeps warm engine processes keyed by their option set, so a reset
// game does not pay for a fresh handshake.
type Pool struct {
	start    starter
	capacity int
	logger   *zap.Logger

	mu       sync.Mutex
	closed   bool
	buckets  map[string]*sessionBucket
	sessions map[*Session]*sessionBucket
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("engine binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bin := cfg.BinaryPath
	return newPool(func(ctx context.Context, opt Options) (*Session, error) {
		return NewSession(ctx, bin, opt, logger)
	}, cfg.Capacity, logger), nil
}

func newPool(start starter, capacity int, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = defaultCapacity()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		start:    start,
		capacity: capacity,
		logger:   logger,
		buckets:  make(map[string]*sessionBucket),
		sessions: make(map[*Session]*sessionBucket),
	}
}

var ErrPoolClosed = errors.New("uci pool closed")

func (p *Pool) Acquire(ctx context.Context, opt Options) (*Session, error) {
	bucket, err := p.getBucket(opt)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case session := <-bucket.idle:
			if p.revive(ctx, session, bucket) {
				return session, nil
			}
			continue
		default:
		}

		session, err := bucket.create(ctx, p.start)
		if err == nil {
			p.track(session, bucket)
			return session, nil
		}
		if !errors.Is(err, errBucketAtCapacity) {
			return nil, err
		}

		select {
		case session := <-bucket.idle:
			if p.revive(ctx, session, bucket) {
				return session, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) revive(ctx context.Context, session *Session, bucket *sessionBucket) bool {
	if session == nil {
		return false
	}
	if err := session.EnsureReady(ctx); err != nil {
		p.logger.Debug("uci idle session dropped", zap.Error(err))
		bucket.discard(session)
		return false
	}
	p.track(session, bucket)
	return true
}

// Release returns session to its bucket. A non-nil err means the session
// is in an unknown state and is closed instead.
func (p *Pool) Release(session *Session, err error) {
	if session == nil {
		return
	}

	p.mu.Lock()
	bucket, ok := p.sessions[session]
	if ok {
		delete(p.sessions, session)
	}
	closed := p.closed
	p.mu.Unlock()

	if !ok {
		_ = session.Close()
		return
	}
	if err != nil || closed || !bucket.put(session) {
		bucket.discard(session)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	buckets := make([]*sessionBucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	var errs []error
	for _, bucket := range buckets {
		errs = append(errs, bucket.drain()...)
	}
	return errors.Join(errs...)
}

func (p *Pool) track(session *Session, bucket *sessionBucket) {
	p.mu.Lock()
	p.sessions[session] = bucket
	p.mu.Unlock()
}

func (p *Pool) getBucket(opt Options) (*sessionBucket, error) {
	key := optionsKey(opt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	bucket, ok := p.buckets[key]
	if !ok {
		bucket = newSessionBucket(opt, p.capacity)
		p.buckets[key] = bucket
	}
	return bucket, nil
}

type sessionBucket struct {
	opt      Options
	capacity int

	mu    sync.Mutex
	total int
	idle  chan *Session
}

var errBucketAtCapacity = errors.New("session bucket at capacity")

func newSessionBucket(opt Options, capacity int) *sessionBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &sessionBucket{
		opt:      opt,
		capacity: capacity,
		idle:     make(chan *Session, capacity),
	}
}

func (b *sessionBucket) create(ctx context.Context, start starter) (*Session, error) {
	b.mu.Lock()
	if b.total >= b.capacity {
		b.mu.Unlock()
		return nil, errBucketAtCapacity
	}
	b.total++
	b.mu.Unlock()

	session, err := start(ctx, b.opt)
	if err != nil {
		b.decrement()
		return nil, err
	}
	return session, nil
}

func (b *sessionBucket) put(session *Session) bool {
	select {
	case b.idle <- session:
		return true
	default:
		return false
	}
}

func (b *sessionBucket) discard(session *Session) {
	if session != nil {
		_ = session.Close()
	}
	b.decrement()
}

func (b *sessionBucket) drain() []error {
	var errs []error
	for {
		select {
		case session := <-b.idle:
			if session == nil {
				continue
			}
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
			b.decrement()
		default:
			return errs
		}
	}
}

func (b *sessionBucket) live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *sessionBucket) decrement() {
	b.mu.Lock()
	if b.total > 0 {
		b.total--
	}
	b.mu.Unlock()
}

func optionsKey(opt Options) string {
	return fmt.Sprintf("thr=%d|skill=%d|hash=%d|elo=%d|mpv=%d",
		opt.Threads,
		opt.SkillLevel,
		opt.HashMB,
		opt.Elo,
		opt.MultiPV)
}

func defaultCapacity() int {
	cpu := runtime.NumCPU()
	if cpu < 2 {
		return 1
	}
	if cpu > 4 {
		return 4
	}
	return cpu
}
