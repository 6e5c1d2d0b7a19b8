// Package scheduler bounds how many inference requests are in flight at
// once and hands completed results back in completion order.
//
// A RequestScheduler is driven by one coordinating goroutine: Submit blocks
// while the scheduler is full, GetResult blocks until something completes.
// Completion is observed by one watcher goroutine per request; expiry by a
// timer. Both paths meet in finish, which resolves each request exactly once
// and releases the operation's artifacts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"

	"github.com/me/re3/internal/inference"
	"github.com/me/re3/internal/logging"
)

// Config bounds a RequestScheduler.
type Config struct {
	MaxInFlight  int           // maximum concurrently dispatched requests
	Timeout      time.Duration // per-request deadline measured from submission
	PollInterval time.Duration // safety sweep interval while waiting
	Temperature  float32
	SystemPrompt string
}

// DefaultConfig returns the defaults for a single local endpoint.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:  4,
		Timeout:      300 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

var (
	// ErrSubmission marks results whose request could not be dispatched.
	ErrSubmission = errors.New("failed to submit request")
	// ErrTimeout marks results whose request exceeded Config.Timeout.
	ErrTimeout = errors.New("timeout")
	// ErrAbandoned marks results of requests still pending at Close.
	ErrAbandoned = errors.New("request abandoned")
)

// Job is one prompt plus the caller's context, returned untouched with the
// result.
type Job[C any] struct {
	Prompt       string
	SystemPrompt string // overrides Config.SystemPrompt when set
	Context      C
}

// Result is the outcome of one Job.
type Result[C any] struct {
	ID          int64
	Text        string
	Latency     time.Duration
	Err         error
	Context     C
	SubmittedAt time.Time
}

type pendingRequest[C any] struct {
	id        int64
	ctx       C
	op        inference.Operation
	submitted time.Time
	timer     *time.Timer
	abandon   chan struct{}
}

// RequestScheduler multiplexes up to MaxInFlight operations of a Backend.
type RequestScheduler[C any] struct {
	backend inference.Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	sem     *semaphore

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]*pendingRequest[C]
	done      *queue.Queue // of Result[C], completion order
	changed   chan struct{}
	highWater int
}

// New creates a RequestScheduler dispatching to backend.
func New[C any](backend inference.Backend, cfg Config, logger *slog.Logger) *RequestScheduler[C] {
	def := DefaultConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &RequestScheduler[C]{
		backend: backend,
		cfg:     cfg,
		logger:  logging.Component(logger, "scheduler"),
		now:     time.Now,
		sem:     newSemaphore(cfg.MaxInFlight),
		pending: make(map[int64]*pendingRequest[C]),
		done:    queue.New(),
		changed: make(chan struct{}),
	}
}

// Submit dispatches job, blocking while MaxInFlight requests are pending.
// It returns the request id; dispatch failures are reported as results, so
// the only error is ctx's.
func (s *RequestScheduler[C]) Submit(ctx context.Context, job Job[C]) (int64, error) {
	if !s.sem.acquire(ctx) {
		return 0, ctx.Err()
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	sys := job.SystemPrompt
	if sys == "" {
		sys = s.cfg.SystemPrompt
	}
	submitted := s.now()
	op, err := s.backend.Dispatch(ctx, inference.Request{
		Prompt:       job.Prompt,
		SystemPrompt: sys,
		Temperature:  s.cfg.Temperature,
		Timeout:      s.cfg.Timeout,
	})
	if err != nil {
		s.sem.release()
		s.logger.Warn("dispatch failed", "request_id", id, "backend", s.backend.Name(), "error", err)
		s.mu.Lock()
		s.done.Enqueue(Result[C]{
			ID:          id,
			Err:         fmt.Errorf("%w: %v", ErrSubmission, err),
			Context:     job.Context,
			SubmittedAt: submitted,
		})
		s.broadcastLocked()
		s.mu.Unlock()
		return id, nil
	}

	p := &pendingRequest[C]{
		id:        id,
		ctx:       job.Context,
		op:        op,
		submitted: submitted,
		abandon:   make(chan struct{}),
	}
	s.mu.Lock()
	s.pending[id] = p
	s.highWater = max(s.highWater, len(s.pending))
	p.timer = time.AfterFunc(s.cfg.Timeout, func() { s.finish(id, ErrTimeout) })
	s.mu.Unlock()

	go s.watch(p)
	s.logger.Debug("dispatched", "request_id", id, "pending", s.Pending())
	return id, nil
}

func (s *RequestScheduler[C]) watch(p *pendingRequest[C]) {
	select {
	case <-p.op.Done():
		s.finish(p.id, nil)
	case <-p.abandon:
	}
}

// finish resolves request id once: cause nil means the operation completed,
// otherwise it is the synthetic error recorded for it. Reports whether this
// call resolved the request.
func (s *RequestScheduler[C]) finish(id int64, cause error) bool {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, id)
	p.timer.Stop()
	close(p.abandon)

	res := Result[C]{
		ID:          id,
		Context:     p.ctx,
		SubmittedAt: p.submitted,
		Latency:     s.now().Sub(p.submitted),
	}
	switch {
	case cause == nil:
		r := p.op.Response()
		res.Text, res.Err = r.Text, r.Err
	case errors.Is(cause, ErrTimeout):
		res.Err = fmt.Errorf("%w after %.1fs", ErrTimeout, s.cfg.Timeout.Seconds())
	default:
		res.Err = cause
	}
	s.done.Enqueue(res)
	s.broadcastLocked()
	s.mu.Unlock()

	if err := p.op.Release(); err != nil {
		s.logger.Warn("release operation", "request_id", id, "error", err)
	}
	s.sem.release()
	if cause != nil {
		s.logger.Debug("request expired", "request_id", id, "reason", res.Err)
	}
	return true
}

// broadcastLocked wakes every waiter. Callers hold s.mu.
func (s *RequestScheduler[C]) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Poll sweeps pending requests once: completed operations are resolved and
// requests older than Timeout are expired. It returns the number resolved.
func (s *RequestScheduler[C]) Poll() int {
	now := s.now()
	var completed, expired []int64
	s.mu.Lock()
	for id, p := range s.pending {
		select {
		case <-p.op.Done():
			completed = append(completed, id)
			continue
		default:
		}
		if now.Sub(p.submitted) >= s.cfg.Timeout {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(completed, func(i, j int) bool { return completed[i] < completed[j] })
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	n := 0
	for _, id := range completed {
		if s.finish(id, nil) {
			n++
		}
	}
	for _, id := range expired {
		if s.finish(id, ErrTimeout) {
			n++
		}
	}
	return n
}

// GetResult returns the next result in completion order. Without block it
// returns immediately; with block it waits until a result is available,
// nothing is pending, or ctx ends. The bool reports whether a result was
// returned.
func (s *RequestScheduler[C]) GetResult(ctx context.Context, block bool) (Result[C], bool) {
	var zero Result[C]
	for {
		s.mu.Lock()
		if s.done.Len() > 0 {
			r := s.done.Dequeue().(Result[C])
			s.mu.Unlock()
			return r, true
		}
		if !block || len(s.pending) == 0 {
			s.mu.Unlock()
			return zero, false
		}
		changed := s.changed
		s.mu.Unlock()

		t := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-changed:
		case <-t.C:
			s.Poll()
		case <-ctx.Done():
			t.Stop()
			return zero, false
		}
		t.Stop()
	}
}

// Drain waits for every pending request and returns all remaining results.
func (s *RequestScheduler[C]) Drain(ctx context.Context) []Result[C] {
	var out []Result[C]
	for {
		r, ok := s.GetResult(ctx, true)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// Close resolves every pending request with ErrAbandoned and releases its
// operation. Results already queued stay available.
func (s *RequestScheduler[C]) Close() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.finish(id, ErrAbandoned)
	}
}

// Pending returns the number of dispatched, unresolved requests.
func (s *RequestScheduler[C]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HighWater returns the maximum number of requests ever pending at once.
func (s *RequestScheduler[C]) HighWater() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater
}

// Capacity returns MaxInFlight.
func (s *RequestScheduler[C]) Capacity() int { return s.sem.capacity() }
