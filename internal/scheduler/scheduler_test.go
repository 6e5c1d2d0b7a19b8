package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/me/re3/internal/inference"
	"github.com/me/re3/internal/logging"
)

// fakeOp completes when its done channel closes.
type fakeOp struct {
	done     chan struct{}
	resp     inference.Response
	released atomic.Int32
	backend  *fakeBackend
}

func (o *fakeOp) Done() <-chan struct{} { return o.done }

func (o *fakeOp) Response() inference.Response {
	select {
	case <-o.done:
		return o.resp
	default:
		return inference.Response{Err: inference.ErrPending}
	}
}

func (o *fakeOp) Release() error {
	if o.released.Add(1) == 1 {
		o.backend.inFlight.Add(-1)
	}
	return nil
}

// fakeBackend completes "hang" prompts never, rejects "reject" prompts at
// dispatch, fails "fail" prompts, and answers everything else after delay.
type fakeBackend struct {
	delay func(prompt string) time.Duration

	mu          sync.Mutex
	ops         map[string]*fakeOp
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeBackend(delay time.Duration) *fakeBackend {
	return &fakeBackend{
		delay: func(string) time.Duration { return delay },
		ops:   make(map[string]*fakeOp),
	}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Dispatch(_ context.Context, req inference.Request) (inference.Operation, error) {
	if strings.HasPrefix(req.Prompt, "reject") {
		return nil, errors.New("gateway unavailable")
	}
	op := &fakeOp{done: make(chan struct{}), backend: b}
	n := b.inFlight.Add(1)
	for {
		m := b.maxInFlight.Load()
		if n <= m || b.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	b.mu.Lock()
	b.ops[req.Prompt] = op
	b.mu.Unlock()

	switch {
	case strings.HasPrefix(req.Prompt, "hang"):
	case strings.HasPrefix(req.Prompt, "fail"):
		op.resp = inference.Response{Err: errors.New("model error")}
		close(op.done)
	default:
		op.resp = inference.Response{Text: "ok:" + req.Prompt}
		time.AfterFunc(b.delay(req.Prompt), func() { close(op.done) })
	}
	return op, nil
}

func (b *fakeBackend) op(prompt string) *fakeOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops[prompt]
}

func newTestScheduler(b inference.Backend, maxInFlight int, timeout time.Duration) *RequestScheduler[int] {
	return New[int](b, Config{MaxInFlight: maxInFlight, Timeout: timeout, PollInterval: 10 * time.Millisecond}, logging.Discard())
}

func TestScheduler_AllResultsDelivered(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newFakeBackend(5 * time.Millisecond)
	s := newTestScheduler(b, 3, time.Minute)
	ctx := context.Background()

	ids := make(map[int64]bool)
	for i := range 20 {
		id, err := s.Submit(ctx, Job[int]{Prompt: fmt.Sprintf("unit-%d", i), Context: i})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids[id] = true
	}
	results := s.Drain(ctx)
	if len(results) != 20 {
		t.Fatalf("len(results) = %d, want 20", len(results))
	}
	seen := make(map[int64]bool)
	for _, r := range results {
		if seen[r.ID] {
			t.Errorf("duplicate result for id %d", r.ID)
		}
		seen[r.ID] = true
		if !ids[r.ID] {
			t.Errorf("unknown result id %d", r.ID)
		}
		if r.Err != nil || r.Text != fmt.Sprintf("ok:unit-%d", r.Context) {
			t.Errorf("result %d = %+v", r.ID, r)
		}
	}
	if hw := s.HighWater(); hw > 3 {
		t.Errorf("HighWater = %d, want <= 3", hw)
	}
	if m := b.maxInFlight.Load(); m > 3 {
		t.Errorf("backend saw %d concurrent operations, want <= 3", m)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d after Drain", s.Pending())
	}
}

func TestScheduler_ResultsMatchSubmissions(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		maxInFlight := rapid.IntRange(1, 4).Draw(rt, "max")
		delays := rapid.SliceOfN(rapid.IntRange(0, 3), n, n).Draw(rt, "delays_ms")

		b := newFakeBackend(0)
		b.delay = func(p string) time.Duration {
			var i int
			fmt.Sscanf(p, "unit-%d", &i)
			return time.Duration(delays[i]) * time.Millisecond
		}
		s := newTestScheduler(b, maxInFlight, time.Minute)
		ctx := context.Background()

		for i := range n {
			if _, err := s.Submit(ctx, Job[int]{Prompt: fmt.Sprintf("unit-%d", i), Context: i}); err != nil {
				rt.Fatalf("Submit: %v", err)
			}
		}
		results := s.Drain(ctx)
		if len(results) != n {
			rt.Fatalf("got %d results for %d submissions", len(results), n)
		}
		seen := make(map[int64]bool)
		for _, r := range results {
			if seen[r.ID] {
				rt.Fatalf("duplicate id %d", r.ID)
			}
			seen[r.ID] = true
		}
		if s.HighWater() > maxInFlight {
			rt.Fatalf("HighWater %d exceeds max %d", s.HighWater(), maxInFlight)
		}
	})
}

// Two in flight, four units, the third hangs: the hung unit times out and
// the others complete normally.
func TestScheduler_TimeoutWithBackpressure(t *testing.T) {
	b := newFakeBackend(10 * time.Millisecond)
	s := newTestScheduler(b, 2, 150*time.Millisecond)
	ctx := context.Background()

	prompts := []string{"unit-0", "unit-1", "hang-2", "unit-3"}
	for i, p := range prompts {
		if _, err := s.Submit(ctx, Job[int]{Prompt: p, Context: i}); err != nil {
			t.Fatalf("Submit(%s): %v", p, err)
		}
	}
	results := s.Drain(ctx)
	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}

	var timeouts int
	for _, r := range results {
		if r.Context == 2 {
			if !errors.Is(r.Err, ErrTimeout) {
				t.Errorf("hung unit err = %v, want ErrTimeout", r.Err)
			}
			if r.Latency < 150*time.Millisecond {
				t.Errorf("hung unit latency = %v, want >= timeout", r.Latency)
			}
			timeouts++
			continue
		}
		if r.Err != nil {
			t.Errorf("unit %d err = %v", r.Context, r.Err)
		}
	}
	if timeouts != 1 {
		t.Errorf("timeouts = %d, want exactly 1", timeouts)
	}
	if hw := s.HighWater(); hw > 2 {
		t.Errorf("HighWater = %d, want <= 2", hw)
	}
	for _, p := range prompts {
		if got := b.op(p).released.Load(); got != 1 {
			t.Errorf("%s released %d times, want 1", p, got)
		}
	}
	// the late completion of a timed-out operation is discarded
	close(b.op("hang-2").done)
	time.Sleep(20 * time.Millisecond)
	if r, ok := s.GetResult(ctx, false); ok {
		t.Errorf("unexpected extra result %+v", r)
	}
}

func TestScheduler_SubmissionFailure(t *testing.T) {
	b := newFakeBackend(time.Millisecond)
	s := newTestScheduler(b, 1, time.Minute)
	ctx := context.Background()

	if _, err := s.Submit(ctx, Job[int]{Prompt: "reject-0", Context: 7}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// slot was returned: this must not block
	if _, err := s.Submit(ctx, Job[int]{Prompt: "fail-1", Context: 8}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	results := s.Drain(ctx)
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	first := results[0]
	if first.Context != 7 || !errors.Is(first.Err, ErrSubmission) || first.Latency != 0 {
		t.Errorf("rejected result = %+v, want zero-latency submission failure", first)
	}
	if !strings.Contains(first.Err.Error(), "gateway unavailable") {
		t.Errorf("submission failure should carry the cause: %v", first.Err)
	}
	if results[1].Err == nil || results[1].Err.Error() != "model error" {
		t.Errorf("downstream error not propagated verbatim: %v", results[1].Err)
	}
}

func TestScheduler_SubmitBlocksWhileFull(t *testing.T) {
	b := newFakeBackend(time.Millisecond)
	s := newTestScheduler(b, 1, time.Minute)
	ctx := context.Background()

	if _, err := s.Submit(ctx, Job[int]{Prompt: "hang-0"}); err != nil {
		t.Fatal(err)
	}
	submitted := make(chan struct{})
	go func() {
		s.Submit(ctx, Job[int]{Prompt: "unit-1"})
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("Submit returned while scheduler was full")
	case <-time.After(50 * time.Millisecond):
	}

	close(b.op("hang-0").done)
	select {
	case <-submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("Submit did not unblock after a slot freed")
	}
	if got := len(s.Drain(ctx)); got != 2 {
		t.Errorf("Drain = %d results, want 2", got)
	}
}

func TestScheduler_SubmitHonoursContext(t *testing.T) {
	b := newFakeBackend(time.Millisecond)
	s := newTestScheduler(b, 1, time.Minute)
	defer s.Close()

	if _, err := s.Submit(context.Background(), Job[int]{Prompt: "hang-0"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Submit(ctx, Job[int]{Prompt: "unit-1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit err = %v, want DeadlineExceeded", err)
	}
}

func TestScheduler_GetResultNonBlocking(t *testing.T) {
	s := newTestScheduler(newFakeBackend(0), 2, time.Minute)
	if _, ok := s.GetResult(context.Background(), false); ok {
		t.Error("GetResult on empty scheduler returned a result")
	}
	if _, ok := s.GetResult(context.Background(), true); ok {
		t.Error("blocking GetResult with nothing pending should return immediately")
	}
}

func TestScheduler_PollExpiresByClock(t *testing.T) {
	b := newFakeBackend(0)
	s := newTestScheduler(b, 2, time.Hour)
	base := time.Now()
	var mu sync.Mutex
	now := base
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	if _, err := s.Submit(context.Background(), Job[int]{Prompt: "hang-0", Context: 1}); err != nil {
		t.Fatal(err)
	}
	if n := s.Poll(); n != 0 {
		t.Errorf("Poll before deadline resolved %d", n)
	}

	mu.Lock()
	now = base.Add(time.Hour + time.Second)
	mu.Unlock()
	if n := s.Poll(); n != 1 {
		t.Fatalf("Poll after deadline resolved %d, want 1", n)
	}
	r, ok := s.GetResult(context.Background(), false)
	if !ok || !errors.Is(r.Err, ErrTimeout) {
		t.Fatalf("GetResult = %+v, %v", r, ok)
	}
	if r.Latency != time.Hour+time.Second {
		t.Errorf("Latency = %v", r.Latency)
	}
	if b.op("hang-0").released.Load() != 1 {
		t.Error("expired operation not released")
	}
	// a second sweep must not resolve it again
	if n := s.Poll(); n != 0 {
		t.Errorf("second Poll resolved %d", n)
	}
}

func TestScheduler_Close(t *testing.T) {
	b := newFakeBackend(0)
	s := newTestScheduler(b, 2, time.Hour)
	s.Submit(context.Background(), Job[int]{Prompt: "hang-0"})
	s.Submit(context.Background(), Job[int]{Prompt: "hang-1"})

	s.Close()
	if s.Pending() != 0 {
		t.Errorf("Pending = %d after Close", s.Pending())
	}
	results := s.Drain(context.Background())
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if !errors.Is(r.Err, ErrAbandoned) {
			t.Errorf("err = %v, want ErrAbandoned", r.Err)
		}
	}
	if b.inFlight.Load() != 0 {
		t.Errorf("backend still has %d unreleased operations", b.inFlight.Load())
	}
}
