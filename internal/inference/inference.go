// Package inference talks to the model under test. A Backend starts one
// request and hands back an Operation the caller observes for completion;
// the request scheduler decides how many operations may be in flight.
package inference

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Request is one prompt sent to the model.
type Request struct {
	Prompt       string
	SystemPrompt string
	Temperature  float32
	Timeout      time.Duration // upper bound the operation enforces on itself
}

// Response is the outcome of a request. Err is set for transport failures
// and for errors reported by the model service.
type Response struct {
	Text    string
	Latency time.Duration
	Err     error
}

// Sender performs a request synchronously.
type Sender interface {
	Send(ctx context.Context, req Request) Response
}

// Operation is an in-flight request.
type Operation interface {
	// Done is closed once the response is available.
	Done() <-chan struct{}
	// Response returns the outcome; before Done it reports ErrPending.
	Response() Response
	// Release frees scratch artifacts. It is safe to call more than once
	// and before the operation finishes.
	Release() error
}

// Backend dispatches requests without waiting for them.
type Backend interface {
	Name() string
	Dispatch(ctx context.Context, req Request) (Operation, error)
}

// ErrPending is reported by Operation.Response before completion.
var ErrPending = errors.New("operation still pending")

// ErrEmptyResponse is reported when the service returned no text.
var ErrEmptyResponse = errors.New("empty response")

// asyncOp is an Operation completed by a background goroutine.
type asyncOp struct {
	done    chan struct{}
	resp    Response
	release func() error

	once       sync.Once
	releaseErr error
}

func newAsyncOp(release func() error) *asyncOp {
	return &asyncOp{done: make(chan struct{}), release: release}
}

func (o *asyncOp) finish(r Response) {
	o.resp = r
	close(o.done)
}

func (o *asyncOp) Done() <-chan struct{} { return o.done }

func (o *asyncOp) Response() Response {
	select {
	case <-o.done:
		return o.resp
	default:
		return Response{Err: ErrPending}
	}
}

func (o *asyncOp) Release() error {
	o.once.Do(func() {
		if o.release != nil {
			o.releaseErr = o.release()
		}
	})
	return o.releaseErr
}

// operationGrace is added to a request's timeout so the scheduler's own
// expiry always fires first.
const operationGrace = 5 * time.Second

// detach gives an operation its own lifetime: it survives cancellation of
// the dispatching context and ends at the request timeout plus grace.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, timeout+operationGrace)
}
