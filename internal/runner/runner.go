// Package runner executes matrix slices: it keeps the request scheduler
// full, scores and records every result, guards against systemic failure,
// and drives each slice through its lifecycle in the progress document.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/me/re3/internal/bench"
	"github.com/me/re3/internal/inference"
	"github.com/me/re3/internal/logging"
	"github.com/me/re3/internal/matrix"
	"github.com/me/re3/internal/progress"
	"github.com/me/re3/internal/scheduler"
	"github.com/me/re3/internal/store"
	"github.com/me/re3/pkg/model"
)

// Options configures a Runner.
type Options struct {
	WorkerID          string
	ItemsPerBenchmark int
	Phase             string
	RepoDir           string // results references are made relative to this
	DataDir           string // JSONL exports go to DataDir/runs
	Scheduler         scheduler.Config

	// InstantLatency marks failed results faster than this as invalid.
	InstantLatency time.Duration
	// SanityLatency is the mean latency below which an all-error batch is
	// discarded.
	SanityLatency      time.Duration
	PauseBetweenSlices time.Duration

	Out io.Writer // console receipts; io.Discard when nil
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Matrix      *matrix.Matrix
	Coordinator *progress.Coordinator
	Backend     inference.Backend
	Records     store.RecordStore
	Provider    bench.Provider
	Builder     matrix.Builder
	Evaluator   bench.Evaluator
}

// Runner executes slices for one worker.
type Runner struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	hostname string
	now      func() time.Time
}

// New creates a Runner.
func New(deps Deps, opts Options, logger *slog.Logger) (*Runner, error) {
	switch {
	case deps.Matrix == nil:
		return nil, errors.New("runner: matrix is required")
	case deps.Backend == nil:
		return nil, errors.New("runner: backend is required")
	case deps.Records == nil:
		return nil, errors.New("runner: record store is required")
	case deps.Provider == nil:
		return nil, errors.New("runner: item provider is required")
	}
	if deps.Evaluator == nil {
		deps.Evaluator = bench.MatchEvaluator{}
	}
	if deps.Builder.Formatter == nil {
		deps.Builder.Formatter = bench.DefaultFormatter{}
	}
	if opts.ItemsPerBenchmark <= 0 {
		opts.ItemsPerBenchmark = 200
	}
	if opts.InstantLatency <= 0 {
		opts.InstantLatency = 50 * time.Millisecond
	}
	if opts.SanityLatency <= 0 {
		opts.SanityLatency = 100 * time.Millisecond
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	host, _ := os.Hostname()
	return &Runner{
		deps:     deps,
		opts:     opts,
		logger:   logging.Component(logger, "runner"),
		hostname: host,
		now:      time.Now,
	}, nil
}

// BatchResult is the outcome of RunBatch.
type BatchResult struct {
	BatchID   string
	Records   []*model.RunRecord
	Stats     model.SliceStats
	Elapsed   time.Duration
	HighWater int
}

// RunBatch executes units with the scheduler kept full: MaxInFlight units
// are submitted up front and each consumed result makes room for the next.
// Units that could not be built are recorded as errors. When every result
// failed instantly the batch's records are deleted and a *SanityError is
// returned.
func (r *Runner) RunBatch(ctx context.Context, label string, units []matrix.Unit, failures []matrix.UnitFailure) (*BatchResult, error) {
	batchID := uuid.NewString()
	start := r.now()
	total := len(units) + len(failures)
	sched := scheduler.New[matrix.Unit](r.deps.Backend, r.opts.Scheduler, r.logger)
	defer sched.Close()

	rc := newReceipt(r.opts.Out, total, r.now)
	rc.header(label, r.deps.Backend.Name(), sched.Capacity())
	mon := &SanityMonitor{Threshold: r.opts.SanityLatency}
	res := &BatchResult{BatchID: batchID}

	keep := func(rec *model.RunRecord) error {
		if err := r.deps.Records.InsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("store record %s: %w", rec.ID, err)
		}
		res.Records = append(res.Records, rec)
		mon.Observe(time.Duration(rec.LatencyMS)*time.Millisecond, rec.Error != "")
		rc.line(rec)
		return nil
	}

	for _, f := range failures {
		rec := r.newRecord(batchID, f.Cell, f.Index, f.Item)
		rec.Error = r.invalid(0, f.Err)
		if err := keep(rec); err != nil {
			return nil, err
		}
	}

	submit := func(u matrix.Unit) error {
		_, err := sched.Submit(ctx, scheduler.Job[matrix.Unit]{Prompt: u.Prompt, Context: u})
		return err
	}
	next := 0
	for ; next < len(units) && next < sched.Capacity(); next++ {
		if err := submit(units[next]); err != nil {
			return nil, err
		}
	}
	for consumed := 0; consumed < len(units); consumed++ {
		out, ok := sched.GetResult(ctx, true)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("scheduler returned %d of %d results", consumed, len(units))
		}
		if err := keep(r.score(batchID, out)); err != nil {
			return nil, err
		}
		if next < len(units) {
			if err := submit(units[next]); err != nil {
				return nil, err
			}
			next++
		}
	}

	res.Elapsed = r.now().Sub(start)
	res.HighWater = sched.HighWater()
	res.Stats = ComputeStats(res.Records)
	rc.summary(res.Stats)

	if err := mon.Check(batchID); err != nil {
		n, derr := r.deps.Records.DeleteBatch(context.WithoutCancel(ctx), batchID)
		if derr != nil {
			r.logger.Error("discard batch", "batch_id", batchID, "error", derr)
		}
		r.logger.Error("batch invalidated", "batch_id", batchID, "discarded", n, "avg_latency", mon.AvgLatency())
		fmt.Fprintln(r.opts.Out, "  SANITY CHECK FAILED - RUN INVALIDATED: all tests failed instantly; data discarded")
		return nil, err
	}
	return res, nil
}

func (r *Runner) newRecord(batchID string, cell matrix.Cell, index int, item bench.Item) *model.RunRecord {
	return &model.RunRecord{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		SliceID:   cell.ID(),
		ConfigID:  cell.Config.ID,
		Pattern:   cell.Config.Pattern,
		Strategy:  cell.Strategy.Name,
		Benchmark: cell.Benchmark.Name,
		ItemIndex: index,
		ItemID:    item.ID,
		Expected:  item.Answer,
		Backend:   r.deps.Backend.Name(),
		WorkerID:  r.opts.WorkerID,
		Hostname:  r.hostname,
		CreatedAt: r.now().UTC(),
	}
}

// invalid formats the error of a result too fast to be genuine.
func (r *Runner) invalid(latencyMS int64, err error) string {
	cause := "instant failure"
	if err != nil {
		cause = err.Error()
	}
	return fmt.Sprintf("invalid result (latency=%dms): %s", latencyMS, cause)
}

// score turns a scheduler result into a record, tagging instant results as
// invalid and evaluating genuine responses.
func (r *Runner) score(batchID string, out scheduler.Result[matrix.Unit]) *model.RunRecord {
	u := out.Context
	rec := r.newRecord(batchID, u.Cell, u.Index, u.Item)
	rec.PromptA, rec.PromptB, rec.Prompt = u.PromptA, u.PromptB, u.Prompt
	rec.Response = out.Text
	rec.LatencyMS = out.Latency.Milliseconds()

	switch {
	case rec.LatencyMS == 0 || (out.Latency < r.opts.InstantLatency && out.Err != nil):
		rec.Error = r.invalid(rec.LatencyMS, out.Err)
	case out.Err != nil:
		rec.Error = out.Err.Error()
	default:
		ev := r.deps.Evaluator.Evaluate(u.Item, out.Text)
		rec.Expected, rec.Extracted, rec.Method, rec.Correct = ev.Expected, ev.Extracted, ev.Method, ev.Correct
	}
	return rec
}

// SliceReport is the outcome of a completed slice.
type SliceReport struct {
	SliceID    string
	BatchID    string
	Stats      model.SliceStats
	ResultsRef string
	Elapsed    time.Duration
}

// SliceError is a slice run that failed and was recorded as failed.
type SliceError struct {
	SliceID string
	Err     error
}

func (e *SliceError) Error() string { return fmt.Sprintf("slice %s failed: %v", e.SliceID, e.Err) }

func (e *SliceError) Unwrap() error { return e.Err }

// RunSlice runs a slice the worker has claimed: start, load items, build
// units, run the batch, export results and complete. Any failure after the
// start marks the slice failed and is returned as a *SliceError.
func (r *Runner) RunSlice(ctx context.Context, id string) (*SliceReport, error) {
	cell, err := r.deps.Matrix.Cell(id)
	if err != nil {
		return nil, err
	}
	if err := r.deps.Coordinator.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("start %s: %w", id, err)
	}
	r.logger.Info("running slice", "slice_id", id, "config", cell.Config.ID, "pattern", cell.Config.Pattern,
		"strategy", cell.Strategy.Name, "benchmark", cell.Benchmark.Name)

	report, err := r.runCell(ctx, cell)
	if err != nil {
		if ferr := r.deps.Coordinator.Fail(context.WithoutCancel(ctx), id, err.Error()); ferr != nil {
			r.logger.Error("mark slice failed", "slice_id", id, "error", ferr)
		}
		return nil, &SliceError{SliceID: id, Err: err}
	}
	if err := r.deps.Coordinator.Complete(ctx, id, report.Stats, report.ResultsRef); err != nil {
		return nil, fmt.Errorf("complete %s: %w", id, err)
	}
	r.logger.Info("slice completed", "slice_id", id, "accuracy", report.Stats.Accuracy,
		"total", report.Stats.Total, "elapsed", report.Elapsed)
	return report, nil
}

func (r *Runner) runCell(ctx context.Context, cell matrix.Cell) (*SliceReport, error) {
	n := cell.Benchmark.ItemCount(r.opts.ItemsPerBenchmark)
	items, err := r.deps.Provider.Items(ctx, cell.Benchmark.Name, n)
	if err != nil {
		return nil, fmt.Errorf("load %s items: %w", cell.Benchmark.Name, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no items for benchmark %s", cell.Benchmark.Name)
	}
	units, failures := r.deps.Matrix.Units([]matrix.Cell{cell}, map[string][]bench.Item{cell.Benchmark.Name: items}, r.deps.Builder)
	for _, f := range failures {
		r.logger.Warn("unit build failed", "slice_id", cell.ID(), "index", f.Index, "error", f.Err)
	}

	batch, err := r.RunBatch(ctx, cell.ID(), units, failures)
	if err != nil {
		return nil, err
	}
	ref, err := r.export(ctx, cell.ID(), batch.BatchID)
	if err != nil {
		return nil, err
	}
	return &SliceReport{
		SliceID:    cell.ID(),
		BatchID:    batch.BatchID,
		Stats:      batch.Stats,
		ResultsRef: ref,
		Elapsed:    batch.Elapsed,
	}, nil
}

// export writes the batch to DataDir/runs and returns its path relative to
// RepoDir when possible.
func (r *Runner) export(ctx context.Context, sliceID, batchID string) (string, error) {
	dir := filepath.Join(r.opts.DataDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.jsonl", sliceID, batchID[:8]))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	n, err := r.deps.Records.ExportBatch(ctx, batchID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("export %s: %w", path, err)
	}
	r.logger.Debug("results exported", "path", path, "records", n)

	if r.opts.RepoDir != "" {
		if rel, err := filepath.Rel(r.opts.RepoDir, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel), nil
		}
	}
	return filepath.ToSlash(path), nil
}

// RunNext refreshes the progress document, claims a random pending slice in
// phase priority order and runs it. It returns model.ErrNoPendingSlices when
// the matrix is exhausted.
func (r *Runner) RunNext(ctx context.Context) (*SliceReport, error) {
	if err := r.deps.Coordinator.Refresh(ctx); err != nil {
		return nil, err
	}
	s, err := r.deps.Coordinator.ClaimRandom(ctx, r.deps.Matrix.Priority(r.opts.Phase))
	if err != nil {
		return nil, err
	}
	return r.RunSlice(ctx, s.ID)
}

// RunContinuous runs slices until none are pending, pausing between them.
// Failed slices are skipped; a sanity failure, a cancelled context or any
// error outside a slice run stops the loop. It returns the number of slices
// completed.
func (r *Runner) RunContinuous(ctx context.Context) (int, error) {
	var completed int
	for {
		_, err := r.RunNext(ctx)
		var sliceErr *SliceError
		var sanity *SanityError
		switch {
		case err == nil:
			completed++
			r.logger.Info("continuing", "completed", completed)
		case errors.Is(err, model.ErrNoPendingSlices):
			r.logger.Info("no pending slices", "completed", completed)
			return completed, nil
		case errors.As(err, &sanity):
			return completed, err
		case ctx.Err() != nil:
			return completed, ctx.Err()
		case errors.Is(err, model.ErrClaimConflict):
			r.logger.Warn("lost claim race; picking another slice", "error", err)
		case errors.As(err, &sliceErr):
			r.logger.Warn("slice failed; moving on", "slice_id", sliceErr.SliceID, "error", sliceErr.Err)
		default:
			return completed, err
		}

		if r.opts.PauseBetweenSlices > 0 {
			t := time.NewTimer(r.opts.PauseBetweenSlices)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return completed, ctx.Err()
			}
		}
	}
}
