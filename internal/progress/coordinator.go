// Package progress coordinates slice ownership between workers through a
// shared, version-stamped progress document.
//
// Ownership is optimistic: every mutation re-reads the latest document,
// applies the change and writes it back with compare-and-swap on Version.
// Publication to the remote (commit, push, or a fork plus pull request) is
// best effort. Two workers can still both believe they own a slice if they
// claim it inside the same synchronisation window; random selection in
// ClaimRandom makes that unlikely, nothing makes it impossible.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/google/uuid"

	"github.com/me/re3/internal/gitsync"
	"github.com/me/re3/internal/logging"
	"github.com/me/re3/pkg/model"
)

// errUnchanged aborts a mutation that turned out to be a no-op.
var errUnchanged = errors.New("unchanged")

// Options configures a Coordinator.
type Options struct {
	WorkerID        string
	ClaimAttempts   int           // compare-and-swap attempts per mutation
	MaxPushAttempts int           // push attempts per publication
	RetryInitial    time.Duration // first conflict backoff
	RetryMax        time.Duration
	Rand            *rand.Rand       // slice selection; time-seeded when nil
	Now             func() time.Time // defaults to time.Now
}

// Coordinator implements the slice claim protocol for one worker.
type Coordinator struct {
	docs   DocumentStore
	syncer gitsync.Syncer
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state *model.ProgressState
	rng   *rand.Rand
}

// NewCoordinator creates a Coordinator. A nil syncer means local-only.
func NewCoordinator(docs DocumentStore, syncer gitsync.Syncer, opts Options, logger *slog.Logger) *Coordinator {
	if syncer == nil {
		syncer = gitsync.Noop{}
	}
	if opts.ClaimAttempts <= 0 {
		opts.ClaimAttempts = 5
	}
	if opts.MaxPushAttempts <= 0 {
		opts.MaxPushAttempts = 3
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 200 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryInitial {
		opts.RetryMax = max(5*time.Second, opts.RetryInitial)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Coordinator{
		docs:   docs,
		syncer: syncer,
		opts:   opts,
		logger: logging.Component(logger, "progress").With("worker_id", opts.WorkerID),
		state:  model.NewProgressState(opts.Now().UTC()),
		rng:    rng,
	}
}

// WorkerID returns the identity claims are made under.
func (c *Coordinator) WorkerID() string { return c.opts.WorkerID }

func (c *Coordinator) now() time.Time { return c.opts.Now().UTC() }

func (c *Coordinator) setState(st *model.ProgressState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// mutate applies fn to the latest document and writes it back, retrying on
// version conflicts. fn may return errUnchanged to skip the write. On
// success the change is published with message msg.
func (c *Coordinator) mutate(ctx context.Context, msg string, fn func(st *model.ProgressState) error) error {
	bo := boff.New(c.opts.RetryInitial, c.opts.RetryMax, time.Now().UnixNano())
	var lastErr error
	for attempt := 1; attempt <= c.opts.ClaimAttempts; attempt++ {
		cur, err := c.docs.Load(ctx)
		var expected int64
		switch {
		case errors.Is(err, ErrNoDocument):
			cur = model.NewProgressState(c.now())
		case err != nil:
			return fmt.Errorf("load progress: %w", err)
		default:
			expected = cur.Version
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			c.setState(cur)
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}
		now := c.now()
		next.Version = expected + 1
		next.UpdatedAt = now
		next.Workers[c.opts.WorkerID] = model.WorkerInfo{LastSeen: now}

		err = c.docs.Save(ctx, next, expected)
		if err == nil {
			c.setState(next)
			c.logger.Debug("progress saved", "version", next.Version, "change", msg)
			c.publish(ctx, msg)
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("save progress: %w", err)
		}
		lastErr = err

		if attempt == c.opts.ClaimAttempts {
			break
		}
		delay := bo.Next()
		c.logger.Warn("progress version conflict; retrying", "attempt", attempt, "sleep", delay, "change", msg)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", msg, c.opts.ClaimAttempts, lastErr)
}

// publish commits and pushes the document. Failures are logged, never
// returned: the worker carries on with its local state.
func (c *Coordinator) publish(ctx context.Context, msg string) {
	if _, err := c.syncer.Commit(ctx, msg); err != nil {
		c.logger.Warn("commit failed", "change", msg, "error", err)
		return
	}
	for attempt := 1; attempt <= c.opts.MaxPushAttempts; attempt++ {
		err := c.syncer.Push(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, gitsync.ErrPermissionDenied) {
			c.logger.Info("no direct push access; proposing change", "change", msg)
			c.propose(ctx, msg)
			return
		}
		c.logger.Warn("push failed", "attempt", attempt, "error", err)
		if attempt < c.opts.MaxPushAttempts {
			if err := c.syncer.Pull(ctx); err != nil {
				c.logger.Warn("pull before push retry failed", "error", err)
			}
		}
	}
	c.logger.Warn("giving up on push; continuing with local state", "attempts", c.opts.MaxPushAttempts, "change", msg)
}

var branchUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ContributionBranch returns a unique branch name for a proposed change.
func ContributionBranch(workerID string) string {
	return fmt.Sprintf("contrib-%s-%s", branchUnsafe.ReplaceAllString(workerID, "-"), uuid.NewString()[:6])
}

func (c *Coordinator) propose(ctx context.Context, msg string) {
	branch := ContributionBranch(c.opts.WorkerID)
	body := fmt.Sprintf("Automated contribution from %s\n\nRun results from re3 distributed testing.", c.opts.WorkerID)
	url, err := c.syncer.ForkAndPropose(ctx, branch, msg, body)
	if err != nil {
		c.logger.Warn("change proposal failed", "branch", branch, "error", err)
		return
	}
	c.logger.Info("change proposed", "url", url, "branch", branch)
}

// Init loads the document, creating it if absent, and adds every slice in
// slices that it does not know yet as PENDING. Existing slices are never
// touched or removed. It returns the number of slices added.
func (c *Coordinator) Init(ctx context.Context, slices []*model.Slice) (int, error) {
	var added int
	err := c.mutate(ctx, "Initialize progress", func(st *model.ProgressState) error {
		added = 0
		for _, s := range slices {
			if _, ok := st.Slices[s.ID]; ok {
				continue
			}
			cp := *s
			cp.State = model.SliceStatePending
			st.Slices[s.ID] = &cp
			added++
		}
		if added == 0 && st.Version > 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		c.logger.Info("progress initialized", "added", added, "total", len(c.Snapshot().Slices))
	}
	return added, nil
}

// Refresh pulls the remote and reloads the document. Nothing is pushed; the
// syncer commits uncommitted local changes before pulling. Sync failures are
// logged and the local copy is used.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if err := c.syncer.Pull(ctx); err != nil {
		c.logger.Warn("pull failed; using local progress", "error", err)
	}
	st, err := c.docs.Load(ctx)
	if errors.Is(err, ErrNoDocument) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	c.setState(st)
	return nil
}

func lookup(st *model.ProgressState, id string) (*model.Slice, error) {
	s, ok := st.Slices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSliceNotFound, id)
	}
	return s, nil
}

func (c *Coordinator) claimLocked(s *model.Slice, force bool) error {
	switch {
	case !force && s.State.IsOwned() && s.ClaimedBy == c.opts.WorkerID:
		return errUnchanged
	case force:
		if s.State != model.SliceStatePending {
			c.logger.Warn("forcing claim", "slice_id", s.ID, "state", s.State, "previous_owner", s.ClaimedBy)
		}
	case s.State.IsOwned():
		return fmt.Errorf("%w: %s is %s by %s", model.ErrClaimConflict, s.ID, s.State, s.ClaimedBy)
	case s.State != model.SliceStatePending:
		return fmt.Errorf("%w: %s is %s", model.ErrClaimConflict, s.ID, s.State)
	}
	now := c.now()
	s.State = model.SliceStateClaimed
	s.ClaimedBy = c.opts.WorkerID
	s.ClaimedAt = &now
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Stats = nil
	s.ResultsRef = ""
	s.Error = ""
	return nil
}

// Claim takes ownership of slice id. Without force it fails with
// model.ErrClaimConflict when another worker holds the slice or it has
// finished. Re-claiming a slice the caller already holds succeeds without
// writing anything; with force it is reset to CLAIMED so it can be run again.
func (c *Coordinator) Claim(ctx context.Context, id string, force bool) (*model.Slice, error) {
	var claimed model.Slice
	err := c.mutate(ctx, "Claim "+id, func(st *model.ProgressState) error {
		s, err := lookup(st, id)
		if err != nil {
			return err
		}
		err = c.claimLocked(s, force)
		claimed = *s
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("slice claimed", "slice_id", id, "force", force)
	return &claimed, nil
}

// Candidates returns the PENDING slices of st that ClaimRandom chooses
// from: those in priority (in order, without duplicates) or, if none of
// those is pending, every pending slice ordered by id.
func Candidates(st *model.ProgressState, priority []string) []string {
	var out []string
	seen := make(map[string]bool, len(priority))
	for _, id := range priority {
		if seen[id] {
			continue
		}
		seen[id] = true
		if s, ok := st.Slices[id]; ok && s.State == model.SliceStatePending {
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, s := range st.SortedSlices() {
		if s.State == model.SliceStatePending {
			out = append(out, s.ID)
		}
	}
	return out
}

// ClaimRandom claims a slice chosen uniformly at random from Candidates. The
// choice is remade against fresh state on every retry. It returns
// model.ErrNoPendingSlices when there is nothing left.
func (c *Coordinator) ClaimRandom(ctx context.Context, priority []string) (*model.Slice, error) {
	return c.claimAmong(ctx, func(st *model.ProgressState) []string {
		return Candidates(st, priority)
	})
}

// ClaimWithin is ClaimRandom restricted to ids, with no fallback to other
// pending slices.
func (c *Coordinator) ClaimWithin(ctx context.Context, ids []string) (*model.Slice, error) {
	return c.claimAmong(ctx, func(st *model.ProgressState) []string {
		var out []string
		for _, id := range ids {
			if s, ok := st.Slices[id]; ok && s.State == model.SliceStatePending {
				out = append(out, id)
			}
		}
		return out
	})
}

func (c *Coordinator) claimAmong(ctx context.Context, candidates func(st *model.ProgressState) []string) (*model.Slice, error) {
	var claimed model.Slice
	err := c.mutate(ctx, "Claim random slice", func(st *model.ProgressState) error {
		ids := candidates(st)
		if len(ids) == 0 {
			return model.ErrNoPendingSlices
		}
		c.mu.Lock()
		id := ids[c.rng.IntN(len(ids))]
		c.mu.Unlock()

		s := st.Slices[id]
		if err := c.claimLocked(s, false); err != nil {
			return err
		}
		claimed = *s
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("slice claimed", "slice_id", claimed.ID, "random", true)
	return &claimed, nil
}

// advance moves an owned slice to next after checking ownership and the
// transition.
func (c *Coordinator) advance(ctx context.Context, msg, id string, next model.SliceState, apply func(s *model.Slice, now time.Time)) error {
	return c.mutate(ctx, msg, func(st *model.ProgressState) error {
		s, err := lookup(st, id)
		if err != nil {
			return err
		}
		if s.ClaimedBy != c.opts.WorkerID {
			return fmt.Errorf("%w: %s is held by %q", model.ErrNotOwner, id, s.ClaimedBy)
		}
		if !s.State.CanTransitionTo(next) {
			return &model.InvalidTransitionError{Entity: "slice", ID: id, From: string(s.State), To: string(next)}
		}
		s.State = next
		apply(s, c.now())
		return nil
	})
}

// Start marks a claimed slice as running.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	return c.advance(ctx, "Start "+id, id, model.SliceStateRunning, func(s *model.Slice, now time.Time) {
		s.StartedAt = &now
	})
}

// Complete records the outcome of a running slice.
func (c *Coordinator) Complete(ctx context.Context, id string, stats model.SliceStats, resultsRef string) error {
	msg := fmt.Sprintf("Complete %s: %.1f%%", id, stats.Accuracy*100)
	return c.advance(ctx, msg, id, model.SliceStateCompleted, func(s *model.Slice, now time.Time) {
		s.CompletedAt = &now
		s.Stats = &stats
		s.ResultsRef = resultsRef
		s.Error = ""
	})
}

// Fail marks a running slice as failed with reason.
func (c *Coordinator) Fail(ctx context.Context, id, reason string) error {
	return c.advance(ctx, "Failed "+id+": "+reason, id, model.SliceStateFailed, func(s *model.Slice, now time.Time) {
		s.CompletedAt = &now
		s.Error = reason
	})
}

// Slice returns a copy of the local view of slice id.
func (c *Coordinator) Slice(id string) (*model.Slice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state.Slices[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Snapshot returns a deep copy of the local document.
func (c *Coordinator) Snapshot() *model.ProgressState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Summary aggregates the local document.
func (c *Coordinator) Summary() model.Summary {
	return c.Snapshot().Summarize()
}
