package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/me/re3/internal/bench"
	"github.com/me/re3/internal/gitsync"
	"github.com/me/re3/internal/inference"
	"github.com/me/re3/internal/matrix"
	"github.com/me/re3/internal/progress"
	"github.com/me/re3/internal/runner"
	"github.com/me/re3/internal/scheduler"
	"github.com/me/re3/internal/store"
	"github.com/me/re3/internal/transform"
)

// workspace is everything a command needs to read or advance the matrix.
type workspace struct {
	matrix  *matrix.Matrix
	records *store.SQLiteStore
	docs    progress.DocumentStore
	syncer  gitsync.Syncer
	coord   *progress.Coordinator
}

// open loads the matrix, opens the record database and the progress
// document, and builds the coordinator for the configured worker.
func (a *app) open(ctx context.Context) (*workspace, error) {
	cfg := a.cfg

	m := matrix.Default()
	if path := cfg.MatrixPath(); path != "" {
		var err error
		if m, err = matrix.Load(path); err != nil {
			return nil, err
		}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid matrix: %w", err)
	}

	runsDir := filepath.Join(cfg.DataPath(), "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", runsDir, err)
	}
	dbPath := cfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(dbPath, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.logger.Debug("database ready", "path", dbPath)

	ws := &workspace{matrix: m, records: st, syncer: gitsync.Noop{}}
	switch cfg.StateBackend {
	case "sqlite":
		ws.docs = progress.NewSQLiteDocuments(st)
	default:
		ws.docs = progress.NewFileStore(cfg.ProgressPath())
		if cfg.Sync.Enabled {
			ws.syncer = gitsync.NewGit(gitsync.Options{
				Dir:    cfg.RepoDir,
				Remote: cfg.Sync.Remote,
				Paths:  []string{cfg.ProgressFile, filepath.Join(cfg.DataDir, "runs")},
			}, a.logger)
		}
	}

	opts := progress.Options{
		WorkerID:        cfg.WorkerID,
		ClaimAttempts:   cfg.Sync.ClaimAttempts,
		MaxPushAttempts: cfg.Sync.MaxPushAttempts,
		RetryInitial:    cfg.Sync.RetryInitial,
		RetryMax:        cfg.Sync.RetryMax,
	}
	if seed := uint64(cfg.Run.Seed); seed != 0 {
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	ws.coord = progress.NewCoordinator(ws.docs, ws.syncer, opts, a.logger)
	return ws, nil
}

func (ws *workspace) Close() error {
	return ws.records.Close()
}

func (a *app) inferenceOptions() inference.Options {
	c := a.cfg.Inference
	return inference.Options{
		Prefer:        c.Backend,
		BaseURL:       c.BaseURL,
		APIKey:        c.APIKey,
		Model:         c.Model,
		GatewayScript: c.GatewayScript,
		Shell:         c.Shell,
		ProbeTimeout:  c.ProbeTimeout,
		Retries:       c.Retries,
		RetryPause:    c.RetryPause,
		TempDir:       c.TempDir,
	}
}

func (a *app) provider() bench.Provider {
	fallback := bench.PlaceholderProvider{Seed: uint64(a.cfg.Run.Seed)}
	if dir := a.cfg.BenchmarkPath(); dir != "" {
		return bench.FileProvider{Dir: dir, Fallback: fallback}
	}
	return fallback
}

// runner builds a Runner over ws driving backend.
func (a *app) runner(ws *workspace, backend inference.Backend, out io.Writer) (*runner.Runner, error) {
	cfg := a.cfg
	return runner.New(runner.Deps{
		Matrix:      ws.matrix,
		Coordinator: ws.coord,
		Backend:     backend,
		Records:     ws.records,
		Provider:    a.provider(),
		Builder: matrix.Builder{
			Formatter:  bench.DefaultFormatter{},
			Transforms: transform.NewRegistry(),
			Separator:  ws.matrix.Separator,
		},
		Evaluator: bench.MatchEvaluator{},
	}, runner.Options{
		WorkerID:          cfg.WorkerID,
		ItemsPerBenchmark: cfg.Run.ItemsPerBenchmark,
		Phase:             cfg.Run.Phase,
		RepoDir:           cfg.RepoDir,
		DataDir:           cfg.DataPath(),
		Scheduler: scheduler.Config{
			MaxInFlight:  cfg.Scheduler.MaxInFlight,
			Timeout:      cfg.Scheduler.Timeout,
			PollInterval: cfg.Scheduler.PollInterval,
			Temperature:  cfg.Inference.Temperature,
			SystemPrompt: cfg.Inference.SystemPrompt,
		},
		InstantLatency:     cfg.Run.InstantLatency,
		SanityLatency:      cfg.Run.SanityLatency,
		PauseBetweenSlices: cfg.Run.PauseBetweenSlices,
		Out:                out,
	}, a.logger)
}
