package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig holds configuration for one re3 worker process.
type WorkerConfig struct {
	WorkerID  string `yaml:"worker_id"`  // defaults to user@host
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json

	RepoDir      string `yaml:"repo_dir"`      // git working tree holding the progress document
	ProgressFile string `yaml:"progress_file"` // relative to RepoDir unless absolute
	DataDir      string `yaml:"data_dir"`      // results exports, relative to RepoDir unless absolute
	DBPath       string `yaml:"db_path"`       // SQLite database for run records
	StateBackend string `yaml:"state_backend"` // "file" (progress.json) or "sqlite"
	MatrixFile   string `yaml:"matrix_file"`   // optional YAML matrix definition
	BenchmarkDir string `yaml:"benchmark_dir"` // optional directory of <benchmark>.jsonl item files

	Sync      SyncConfig      `yaml:"sync"`
	Inference InferenceConfig `yaml:"inference"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Run       RunConfig       `yaml:"run"`
	Server    ServerConfig    `yaml:"server"`
}

// ServerConfig holds configuration for the read-only progress API.
type ServerConfig struct {
	Addr string `yaml:"addr"` // listen address (default ":8090")
}

// SyncConfig controls publication of the progress document.
type SyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Remote          string        `yaml:"remote"`
	ClaimAttempts   int           `yaml:"claim_attempts"`    // compare-and-swap attempts per mutation
	MaxPushAttempts int           `yaml:"max_push_attempts"` // push, pull, push... bound
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
}

// InferenceConfig selects and configures the inference backend.
type InferenceConfig struct {
	Backend       string        `yaml:"backend"` // auto, direct, gateway
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	GatewayScript string        `yaml:"gateway_script"`
	Shell         string        `yaml:"shell"`
	SystemPrompt  string        `yaml:"system_prompt"`
	Temperature   float32       `yaml:"temperature"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	Retries       int           `yaml:"retries"`     // extra attempts per direct request
	RetryPause    time.Duration `yaml:"retry_pause"` // first pause between attempts
	TempDir       string        `yaml:"temp_dir"`    // gateway scratch files, default os.TempDir()
}

// SchedulerConfig bounds the request scheduler.
type SchedulerConfig struct {
	MaxInFlight  int           `yaml:"max_in_flight"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RunConfig controls slice execution.
type RunConfig struct {
	ItemsPerBenchmark  int           `yaml:"items_per_benchmark"`
	Phase              string        `yaml:"phase"`
	Seed               int64         `yaml:"seed"` // 0 picks a time-based seed
	SanityLatency      time.Duration `yaml:"sanity_latency"`
	InstantLatency     time.Duration `yaml:"instant_latency"`
	PauseBetweenSlices time.Duration `yaml:"pause_between_slices"`
}

// DefaultWorkerConfig returns the defaults of a local single-endpoint setup.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:     DefaultWorkerID(),
		LogLevel:     "info",
		LogFormat:    "text",
		RepoDir:      ".",
		ProgressFile: "progress.json",
		DataDir:      "data",
		DBPath:       filepath.Join("data", "re3.db"),
		StateBackend: "file",
		Sync: SyncConfig{
			Enabled:         true,
			Remote:          "origin",
			ClaimAttempts:   5,
			MaxPushAttempts: 3,
			RetryInitial:    200 * time.Millisecond,
			RetryMax:        5 * time.Second,
		},
		Inference: InferenceConfig{
			Backend:      "auto",
			BaseURL:      "http://localhost:1234/v1",
			Model:        "", // use whatever the endpoint reports as loaded
			APIKey:       "lm-studio",
			Shell:        "bash",
			SystemPrompt: "Answer the question. Be concise.",
			Temperature:  0,
			ProbeTimeout: 5 * time.Second,
			Retries:      2,
			RetryPause:   2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxInFlight:  4,
			Timeout:      300 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Run: RunConfig{
			ItemsPerBenchmark:  200,
			Phase:              "1a",
			SanityLatency:      100 * time.Millisecond,
			InstantLatency:     50 * time.Millisecond,
			PauseBetweenSlices: 2 * time.Second,
		},
		Server: ServerConfig{Addr: ":8090"},
	}
}

// DefaultWorkerID returns user@host, falling back to placeholders when either
// lookup fails.
func DefaultWorkerID() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return name + "@" + host
}

// LoadFile overlays the YAML file at path onto cfg. Fields absent from the
// file keep their current values.
func LoadFile(path string, cfg *WorkerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields that would otherwise fail deep inside a run.
func (c WorkerConfig) Validate() error {
	var errs []error
	if c.WorkerID == "" {
		errs = append(errs, errors.New("worker_id must not be empty"))
	}
	switch c.StateBackend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("state_backend %q: want file or sqlite", c.StateBackend))
	}
	switch c.Inference.Backend {
	case "auto", "direct", "gateway":
	default:
		errs = append(errs, fmt.Errorf("inference.backend %q: want auto, direct or gateway", c.Inference.Backend))
	}
	if c.Inference.Retries < 0 {
		errs = append(errs, fmt.Errorf("inference.retries must be >= 0, got %d", c.Inference.Retries))
	}
	if c.Scheduler.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_in_flight must be >= 1, got %d", c.Scheduler.MaxInFlight))
	}
	if c.Scheduler.Timeout <= 0 {
		errs = append(errs, errors.New("scheduler.timeout must be positive"))
	}
	if c.Sync.ClaimAttempts < 1 || c.Sync.MaxPushAttempts < 1 {
		errs = append(errs, errors.New("sync attempts must be >= 1"))
	}
	return errors.Join(errs...)
}

// ProgressPath returns the progress document path resolved against RepoDir.
func (c WorkerConfig) ProgressPath() string {
	return c.resolve(c.ProgressFile)
}

// DataPath returns the data directory resolved against RepoDir.
func (c WorkerConfig) DataPath() string {
	return c.resolve(c.DataDir)
}

// DatabasePath returns DBPath resolved against RepoDir; ":memory:" is kept.
func (c WorkerConfig) DatabasePath() string {
	if c.DBPath == ":memory:" {
		return c.DBPath
	}
	return c.resolve(c.DBPath)
}

// MatrixPath returns MatrixFile resolved against RepoDir, or "" when unset.
func (c WorkerConfig) MatrixPath() string {
	if c.MatrixFile == "" {
		return ""
	}
	return c.resolve(c.MatrixFile)
}

// BenchmarkPath returns BenchmarkDir resolved against RepoDir, or "" when
// unset.
func (c WorkerConfig) BenchmarkPath() string {
	if c.BenchmarkDir == "" {
		return ""
	}
	return c.resolve(c.BenchmarkDir)
}

func (c WorkerConfig) resolve(p string) string {
	if filepath.IsAbs(p) || c.RepoDir == "" {
		return p
	}
	return filepath.Join(c.RepoDir, p)
}
