package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/me/re3/internal/config"
	"github.com/me/re3/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// app carries the resolved configuration shared by every command.
type app struct {
	defaults   config.WorkerConfig
	cfg        config.WorkerConfig
	configFile string
	debug      bool
	logger     *slog.Logger

	// overrides copies a flag's value into a config; applied only for
	// flags set on the command line so they win over the config file.
	overrides map[*pflag.Flag]func(*config.WorkerConfig)
}

func newApp() *app {
	def := config.DefaultWorkerConfig()
	return &app{
		defaults:  def,
		cfg:       def,
		logger:    logging.Discard(),
		overrides: make(map[*pflag.Flag]func(*config.WorkerConfig)),
	}
}

// NewRootCmd creates the root cobra command for the re3 CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "re3",
		Short: "re3 runs a benchmark matrix across cooperating workers",
		Long: `re3 runs the configuration x strategy x benchmark test matrix against a
local inference endpoint. Workers claim slices of the matrix through a shared,
version-stamped progress document synchronised over git.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := root.PersistentFlags()
	fs.StringVar(&a.configFile, "config", os.Getenv("RE3_CONFIG"), "YAML config file (or RE3_CONFIG env)")
	fs.BoolVar(&a.debug, "debug", false, "Enable debug logging")
	a.stringFlag(fs, "log-level", "Log level (debug, info, warn, error)", func(c *config.WorkerConfig) *string { return &c.LogLevel })
	a.stringFlag(fs, "log-format", "Log format (text, json)", func(c *config.WorkerConfig) *string { return &c.LogFormat })
	a.stringFlag(fs, "worker-id", "Identity claims are made under", func(c *config.WorkerConfig) *string { return &c.WorkerID })
	a.stringFlag(fs, "repo", "Repository holding the progress document", func(c *config.WorkerConfig) *string { return &c.RepoDir })
	a.stringFlag(fs, "progress-file", "Progress document, relative to --repo", func(c *config.WorkerConfig) *string { return &c.ProgressFile })
	a.stringFlag(fs, "data-dir", "Directory for exported results, relative to --repo", func(c *config.WorkerConfig) *string { return &c.DataDir })
	a.stringFlag(fs, "db", "SQLite database for run records, relative to --repo", func(c *config.WorkerConfig) *string { return &c.DBPath })
	a.stringFlag(fs, "state-backend", "Progress document backend (file, sqlite)", func(c *config.WorkerConfig) *string { return &c.StateBackend })
	a.stringFlag(fs, "matrix", "YAML matrix definition (default: built-in matrix)", func(c *config.WorkerConfig) *string { return &c.MatrixFile })
	a.stringFlag(fs, "phase", "Priority phase for random claims", func(c *config.WorkerConfig) *string { return &c.Run.Phase })
	a.boolFlag(fs, "sync", "Synchronise the progress document with the git remote", func(c *config.WorkerConfig) *bool { return &c.Sync.Enabled })
	a.stringFlag(fs, "remote", "Git remote to pull from and push to", func(c *config.WorkerConfig) *string { return &c.Sync.Remote })

	root.AddCommand(
		newInitCmd(a),
		newRunCmd(a),
		newClaimCmd(a),
		newStatusCmd(a),
		newListCmd(a),
		newProbeCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup resolves the configuration: defaults, then the config file, then
// explicitly set flags.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.DefaultWorkerConfig()
	if a.configFile != "" {
		if err := config.LoadFile(a.configFile, &cfg); err != nil {
			return err
		}
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if apply, ok := a.overrides[f]; ok {
			apply(&cfg)
		}
	})
	if a.debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg
	a.logger = logging.NewWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
	return nil
}

func (a *app) stringFlag(fs *pflag.FlagSet, name, usage string, field func(*config.WorkerConfig) *string) {
	v := fs.String(name, *field(&a.defaults), usage)
	a.overrides[fs.Lookup(name)] = func(c *config.WorkerConfig) { *field(c) = *v }
}

func (a *app) boolFlag(fs *pflag.FlagSet, name, usage string, field func(*config.WorkerConfig) *bool) {
	v := fs.Bool(name, *field(&a.defaults), usage)
	a.overrides[fs.Lookup(name)] = func(c *config.WorkerConfig) { *field(c) = *v }
}

func (a *app) intFlag(fs *pflag.FlagSet, name, usage string, field func(*config.WorkerConfig) *int) {
	v := fs.Int(name, *field(&a.defaults), usage)
	a.overrides[fs.Lookup(name)] = func(c *config.WorkerConfig) { *field(c) = *v }
}

func (a *app) durationFlag(fs *pflag.FlagSet, name, usage string, field func(*config.WorkerConfig) *time.Duration) {
	v := fs.Duration(name, *field(&a.defaults), usage)
	a.overrides[fs.Lookup(name)] = func(c *config.WorkerConfig) { *field(c) = *v }
}
