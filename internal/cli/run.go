package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/me/re3/internal/config"
	"github.com/me/re3/internal/inference"
	"github.com/me/re3/internal/runner"
	"github.com/me/re3/pkg/model"
	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var continuous, force bool
	var sliceID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and run one slice, or keep going with --continuous",
		Long: `Run claims a random pending slice (phase priority first), runs every unit
of it against the inference backend, stores the records and marks the slice
completed. With --slice the named slice is claimed instead; --force takes it
over from another worker. With --continuous slices are run until none are
pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if continuous && sliceID != "" {
				return errors.New("--continuous and --slice are mutually exclusive")
			}
			if force && sliceID == "" {
				return errors.New("--force requires --slice")
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			ws, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			backend, _, err := inference.Open(ctx, a.inferenceOptions(), a.logger)
			if err != nil {
				return err
			}
			r, err := a.runner(ws, backend, out)
			if err != nil {
				return err
			}

			switch {
			case continuous:
				n, err := r.RunContinuous(ctx)
				fmt.Fprintf(out, "Completed %d slice(s).\n", n)
				return err
			case sliceID != "":
				if err := ws.coord.Refresh(ctx); err != nil {
					return err
				}
				if _, err := ws.coord.Claim(ctx, sliceID, force); err != nil {
					return err
				}
				report, err := r.RunSlice(ctx, sliceID)
				if err != nil {
					return err
				}
				printReport(out, report)
				return nil
			default:
				report, err := r.RunNext(ctx)
				if errors.Is(err, model.ErrNoPendingSlices) {
					fmt.Fprintln(out, "No pending slices.")
					return nil
				}
				if err != nil {
					return err
				}
				printReport(out, report)
				return nil
			}
		},
	}

	f := cmd.Flags()
	f.BoolVar(&continuous, "continuous", false, "Run slices until none are pending")
	f.StringVar(&sliceID, "slice", "", "Run this slice instead of a random one")
	f.BoolVar(&force, "force", false, "With --slice, take the slice over even if another worker holds it")
	a.intFlag(f, "items", "Items per benchmark", func(c *config.WorkerConfig) *int { return &c.Run.ItemsPerBenchmark })
	a.intFlag(f, "max-in-flight", "Maximum concurrent inference requests", func(c *config.WorkerConfig) *int { return &c.Scheduler.MaxInFlight })
	a.durationFlag(f, "timeout", "Per-request timeout", func(c *config.WorkerConfig) *time.Duration { return &c.Scheduler.Timeout })
	a.durationFlag(f, "pause", "Pause between slices with --continuous", func(c *config.WorkerConfig) *time.Duration { return &c.Run.PauseBetweenSlices })
	a.addInferenceFlags(cmd)
	return cmd
}

func printReport(w io.Writer, r *runner.SliceReport) {
	fmt.Fprintf(w, "Slice %s completed: %d/%d correct (%.1f%%), %d errors, mean %dms, in %s\n",
		r.SliceID, r.Stats.Correct, r.Stats.Total, 100*r.Stats.Accuracy, r.Stats.Errors,
		r.Stats.MeanLatencyMS, runner.FormatDuration(r.Elapsed))
	if r.ResultsRef != "" {
		fmt.Fprintf(w, "Results: %s\n", r.ResultsRef)
	}
}

func (a *app) addInferenceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	a.stringFlag(f, "backend", "Inference backend (auto, direct, gateway)", func(c *config.WorkerConfig) *string { return &c.Inference.Backend })
	a.stringFlag(f, "base-url", "OpenAI-compatible endpoint base URL", func(c *config.WorkerConfig) *string { return &c.Inference.BaseURL })
	a.stringFlag(f, "model", "Model name (default: the model the endpoint reports)", func(c *config.WorkerConfig) *string { return &c.Inference.Model })
	a.stringFlag(f, "gateway-script", "Gateway script run through the shell", func(c *config.WorkerConfig) *string { return &c.Inference.GatewayScript })
	a.intFlag(f, "retries", "Extra attempts for a failed direct request", func(c *config.WorkerConfig) *int { return &c.Inference.Retries })
}
