package cli

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/re3/pkg/model"
	"github.com/spf13/cobra"
)

// remoteProgress mirrors the progress endpoint's payload.
type remoteProgress struct {
	model.Summary
	Heartbeats map[string]model.WorkerInfo `json:"heartbeats"`
}

func newStatusCmd(a *app) *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show matrix progress and worker heartbeats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if serverURL != "" {
				var p remoteProgress
				if _, err := NewClient(serverURL, a.logger).Get(ctx, "/api/v1/progress", nil, &p); err != nil {
					return fmt.Errorf("get progress: %w", err)
				}
				printSummary(out, p.Summary, p.Heartbeats, time.Now())
				return nil
			}

			ws, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()
			if err := ws.coord.Refresh(ctx); err != nil {
				return err
			}
			st := ws.coord.Snapshot()
			printSummary(out, st.Summarize(), st.Workers, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", os.Getenv("RE3_SERVER"), "Read from a running re3 serve instead of the local document (or RE3_SERVER env)")
	return cmd
}

var stateOrder = []model.SliceState{
	model.SliceStatePending,
	model.SliceStateClaimed,
	model.SliceStateRunning,
	model.SliceStateCompleted,
	model.SliceStateFailed,
}

func printSummary(w io.Writer, sum model.Summary, heartbeats map[string]model.WorkerInfo, now time.Time) {
	if sum.Total == 0 {
		fmt.Fprintln(w, "No progress document yet; run `re3 init`.")
		return
	}
	fmt.Fprintf(w, "Progress v%d, updated %s\n", sum.Version, humanize.RelTime(sum.UpdatedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "  Slices:   %s\n", humanize.Comma(int64(sum.Total)))
	for _, s := range stateOrder {
		n := sum.ByState[s]
		fmt.Fprintf(w, "    %-10s %6s  %5.1f%%\n", s, humanize.Comma(int64(n)), 100*float64(n)/float64(sum.Total))
	}
	if sum.TotalTests > 0 {
		fmt.Fprintf(w, "  Tests:    %s (%s correct, %.1f%%)\n",
			humanize.Comma(int64(sum.TotalTests)), humanize.Comma(int64(sum.TotalCorrect)), 100*sum.Accuracy)
	}

	if len(heartbeats) == 0 {
		return
	}
	ids := make([]string, 0, len(heartbeats))
	for id := range heartbeats {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fmt.Fprintf(w, "  Workers:  %d\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "    %-30s last seen %s\n", id, humanize.RelTime(heartbeats[id].LastSeen, now, "ago", "from now"))
	}
}
