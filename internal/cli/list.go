package cli

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/me/re3/internal/progress"
	"github.com/me/re3/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var serverURL, state string
	opts := model.DefaultListOptions()

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List slices, optionally filtered by state or expression",
		Example: `  re3 list --state failed
  re3 list --where 'strategy == "b3a_lowercase_all" && numeric'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if state != "" {
				s, ok := model.ParseSliceState(state)
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				opts.State = s
			}

			var page []*model.Slice
			var total int
			if serverURL != "" {
				q := url.Values{}
				q.Set("limit", strconv.Itoa(opts.Limit))
				q.Set("offset", strconv.Itoa(opts.Offset))
				if opts.State != "" {
					q.Set("state", string(opts.State))
				}
				if opts.Where != "" {
					q.Set("where", opts.Where)
				}
				env, err := NewClient(serverURL, a.logger).Get(ctx, "/api/v1/slices", q, &page)
				if err != nil {
					return fmt.Errorf("list slices: %w", err)
				}
				if env.Pagination != nil {
					total = env.Pagination.Total
				}
			} else {
				ws, err := a.open(ctx)
				if err != nil {
					return err
				}
				defer ws.Close()
				if err := ws.coord.Refresh(ctx); err != nil {
					return err
				}
				page, total, err = progress.Query(ws.coord.Snapshot(), ws.matrix, opts)
				if err != nil {
					return err
				}
			}

			printSlices(cmd.OutOrStdout(), page, total)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&serverURL, "server", os.Getenv("RE3_SERVER"), "Read from a running re3 serve (or RE3_SERVER env)")
	f.StringVar(&state, "state", "", "Only slices in this state (pending, claimed, running, completed, failed)")
	f.StringVar(&opts.Where, "where", "", "Filter expression over config, pattern, strategy, benchmark, numeric, transformed")
	f.IntVar(&opts.Limit, "limit", opts.Limit, "Maximum slices shown")
	f.IntVar(&opts.Offset, "offset", 0, "Skip this many matching slices")
	return cmd
}

func printSlices(w io.Writer, page []*model.Slice, total int) {
	if len(page) == 0 {
		fmt.Fprintln(w, "No slices found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-10s  %-24s  %s\n", "ID", "STATE", "OWNER", "ACCURACY")
	fmt.Fprintf(w, "%-36s  %-10s  %-24s  %s\n", "--", "-----", "-----", "--------")
	for _, s := range page {
		acc := "-"
		if s.Stats != nil {
			acc = fmt.Sprintf("%.1f%% (%d/%d)", 100*s.Stats.Accuracy, s.Stats.Correct, s.Stats.Total)
		}
		owner := s.ClaimedBy
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%-36s  %-10s  %-24s  %s\n", s.ID, s.State, owner, acc)
	}
	if len(page) < total {
		fmt.Fprintf(w, "\n(%d of %d shown)\n", len(page), total)
	}
}
