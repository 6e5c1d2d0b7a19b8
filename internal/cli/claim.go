package cli

import (
	"errors"
	"fmt"

	"github.com/me/re3/internal/matrix"
	"github.com/me/re3/pkg/model"
	"github.com/spf13/cobra"
)

func newClaimCmd(a *app) *cobra.Command {
	var force bool
	var where string

	cmd := &cobra.Command{
		Use:   "claim [slice-id]",
		Short: "Claim a slice without running it",
		Long: `Claim takes ownership of the named slice. Without an id it claims a random
pending slice: one matching --where when given, otherwise in phase priority
order.`,
		Example: `  re3 claim C04_b3a_lowercase_all_gsm8k
  re3 claim --where 'benchmark == "niah" && transformed'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && where != "" {
				return errors.New("give either a slice id or --where, not both")
			}
			if force && len(args) == 0 {
				return errors.New("--force requires a slice id")
			}
			ctx := cmd.Context()
			ws, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.coord.Refresh(ctx); err != nil {
				return err
			}

			var s *model.Slice
			switch {
			case len(args) == 1:
				s, err = ws.coord.Claim(ctx, args[0], force)
			case where != "":
				var ids []string
				ids, err = matchingIDs(ws.matrix, where)
				if err == nil {
					s, err = ws.coord.ClaimWithin(ctx, ids)
				}
			default:
				s, err = ws.coord.ClaimRandom(ctx, ws.matrix.Priority(a.cfg.Run.Phase))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Claimed %s as %s\n", s.ID, s.ClaimedBy)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Take the slice over even if another worker holds it or it finished")
	cmd.Flags().StringVar(&where, "where", "", "Filter expression over config, pattern, strategy, benchmark, numeric, transformed")
	return cmd
}

// matchingIDs returns the slice ids of the cells of m matching expr.
func matchingIDs(m *matrix.Matrix, expr string) ([]string, error) {
	f, err := matrix.CompileFilter(expr)
	if err != nil {
		return nil, err
	}
	cells, err := f.Select(m.Cells())
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(cells))
	for i, c := range cells {
		ids[i] = c.ID()
	}
	return ids, nil
}
