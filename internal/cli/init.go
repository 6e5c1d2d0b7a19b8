package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the progress document or add new matrix slices to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.coord.Refresh(ctx); err != nil {
				return err
			}
			added, err := ws.coord.Init(ctx, ws.matrix.Slices())
			if err != nil {
				return fmt.Errorf("init progress: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %d slice(s); %d in matrix.\n", added, len(ws.matrix.SliceIDs()))
			return nil
		},
	}
}
