package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/me/re3/internal/inference"
	"github.com/spf13/cobra"
)

func newProbeCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check which inference backends are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := inference.Probe(cmd.Context(), a.inferenceOptions())
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
				return err
			}

			fmt.Fprintf(out, "Direct:   %s\n", res.Direct.Message)
			if len(res.Direct.Models) > 1 {
				fmt.Fprintf(out, "          models: %s\n", strings.Join(res.Direct.Models, ", "))
			}
			fmt.Fprintf(out, "Gateway:  %s\n", res.GatewayMessage)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Selected: %s\n", res.Selected)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the probe result as JSON")
	a.addInferenceFlags(cmd)
	return cmd
}
