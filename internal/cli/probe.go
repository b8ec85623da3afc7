package cli

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newProbeCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a trivial prompt to the configured upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r := a.buildRelay(ctx)
			prober, closeCache, err := a.buildProber(ctx, r)
			if err != nil {
				return err
			}
			defer closeCache()

			res := prober.Probe(ctx, true)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return errors.Wrap(err, "encode probe result")
				}
			} else if res.Success {
				titleColor.Printf("ok  %s/%s\n", res.Provider, res.Model)
				dimColor.Printf("reply: %s\n", res.Reply)
			} else {
				errColor.Printf("failed  %s: %s\n", res.Code, res.Error)
			}
			if !res.Success {
				return errors.New("upstream probe failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}
