package main

import (
	"encoding/json"
	"fmt"

	"github.com/book-expert/stream-worker/internal/health"
	"github.com/spf13/cobra"
)

const defaultStatusURL = "http://127.0.0.1:8080"

func newStatusCommand() *cobra.Command {
	var (
		addr    string
		asJSON  bool
		noColor bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := health.Fetch(cmd.Context(), addr)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")

				return encoder.Encode(status)
			}

			styled := !noColor && shouldColorize(out)
			_, err = fmt.Fprint(out, renderStatus(status, styled))

			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultStatusURL, "Base URL of the worker's status server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colors and table borders")

	return cmd
}
