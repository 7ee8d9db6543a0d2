package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BTreeMap/LeadFlow/internal/graph"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check flow documents (JSON or YAML) and list every problem found",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				if err := validateFile(path); err != nil {
					invalid++
					fmt.Fprintf(out, "%s: INVALID\n", path)
					var verr *graph.ValidationError
					if errors.As(err, &verr) {
						for _, p := range verr.Problems {
							fmt.Fprintf(out, "  [%s] %s\n", p.Code, p)
						}
					} else {
						fmt.Fprintf(out, "  %v\n", err)
					}
					continue
				}
				fmt.Fprintf(out, "%s: OK\n", path)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d flow document(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	g, err := graph.Parse(data)
	if err != nil {
		return err
	}
	return graph.Validate(g)
}
