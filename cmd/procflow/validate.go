package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a process definition",
		Long:  `Parses and builds the definition, reporting every graph defect at once.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileFile(args[0])
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "process %q is valid: %d steps, input events %v\n",
				p.Name(), len(p.StepIDs()), p.InputEvents())
			return nil
		},
	}
}
