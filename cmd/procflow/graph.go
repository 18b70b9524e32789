package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/procflow/process"
)

func newGraphCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "graph FILE",
		Short: "Export the process graph as a Mermaid flowchart",
		Long:  `Prints a Mermaid flowchart of the compiled graph. With --run-id, steps are styled by their persisted status.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := compileFile(args[0])
			if err != nil {
				return err
			}
			var overlay *process.ProcessState
			if runID != "" {
				e, err := newEnv(cmd.Context(), cmd)
				if err != nil {
					return err
				}
				defer e.Close()
				st, err := e.engine.LoadState(cmd.Context(), p, runID)
				if err != nil {
					return err
				}
				overlay = &st
			}
			fmt.Fprint(cmd.OutOrStdout(), p.Mermaid(overlay))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Style steps by the persisted state of this run")
	return cmd
}
