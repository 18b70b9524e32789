package main

import (
	"github.com/spf13/cobra"
)

func newStateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "state RUN_ID",
		Short: "Print the persisted state of a run",
		Long: `Reads the step blobs of a run from the configured store. With --file the blobs
are reported per step of the compiled definition, nested for sub-processes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if file == "" {
				blobs, err := e.store.LoadRun(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), blobs)
			}

			p, err := compileFile(file)
			if err != nil {
				return err
			}
			st, err := e.engine.LoadState(ctx, p, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Process definition the run was started from")
	return cmd
}
