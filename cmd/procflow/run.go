package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/procflow/process"
)

type runResult struct {
	State  process.ProcessState     `json:"state"`
	Events []process.PublishedEvent `json:"events"`
	Error  string                   `json:"error,omitempty"`
}

func newRunCmd() *cobra.Command {
	var (
		event   string
		payload string
		runID   string
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a process definition",
		Long: `Starts a run on the given input event and prints the final step state and the
public events as JSON. Reusing --run-id with a persistent store resumes step state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := compileFile(args[0])
			if err != nil {
				return err
			}

			initial := process.Event{ID: event}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &initial.Payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}

			e, err := newEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			var opts []process.RunOption
			if runID != "" {
				opts = append(opts, process.WithRunID(runID))
			}
			h, err := e.engine.Start(ctx, p, initial, opts...)
			if err != nil {
				return err
			}
			runErr := h.Wait(ctx)
			st, err := h.State(ctx)
			if err != nil {
				return err
			}

			res := runResult{State: st, Events: h.Events()}
			if runErr != nil {
				res.Error = runErr.Error()
			}
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("run %s %s: %w", h.RunID(), st.Status, runErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&event, "event", "e", "", "Input event ID (required)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Input event payload as JSON")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run ID; reuse one to resume its persisted state")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
