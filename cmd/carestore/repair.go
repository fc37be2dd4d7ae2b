package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carebridge/carestore/internal/repair"
)

func newRepairCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Run token-gated maintenance actions",
	}
	cmd.AddCommand(
		newRepairListCmd(),
		newRepairRunCmd(opts),
	)
	return cmd
}

func newRepairListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available repair actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(repair.Actions())
		},
	}
}

// newRepairRunCmd performs both phases in one invocation: issue a token bound
// to the action, then execute with it. The two-phase contract still guards
// programmatic callers; here the operator's confirmation is the command line.
func newRepairRunCmd(opts *rootOptions) *cobra.Command {
	var queueStopped bool
	cmd := &cobra.Command{
		Use:   "run <action>",
		Short: "Execute one repair action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := repair.Action(args[0])
			info, ok := repair.Describe(action)
			if !ok {
				return fmt.Errorf("unknown action %q (see: carestore repair list)", args[0])
			}
			if info.RequiresQueueStop && !queueStopped {
				return fmt.Errorf("action %s requires --queue-stopped after stopping the queue consumer", action)
			}
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.Repair.GenerateConfirmationToken(action)
			if err != nil {
				return err
			}
			res, err := a.Repair.Execute(cmd.Context(), action, token,
				repair.ExecuteOptions{QueueStopped: queueStopped})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&queueStopped, "queue-stopped", false, "assert the queue consumer is stopped")
	return cmd
}
