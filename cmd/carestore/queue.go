package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending and failed operation queues",
	}
	cmd.AddCommand(
		newQueueStatsCmd(opts),
		newQueueOldestCmd(opts),
		newQueueFailedCmd(opts),
		newQueueRetryCmd(opts),
	)
	return cmd
}

func newQueueStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report queue depth, failed counts, and lock state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			depth, err := a.Queue.Depth(ctx)
			if err != nil {
				return err
			}
			failed, err := a.Failed.List(ctx)
			if err != nil {
				return err
			}
			poison := 0
			for _, op := range failed {
				if a.Failed.IsPoison(op) {
					poison++
				}
			}
			ls, held, err := a.Lock.Holder(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{
				"pending": depth,
				"failed":  len(failed),
				"poison":  poison,
				"lock": map[string]any{
					"held": held,
				},
			}
			if held {
				out["lock"] = map[string]any{
					"held":        true,
					"holder":      ls.Holder,
					"acquired_at": ls.AcquiredAt,
					"stale":       a.Lock.IsStale(ls),
				}
			}
			return printJSON(out)
		},
	}
}

func newQueueOldestCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "oldest",
		Short: "List the oldest pending operations in processing order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ops, err := a.Queue.Oldest(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(ops)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum operations to list")
	return cmd
}

func newQueueFailedCmd(opts *rootOptions) *cobra.Command {
	var poisonOnly bool
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			var ops any
			if poisonOnly {
				ops, err = a.Failed.ListPoison(cmd.Context())
			} else {
				ops, err = a.Failed.List(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(ops)
		},
	}
	cmd.Flags().BoolVar(&poisonOnly, "poison", false, "only operations past the poison ceiling")
	return cmd
}

func newQueueRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <failed-op-id>",
		Short: "Requeue one failed operation as a fresh pending operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			op, err := a.Failed.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("requeued as %s\n", op.ID)
			return nil
		},
	}
}
