package main

import (
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report store, queue, encryption, and rotation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			stats, err := a.Store.Stats(ctx)
			if err != nil {
				return err
			}
			depth, err := a.Queue.Depth(ctx)
			if err != nil {
				return err
			}
			stall, err := a.Stall.Status(ctx)
			if err != nil {
				return err
			}
			auditCount, err := a.Audit.Count(ctx)
			if err != nil {
				return err
			}
			enc := a.Enforcer.Check()
			rotation, rotating, err := a.Rotator.Status(ctx)
			if err != nil {
				return err
			}

			out := map[string]any{
				"path":          stats.Path,
				"size_bytes":    stats.SizeBytes,
				"collections":   stats.Collections,
				"pending_depth": depth,
				"stall":         stall,
				"audit_records": auditCount,
				"encryption": map[string]any{
					"healthy":    enc.IsHealthy,
					"compliant":  enc.CompliantCount,
					"violations": enc.ViolatedCollections,
				},
			}
			if rotating {
				out["rotation"] = rotation
			}
			return printJSON(out)
		},
	}
}
