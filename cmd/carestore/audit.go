package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the maintenance audit trail",
	}
	cmd.AddCommand(
		newAuditTailCmd(opts),
		newAuditExportCmd(opts),
	)
	return cmd
}

func newAuditTailCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.Audit.Tail(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show")
	return cmd
}

func newAuditExportCmd(opts *rootOptions) *cobra.Command {
	var redact bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the full audit log oldest-first as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.Audit.Export(cmd.Context(), redact)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&redact, "redact", false, "replace payloads with a redaction marker")
	return cmd
}
