package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run, preview, verify, and revert schema migrations",
	}
	cmd.AddCommand(
		newMigrateRunCmd(opts),
		newMigrateDryRunCmd(opts),
		newMigrateVerifyCmd(opts),
		newMigrateRollbackCmd(opts),
	)
	return cmd
}

func newMigrateRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			applied, err := a.Migrations.RunAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func newMigrateDryRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dry-run <domain>",
		Short: "Estimate pending work for one domain without writing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Migrations.DryRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newMigrateVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <domain>",
		Short: "Audit one domain's schema state after migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Migrations.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newMigrateRollbackCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <domain>",
		Short: "Revert the most recent reversible migration of one domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Migrations.Rollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}
