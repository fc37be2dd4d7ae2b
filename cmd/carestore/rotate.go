package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRotateKeyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Manage encryption key rotation",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Generate a candidate key and re-encrypt every encrypted collection",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(opts)
				if err != nil {
					return err
				}
				defer a.Close()
				if err := a.RotateKey(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("key rotation completed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the persisted rotation checkpoint, if any",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := openApp(opts)
				if err != nil {
					return err
				}
				defer a.Close()
				state, inProgress, err := a.Rotator.Status(cmd.Context())
				if err != nil {
					return err
				}
				if !inProgress {
					fmt.Println("no rotation in progress")
					return nil
				}
				return printJSON(state)
			},
		},
	)
	return cmd
}
