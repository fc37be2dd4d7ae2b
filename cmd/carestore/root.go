package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carebridge/carestore/internal/app"
)

const dataDirEnv = "CARESTORE_DATA_DIR"

type rootOptions struct {
	dataDir string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "carestore",
		Short:         "Operate a carestore data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.dataDir == "" {
				opts.dataDir = os.Getenv(dataDirEnv)
			}
			if opts.dataDir == "" {
				return fmt.Errorf("data dir required: pass --data-dir or set %s", dataDirEnv)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (default $"+dataDirEnv+")")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newStatusCmd(opts),
		newMigrateCmd(opts),
		newRotateKeyCmd(opts),
		newQueueCmd(opts),
		newRepairCmd(opts),
		newAuditCmd(opts),
	)
	return cmd
}

// openApp assembles the engine for one command invocation. Callers must Close.
func openApp(opts *rootOptions) (*app.App, error) {
	cfg := app.DefaultConfig(opts.dataDir)
	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	cfg.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return app.Open(cfg)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
