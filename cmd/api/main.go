package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/krishi-officer/backend/pkg/config"
	appLogger "github.com/krishi-officer/backend/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "krishi",
		Short:         "Digital Krishi Officer backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return eris.Wrap(err, "failed to load config")
			}
			if err := appLogger.Init(loaded.Logging.Level, loaded.Logging.Format, loaded.Logging.OutputPath); err != nil {
				return eris.Wrap(err, "failed to initialize logger")
			}
			cfg = loaded
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			appLogger.Sync()
		},
	}

	root.AddCommand(
		newServeCmd(func() *config.Config { return cfg }),
		newIngestCmd(func() *config.Config { return cfg }),
	)
	return root
}
