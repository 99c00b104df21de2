package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/record-import-transformer/internal/config"
	"github.com/example/record-import-transformer/internal/logger"
)

type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "transformer",
		Short:         "Validate import batches, report them and publish passed records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				fail("config load", err)
				return err
			}
			base, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
			if err != nil {
				fail("logger init", err)
				return err
			}
			a.cfg = cfg
			a.log = base.With().Str("command", cmd.Name()).Logger()
			return nil
		},
	}

	root.AddCommand(newRunCmd(a), newWorkerCmd(a))
	return root
}

func fail(stage string, err error) {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	l.Error().Err(err).Str("stage", stage).Msg("transformer init failed")
}
