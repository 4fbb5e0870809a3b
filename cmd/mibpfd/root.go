package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"microbpf/internal/config"
	"microbpf/internal/jitslot"
	"microbpf/internal/manager"
	"microbpf/internal/slot"
	"microbpf/internal/vmcore"
)

// app bundles the slot/jitslot storage and execution manager every
// subcommand needs. Each CLI invocation builds its own app from scratch
// (this process has no on-disk slot persistence); only
// the `serve` subcommand keeps one alive across more than one request.
type app struct {
	cfg    config.Config
	slots  *slot.Manager
	jit    *jitslot.Manager
	mgr    *manager.Manager
	logger zerolog.Logger
}

func newApp(cfg config.Config, logger zerolog.Logger) (*app, error) {
	slots := slot.NewManager(cfg.SlotCount, cfg.SlotSize)
	jit, err := jitslot.NewManager(cfg.JITSlotCount, cfg.JITSlotSize)
	if err != nil {
		return nil, err
	}
	mgr := manager.New(slots, jit, vmcore.SystemClock{}, cfg.WorkerCount, logger)
	return &app{cfg: cfg, slots: slots, jit: jit, mgr: mgr, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "mibpfd",
		Short:         "microBPF execution manager daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	verbose := root.PersistentFlags().Bool("verbose", false, "enable debug-level logging")
	config.BindFlags(root.PersistentFlags(), v)

	newLogger := func() zerolog.Logger {
		level := zerolog.InfoLevel
		if verbose != nil && *verbose {
			level = zerolog.DebugLevel
		}
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
	}

	root.AddCommand(newFetchCmd(v, newLogger))
	root.AddCommand(newExecuteCmd(v, newLogger))
	root.AddCommand(newServeCmd(v, newLogger))
	return root
}
