package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"securechat/config"
)

// app carries state shared by every subcommand once the root pre-run has
// loaded configuration and built the logger.
type app struct {
	verbose bool
	dataDir string

	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
	in     io.Reader

	resolve relayResolver
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(&app{out: os.Stdout, in: os.Stdin, resolve: resolveRelay}).ExecuteContext(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "securechat:", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "securechat",
		Short:         "End-to-end encrypted ephemeral chat over a local relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default: per-user config dir)")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newRelaysCommand(a))
	cmd.AddCommand(newPeersCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	cmd.AddCommand(newChatCommand(a))
	return cmd
}

func (a *app) setup(ctx context.Context) error {
	var (
		cfg *config.Config
		dir string
		err error
	)
	if a.dataDir != "" {
		cfg, dir, err = config.LoadOrCreateIn(ctx, a.dataDir, envconfig.OsLookuper())
	} else {
		cfg, dir, err = config.LoadOrCreate(ctx)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.dataDir = dir

	if a.logger == nil {
		logger, err := newLogger(a.verbose)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		a.logger = logger
	}
	a.logger.Debug("config loaded",
		zap.String("data_dir", dir),
		zap.String("identity", cfg.Identity),
	)
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
