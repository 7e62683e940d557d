package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/superfluid-finance/agora-reconciler/internal/app"
	"github.com/superfluid-finance/agora-reconciler/internal/config"
	"github.com/superfluid-finance/agora-reconciler/internal/logging"
	"github.com/superfluid-finance/agora-reconciler/internal/reconcile"
)

type rootOptions struct {
	configPath string
	network    string
	dev        bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agora",
		Short: "Reconcile Agora allocations with Superfluid vesting schedules",
		Long: `agora compares the token amounts Agora allocates to each project with the
vesting schedules a sender already runs, and prints the ordered actions
(allowance, permissions, stop, update, create) that bring them in line.

Nothing is signed or sent: every action carries calldata for a wallet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&opts.network, "network", "", "network preset: optimism|optimism-sepolia")
	root.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human-readable development logging")

	_ = root.RegisterFlagCompletionFunc("network", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"optimism", "optimism-sepolia"}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newServeCmd(opts),
		newReconcileCmd(opts),
		newPlanCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath, o.network)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, o.dev)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, transaction tracker and watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := app.Dial(ctx, cfg, logger)
			if err != nil {
				return err
			}
			srv := a.NewServer()
			if err := srv.Start(ctx); err != nil {
				a.Shutdown(context.Background())
				return fmt.Errorf("api server: %w", err)
			}

			runErr := a.Run(ctx)
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api shutdown", zap.Error(err))
			}
			a.Shutdown(shutdownCtx)
			return runErr
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var senders []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-reconcile senders on a schedule and alert on changes, without HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg.Watch.Enabled = true
			if len(senders) > 0 {
				cfg.Watch.Senders = senders
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := app.Dial(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&senders, "sender", nil, "sender to watch (repeatable, overrides watch.senders)")
	return cmd
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var (
		sender  string
		tranche int
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile one sender and print the resulting actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a, err := app.Dial(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.Background())

			res, err := a.Service().Run(ctx, reconcile.Request{Sender: sender, Tranche: tranche})
			if err != nil {
				if errors.Is(err, reconcile.ErrBadRequest) {
					return err
				}
				return fmt.Errorf("reconcile: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			renderResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "sender wallet address (required)")
	cmd.Flags().IntVar(&tranche, "tranche", 0, "tranche number (default: the current tranche)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	_ = cmd.MarkFlagRequired("sender")
	return cmd
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the tranche calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"plan":     cfg.Tranches,
					"tranches": cfg.Tranches.Tranches(),
				})
			}
			renderPlan(cmd.OutOrStdout(), cfg.Tranches, time.Now().UTC())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
