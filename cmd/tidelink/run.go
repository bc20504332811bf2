package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/tidelink/internal/agent"
	"github.com/zulandar/tidelink/internal/api"
	"github.com/zulandar/tidelink/internal/db"
	"github.com/zulandar/tidelink/internal/logging"
	"github.com/zulandar/tidelink/internal/metrics"
	"github.com/zulandar/tidelink/internal/queue"
	"github.com/zulandar/tidelink/internal/transport"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the communications agent",
		Long: "Connects the configured transports, restores the persisted queue and " +
			"drains it until interrupted. Serves the local HTTP API when api.enabled is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tidelink.yaml", "path to tidelink config file")
	return cmd
}

func runAgent(ctx context.Context, cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	log = log.With(zap.String("vessel", cfg.Vessel))

	reg, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	pipe, err := buildPipeline(cfg, log)
	if err != nil {
		return err
	}
	defer pipe.Close()

	eviction, err := queue.ParseEviction(cfg.Queue.Eviction)
	if err != nil {
		return err
	}

	m := metrics.New()
	store := queue.NewGormStore(gormDB)
	a, err := agent.New(agent.Options{
		Registry: reg,
		Pipeline: pipe,
		Store:    store,
		Queue: queue.Options{
			Capacity:    cfg.Queue.Capacity,
			MaxAttempts: cfg.Queue.MaxAttempts,
			RetryBase:   cfg.Queue.RetryBase,
			MaxAge:      cfg.Queue.MaxAge,
			Eviction:    eviction,
		},
		Weights:         cfg.Selector,
		MaxCompressTime: cfg.Compression.MaxTime,
		SendTimeout:     cfg.Agent.SendTimeout,
		DrainInterval:   cfg.Agent.DrainInterval,
		Maintenance:     cfg.Agent.Maintenance,
		Metrics:         m,
		PublishTransports: func(snaps []transport.Snapshot) error {
			return db.PublishTransports(gormDB, snaps)
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "tidelink agent for %s: %d transports, %d queued\n",
		cfg.Vessel, len(reg.Drivers()), a.Queue().Size())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	if cfg.API.Enabled {
		g.Go(func() error {
			return api.Start(gctx, api.StartOpts{
				Agent:   a,
				Metrics: m,
				History: store,
				Listen:  cfg.API.Listen,
				Logger:  log.Named("api"),
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("agent stopped")
	return nil
}
