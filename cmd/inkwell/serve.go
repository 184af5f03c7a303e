package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/inkwell/internal/dashboard"
	"github.com/zulandar/inkwell/internal/filestore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const closeTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noRefresh  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API",
		Long:  "Serves conversations, turn streams, proposals and exec output over HTTP, refreshing the core-file cache on a schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, configPath, port, noRefresh)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "do not refresh the core-file cache")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, configPath string, port int, noRefresh bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.HTTP.Port = port
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := newApp(ctx, cfg, appOpts{Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Close(cctx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	n, err := a.restore(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %d conversations\n", n)

	var refresher *filestore.Refresher
	if !noRefresh {
		refresher, err = filestore.NewRefresher(a.cache, cfg.Cache.RefreshSchedule, log.Named("refresh"))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Engine:    a.engine,
			Queue:     a.queue,
			Runner:    a.runner,
			Cache:     a.cache,
			Workspace: a.files,
			LiveEdits: a.live,
			Hub:       a.hub,
			Port:      cfg.HTTP.Port,
			Logger:    log.Named("http"),
			Out:       cmd.OutOrStdout(),
		})
	})
	if refresher != nil {
		g.Go(func() error {
			refresher.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	return err
}
