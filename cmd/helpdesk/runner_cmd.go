package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gotrs-io/helpdesk/internal/config"
	"github.com/gotrs-io/helpdesk/internal/runner"
	"github.com/gotrs-io/helpdesk/internal/runner/tasks"
)

var runnerOnceFlag bool

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run scheduled mailbox ingestion",
	Long: `Polls the support mailbox on the ingest.schedule cron spec until
interrupted. Overlapping runs are prevented by the ingest lock.`,
	RunE: runRunner,
}

func init() {
	runnerCmd.Flags().BoolVar(&runnerOnceFlag, "once", false, "Run the ingestion task once and exit")
}

func runRunner(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.IMAP.Enabled {
		newUI(cmd.OutOrStdout(), cmd.ErrOrStderr()).Warning("IMAP email processing is disabled (imap.enabled=false)")
		return nil
	}
	if err := cfg.IMAP.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, closer, err := a.postmaster(ctx, "")
	if err != nil {
		return err
	}
	defer closer.Close()

	ingest := tasks.NewIngestTask(svc, cfg.Ingest, logger.Named("ingest"))
	registry := runner.NewTaskRegistry()
	registry.Register(ingest)
	r := runner.NewRunner(registry, runner.WithLogger(logger.Named("runner")))

	if runnerOnceFlag {
		return r.RunOnce(ctx, tasks.IngestTaskName)
	}

	config.Watch(configFileFlag, func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		ingest.Reconfigure(next.Ingest)
	})

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(a, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = r.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startMetricsServer(a *app, logger *zap.Logger) *http.Server {
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listener started", zap.String("addr", srv.Addr), zap.String("path", path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return srv
}
