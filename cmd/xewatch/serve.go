package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"XEWatch/internal/api"
	"XEWatch/internal/config"
	"XEWatch/internal/journal"
	"XEWatch/internal/manager"
	"XEWatch/internal/poller"
	"XEWatch/internal/pool"
	"XEWatch/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session manager and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
				cfg.Logging.Stdout = true
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging to stdout")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closeLog, err := telemetry.InitLogger(telemetry.LoggerOptions{
		Dir:    cfg.Logging.Dir,
		Level:  cfg.Logging.Level,
		Stdout: cfg.Logging.Stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.Logging.Dir)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	} else {
		defer cleanup()
	}

	conns := pool.New(pool.SQLDialer{ConnectTimeout: cfg.Monitor.CommandTimeout}, pool.Options{
		PingTimeout: cfg.Monitor.PingTimeout,
		Logger:      logger,
	})

	scheduler := poller.New(conns, poller.Options{
		Interval:       cfg.Monitor.PollInterval,
		MaxEvents:      cfg.Monitor.MaxEvents,
		CommandTimeout: cfg.Monitor.CommandTimeout,
		Logger:         logger,
		Tracer:         tracer,
		Meter:          meter,
	})

	opts := manager.Options{
		CommandTimeout: cfg.Monitor.CommandTimeout,
		Target:         cfg.Target.TargetOptions(),
		Templates:      cfg.TemplateStore(),
		Logger:         logger,
		Tracer:         tracer,
		Meter:          meter,
	}

	var history api.Historian
	if cfg.Storage.Enabled {
		j, err := journal.Open(cfg.Storage.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		scheduler.SetSink(j)
		opts.Recorder = j
		history = j
	}

	mgr := manager.New(conns, scheduler, opts)

	handler := api.NewHandler(mgr, cfg.Connection, history, logger)
	e := api.NewEcho(logger)
	handler.RegisterRoutes(e)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	errCh := make(chan error, 1)
	go func() {
		logger.Info("xewatch listening", "addr", addr, "connections", len(cfg.Connections), "poll_interval", cfg.Monitor.PollInterval)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("http server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("manager shutdown failed", "error", err)
	}
	logger.Info("xewatch stopped")
	return serveErr
}
