package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/slotr"
)

func runServe(ctx context.Context, f ServeFlags) error {
	if f.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("daemonize is not supported on this platform")
		}
		return daemonize(f.PidFile, f.LogFile)
	}

	cfg, err := slotr.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	logger := cfg.Log.NewSlogger()
	slog.SetDefault(logger)

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := slotr.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	serveErr := app.Serve(ctx)

	// every slot gets its grace period plus the escalation to SIGKILL
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Runner.GracePeriod+cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := app.Close(sctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("slotr stopped")
	return serveErr
}
