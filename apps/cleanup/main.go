package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/tourbook-realtime/pkg/config"
	"github.com/mahaj/tourbook-realtime/pkg/db"
	"github.com/mahaj/tourbook-realtime/pkg/logging"
	"github.com/mahaj/tourbook-realtime/pkg/notify"
	"github.com/mahaj/tourbook-realtime/pkg/repository"
	"go.uber.org/zap"
)

// cleanup deletes read notifications past the retention window, once or on
// a fixed interval.
func main() {
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = db.Close(gdb) }()

	// No live pushes from this process.
	dispatcher := notify.New(repository.NewNotificationRepository(gdb), nil, logger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pass := func() {
		removed, err := dispatcher.Cleanup(ctx, cfg.Notifications.Retention)
		if err != nil {
			logger.Error("notification cleanup failed", zap.Error(err))
			return
		}
		logger.Info("notification cleanup done",
			zap.Int64("removed", removed),
			zap.Duration("retention", cfg.Notifications.Retention),
		)
	}

	pass()
	if *once {
		return
	}

	logger.Info("Starting notification cleanup loop", zap.Duration("interval", cfg.Notifications.CleanupInterval))
	ticker := time.NewTicker(cfg.Notifications.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass()
		}
	}
}
