package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mahaj/tourbook-realtime/pkg/api"
	"github.com/mahaj/tourbook-realtime/pkg/auth"
	"github.com/mahaj/tourbook-realtime/pkg/chat"
	"github.com/mahaj/tourbook-realtime/pkg/config"
	"github.com/mahaj/tourbook-realtime/pkg/db"
	"github.com/mahaj/tourbook-realtime/pkg/fanout"
	"github.com/mahaj/tourbook-realtime/pkg/keepalive"
	"github.com/mahaj/tourbook-realtime/pkg/logging"
	"github.com/mahaj/tourbook-realtime/pkg/metrics"
	"github.com/mahaj/tourbook-realtime/pkg/notify"
	"github.com/mahaj/tourbook-realtime/pkg/presence"
	"github.com/mahaj/tourbook-realtime/pkg/registry"
	"github.com/mahaj/tourbook-realtime/pkg/repository"
	"github.com/mahaj/tourbook-realtime/pkg/snowflake"
	"github.com/mahaj/tourbook-realtime/pkg/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()
	if err := db.Migrate(gdb); err != nil {
		return err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := presence.NewRedisStore(rdb, cfg.Presence.KeyPrefix, cfg.Presence.TTL)
	if err := store.Ping(ctx); err != nil {
		logger.Warn("redis unreachable, presence will read as offline", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	ids, err := snowflake.New(cfg.Server.NodeID)
	if err != nil {
		return err
	}

	conns := registry.New(registry.Options{
		Presence:    store,
		Logger:      logger,
		Metrics:     m,
		Node:        cfg.Server.NodeID,
		PresenceTTL: cfg.Presence.TTL,
	})

	var wg sync.WaitGroup
	errc := make(chan error, 4)

	if cfg.Kafka.Enabled {
		relay := fanout.New(cfg.Kafka, cfg.Server.NodeID, conns, logger, m)
		conns.SetMirror(relay)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil {
				logger.Warn("fan-out relay stopped", zap.Error(err))
			}
		}()
		logger.Info("cross-gateway fan-out enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	var timeline chat.Timeline
	if cfg.Scylla.Enabled {
		session, err := db.OpenTimeline(cfg.Scylla)
		if err != nil {
			return err
		}
		defer session.Close()
		timeline = repository.NewTimeline(session)
		logger.Info("message timeline enabled", zap.Strings("hosts", cfg.Scylla.Hosts))
	}

	dispatcher := notify.New(repository.NewNotificationRepository(gdb), conns, logger, m)
	chats := chat.New(chat.Options{
		Chats:            repository.NewChatRepository(gdb),
		Messages:         repository.NewMessageRepository(gdb),
		Receipts:         repository.NewReceiptRepository(gdb),
		Push:             conns,
		Notify:           dispatcher,
		Timeline:         timeline,
		IDs:              ids,
		Logger:           logger,
		Metrics:          m,
		MaxContentLength: cfg.Chat.MaxContentLength,
		MaxGroupSize:     cfg.Chat.MaxGroupSize,
	})

	authenticator := auth.New(cfg.Auth.JWTSecret)
	wsHandler := ws.NewHandler(ws.Options{
		Auth:     authenticator,
		Registry: conns,
		Typing:   chats,
		Logger:   logger,
		PongWait: 2 * cfg.Keepalive.Interval,
	})

	server := api.New(api.Options{
		Auth:          authenticator,
		Chats:         chats,
		Notifications: dispatcher,
		Presence:      store,
		Local:         conns,
		WebSocket:     wsHandler,
		Gatherer:      promReg,
		Checks: map[string]api.HealthCheck{
			"database": sqlDB.PingContext,
			"redis":    store.Ping,
		},
		Node:   cfg.Server.NodeID,
		Logger: logger,
	})

	supervisor := keepalive.New(conns, cfg.Keepalive.Interval, logger, m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		supervisor.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Gateway Service Starting", zap.String("addr", cfg.Server.HTTPAddr), zap.Int64("node", cfg.Server.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// Hijacked websocket connections are not closed by Shutdown.
	for _, c := range conns.Connections() {
		_ = c.Close()
	}
	wg.Wait()
	return runErr
}
