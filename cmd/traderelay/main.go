package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Aidin1998/traderelay/internal/api"
	"github.com/Aidin1998/traderelay/internal/config"
	"github.com/Aidin1998/traderelay/internal/connector"
	"github.com/Aidin1998/traderelay/internal/hub"
	"github.com/Aidin1998/traderelay/internal/pubsub"
	"github.com/Aidin1998/traderelay/internal/relay"
	"github.com/Aidin1998/traderelay/internal/sink"
	"github.com/Aidin1998/traderelay/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// The durable store is the only fatal dependency: a relay that can
	// never persist must not start.
	db, err := sink.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	store, err := sink.NewGormStore(db)
	if err != nil {
		zapLogger.Fatal("Failed to initialize trade store", zap.Error(err))
	}

	snk := sink.New(store, sink.Config{
		BufferSize:  cfg.Sink.BufferSize,
		RetryBudget: cfg.Sink.RetryBudget,
		RetryMin:    cfg.Sink.RetryMin,
		RetryMax:    cfg.Sink.RetryMax,
	}, zapLogger)
	snk.Start()

	broadcastHub := hub.NewHub(hub.Config{
		QueueSize:    cfg.Hub.QueueSize,
		PingInterval: cfg.Hub.PingInterval,
		PongTimeout:  cfg.Hub.PongTimeout,
		WriteTimeout: cfg.Hub.WriteTimeout,
	}, zapLogger)

	conn := connector.New(connector.Config{
		URL:                cfg.Upstream.URL,
		HandshakeTimeout:   cfg.Upstream.HandshakeTimeout,
		PingInterval:       cfg.Upstream.PingInterval,
		PongTimeout:        cfg.Upstream.PongTimeout,
		BackoffMin:         cfg.Upstream.BackoffMin,
		BackoffMax:         cfg.Upstream.BackoffMax,
		StabilityThreshold: cfg.Upstream.StabilityThreshold,
		FrameBuffer:        cfg.Upstream.FrameBuffer,
	}, zapLogger)

	// The bus mirror is optional; a misconfigured mirror is not worth
	// refusing to relay.
	mirror, err := pubsub.New(pubsub.Config{
		Backend: cfg.PubSub.Backend,
		Addr:    cfg.PubSub.Addr,
		Channel: cfg.PubSub.Channel,
	})
	if err != nil {
		zapLogger.Warn("Disabling pubsub mirror", zap.Error(err))
		mirror = nil
	}

	var svcMirror relay.Mirror
	if mirror != nil {
		svcMirror = mirror
	}
	svc := relay.NewService(conn, snk, broadcastHub, svcMirror, cfg.PubSub.Channel, zapLogger)

	server := api.NewServer(zapLogger, store, broadcastHub, svc, conn, snk)
	go func() {
		if err := server.Start(cfg.Server.Addr()); err != nil {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	conn.Start()
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := svc.Run(context.Background()); err != nil && err != context.Canceled {
			zapLogger.Error("Pipeline stopped with error", zap.Error(err))
		}
	}()

	zapLogger.Info("Trade relay started",
		zap.String("upstream", cfg.Upstream.URL),
		zap.String("addr", cfg.Server.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down trade relay")

	// Order matters: stop ingesting, let the pipeline flush its fan-out,
	// then close subscribers and drain the sink within the grace period.
	conn.Close()
	<-pipelineDone
	broadcastHub.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Sink.DrainTimeout)
	unflushed, err := snk.Close(drainCtx)
	cancel()
	if err != nil {
		zapLogger.Warn("Sink drain did not complete", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	cancel()

	if mirror != nil {
		mirror.Close()
	}

	stats := svc.Stats()
	zapLogger.Info("Trade relay stopped",
		zap.Uint64("trades_ingested", stats.Ingested),
		zap.Uint64("frames_rejected", stats.Rejected),
		zap.Uint64("sink_losses", snk.Losses()),
		zap.Int("sink_unflushed", unflushed),
		zap.Uint64("subscriber_queue_drops", broadcastHub.Drops()))
}
