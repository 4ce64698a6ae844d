package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"iotflow-connectivity/common/database"
	"iotflow-connectivity/common/logger"
	"iotflow-connectivity/common/mqtt"
	rediscommon "iotflow-connectivity/common/redis"
	"iotflow-connectivity/internal/cache"
	"iotflow-connectivity/internal/config"
	"iotflow-connectivity/internal/consumer"
	httpapi "iotflow-connectivity/internal/http"
	"iotflow-connectivity/internal/repository"
	"iotflow-connectivity/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zl, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "iotflow-connectivity")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("Starting iotflow-connectivity service",
		zap.String("durability_mode", cfg.Liveness.DurabilityMode),
		zap.Duration("liveness_timeout", cfg.Liveness.Timeout),
		zap.Bool("mqtt_enabled", cfg.Telemetry.MQTTEnabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 数据库（必需）
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		zl.Fatal("Failed to connect to database", zap.Error(err))
	}
	schemaCtx, schemaCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := repository.EnsureSchema(schemaCtx, db); err != nil {
		schemaCancel()
		zl.Fatal("Failed to ensure schema", zap.Error(err))
	}
	schemaCancel()

	// Redis（可选，不可用时在线状态回落到数据库）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
		zl.Warn("Redis unavailable at startup, liveness falls back to database", zap.Error(err))
	}
	pingCancel()

	devices := repository.NewPostgresDeviceRepository(db)
	telemetry := repository.NewPostgresTelemetryRepository(db)

	livenessCache := cache.NewLivenessCache(cache.NewRedisKVStore(redisClient), cache.LivenessCacheConfig{
		TTL:     cfg.Liveness.CacheTTL,
		Timeout: cfg.Timeouts.Cache,
	}, zl)

	tracker := service.NewLivenessTracker(livenessCache, devices, service.LivenessConfig{
		Timeout:        cfg.Liveness.Timeout,
		ClassTimeouts:  cfg.Liveness.ClassTimeouts,
		CacheTTL:       cfg.Liveness.CacheTTL,
		DurabilityMode: cfg.Liveness.DurabilityMode,
		FlushInterval:  cfg.Liveness.FlushInterval,
		SyncRetryMax:   cfg.Liveness.SyncRetryMax,
		StoreTimeout:   cfg.Timeouts.Store,
	}, zl)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.Run(ctx)
	}()

	var reconciler *service.Reconciler
	var reconcileRunner httpapi.ReconcileRunner
	if cfg.Reconcile.Enabled {
		reconciler = service.NewReconciler(tracker, cfg.Reconcile.Interval, cfg.Reconcile.BatchSize, zl)
		reconcileRunner = reconciler
		wg.Add(1)
		go func() {
			defer wg.Done()
			reconciler.Start(ctx)
		}()
	}

	var events service.EventPublisher
	if cfg.Telemetry.Stream != "" {
		events = service.NewStreamPublisher(redisClient, cfg.Telemetry.Stream, cfg.Telemetry.StreamMaxLen, cfg.Timeouts.Cache)
	}

	credentials := service.NewCredentialService(devices, cfg.Timeouts.Store, zl)
	writer := service.NewTelemetryWriter(telemetry, tracker, events, cfg.Timeouts.Store, cfg.Telemetry.MaxBatchSize, zl)
	query := service.NewQueryEngine(telemetry, cfg.Timeouts.Store, cfg.Telemetry.QueryMaxLimit, zl)

	// MQTT 上报通道
	var mqttClient *mqtt.Client
	var mqttConsumer *consumer.MQTTConsumer
	if cfg.Telemetry.MQTTEnabled {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, zl)
		if err != nil {
			zl.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		mqttConsumer = consumer.NewMQTTConsumer(mqttClient, cfg.Telemetry.MQTTTopicPrefix, cfg.MQTT.QoS,
			credentials, writer, tracker, cfg.Timeouts.Store, zl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttConsumer.Start(ctx); err != nil {
				zl.Error("MQTT consumer failed", zap.Error(err))
			}
		}()
	}

	auth := httpapi.NewAuthorizer(credentials, cfg.HTTP.AdminToken, zl)
	if cfg.HTTP.AdminToken == "" {
		zl.Warn("IOTFLOW_ADMIN_TOKEN not set, admin endpoints are disabled")
	}

	checks := map[string]httpapi.HealthCheck{
		"database": db.PingContext,
		"redis": func(ctx context.Context) error {
			return rediscommon.Ping(ctx, redisClient)
		},
	}
	if mqttClient != nil {
		checks["mqtt"] = func(ctx context.Context) error {
			if !mqttClient.IsConnected() {
				return mqtt.ErrNotConnected
			}
			return nil
		}
	}

	router := httpapi.NewRouter(zl)
	router.RegisterTelemetryRoutes(httpapi.NewTelemetryHandler(auth, writer, query, cfg.Telemetry.MaxBodyBytes, zl))
	router.RegisterLivenessRoutes(httpapi.NewLivenessHandler(auth, tracker, reconcileRunner, zl))
	router.RegisterHealthRoutes(httpapi.NewHealthHandler(checks, 2*time.Second, "database"))

	srv := service.NewServer(cfg.HTTP.Addr, router, zl)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zl.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		zl.Error("HTTP server stopped", zap.Error(err))
	}

	// 优雅关闭：先停止接入，再刷盘
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		zl.Error("Error during HTTP shutdown", zap.Error(err))
	}
	if mqttConsumer != nil {
		mqttConsumer.Stop()
	}
	cancel()
	wg.Wait()

	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	_ = rediscommon.Close(redisClient)
	_ = database.Close(db)
	zl.Info("Service stopped")
}
