package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runbox/internal/common/cache"
	commonmw "runbox/internal/common/http/middleware"
	"runbox/internal/common/metrics"
	"runbox/internal/common/mq"
	"runbox/internal/execution/controller"
	"runbox/internal/execution/dispatcher"
	"runbox/internal/execution/language"
	"runbox/internal/execution/repository"
	"runbox/internal/execution/sandbox"
	"runbox/internal/execution/sandbox/engine"
	"runbox/internal/execution/scheduler"
	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/exec_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "exec service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	eng, err := engine.NewEngine(engine.Config{
		HelperPath:       appCfg.Sandbox.HelperPath,
		CgroupRoot:       appCfg.Sandbox.CgroupRoot,
		Isolation:        appCfg.Sandbox.Isolation,
		OutputLimitBytes: appCfg.Limits.OutputLimitBytes,
		GracePeriod:      appCfg.Limits.GracePeriod,
		RunAsUID:         *appCfg.Sandbox.RunAsUID,
		RunAsGID:         *appCfg.Sandbox.RunAsGID,
		EnableSeccomp:    appCfg.Sandbox.EnableSeccomp,
		EnableCgroup:     appCfg.Sandbox.EnableCgroup,
		EnableNamespaces: appCfg.Sandbox.EnableNamespaces,
	})
	if err != nil {
		return fmt.Errorf("init sandbox engine: %w", err)
	}

	manager, err := sandbox.NewManager(sandbox.Config{
		WorkRoot:   appCfg.Sandbox.WorkRoot,
		Namespaced: appCfg.Sandbox.EnableNamespaces,
		StaleAfter: appCfg.Sandbox.StaleAfter,
	}, eng)
	if err != nil {
		return fmt.Errorf("init sandbox manager: %w", err)
	}
	if n, err := manager.SweepStale(ctx); err != nil {
		logger.Warn(ctx, "startup sweep incomplete", zap.Int("removed", n), zap.Error(err))
	} else if n > 0 {
		logger.Info(ctx, "startup sweep removed stale sandboxes", zap.Int("removed", n))
	}

	registry, err := language.NewRegistry(appCfg.Languages)
	if err != nil {
		return fmt.Errorf("init language registry: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		PoolSize:   appCfg.Worker.PoolSize,
		QueueDepth: appCfg.Worker.QueueDepth,
		QueueWait:  appCfg.Worker.QueueWait,
	})

	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		redisCache, err = cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
	}

	var events repository.ResultEventPublisher
	if appCfg.Events.Enabled {
		kafkaQueue, err := mq.NewKafkaQueue(appCfg.Events.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = kafkaQueue.Close()
		}()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := kafkaQueue.Ping(pingCtx); err != nil {
			logger.Warn(ctx, "kafka unreachable, events will be retried per job", zap.Error(err))
		}
		cancel()
		events = repository.NewMQResultEventPublisher(kafkaQueue, appCfg.Events.Topic)
	}

	execMetrics := metrics.New(func() (int, int, int) {
		stats := sched.Stats()
		return stats.Busy, stats.Size, stats.Queued
	})

	disp, err := dispatcher.New(dispatcher.Config{
		Registry:       registry,
		Scheduler:      sched,
		Sandboxes:      dispatcher.FromManager(manager),
		Observer:       execMetrics,
		Events:         events,
		MaxSourceBytes: appCfg.Limits.MaxSourceBytes,
		MaxStdinBytes:  appCfg.Limits.MaxStdinBytes,
		GracePeriod:    appCfg.Limits.GracePeriod,
	})
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	var verifier *commonmw.TokenVerifier
	if appCfg.Auth.Secret != "" {
		var blacklist cache.SetOps
		if redisCache != nil {
			blacklist = redisCache
		}
		verifier = commonmw.NewTokenVerifier(appCfg.Auth.Secret, appCfg.Auth.Issuer, blacklist, appCfg.Quota.RedisTimeout)
	} else {
		logger.Warn(ctx, "auth secret not configured, run endpoints are public")
	}
	var quota *commonmw.QuotaService
	if redisCache != nil && (appCfg.Quota.UserMax > 0 || appCfg.Quota.IPMax > 0) {
		quota = commonmw.NewQuotaService(redisCache, appCfg.Quota.RedisTimeout)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepLoop(sweepCtx, manager, appCfg.Sandbox.SweepInterval)

	httpServer := buildHTTPServer(appCfg, disp, execMetrics, verifier, quota)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "exec http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := sched.Shutdown(timeoutCtx); err != nil {
		logger.Warn(ctx, "scheduler shutdown forced", zap.Error(err))
	}
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if _, err := manager.SweepStale(ctx); err != nil {
		logger.Warn(ctx, "final sweep incomplete", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg *AppConfig, disp *dispatcher.Dispatcher, execMetrics *metrics.Metrics, verifier *commonmw.TokenVerifier, quota *commonmw.QuotaService) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	execController := controller.NewExecutionController(disp, controller.BodyLimit(cfg.Limits.MaxSourceBytes, cfg.Limits.MaxStdinBytes))
	router.GET("/healthz", execController.Health)
	router.GET("/metrics", gin.WrapH(execMetrics.Handler()))

	api := router.Group("/api")
	api.GET("/languages", execController.Languages)

	runGroup := api.Group("/run",
		commonmw.AuthMiddleware(verifier),
		commonmw.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		commonmw.QuotaMiddleware(quota, commonmw.QuotaPolicy{
			Window:  cfg.Quota.Window,
			UserMax: cfg.Quota.UserMax,
			IPMax:   cfg.Quota.IPMax,
		}),
	)
	runGroup.POST("", execController.Run)
	runGroup.DELETE("/:id", execController.Cancel)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// sweepLoop periodically reclaims sandboxes whose owner died without teardown.
func sweepLoop(ctx context.Context, manager *sandbox.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := manager.SweepStale(ctx)
			if err != nil {
				logger.Warn(ctx, "sandbox sweep incomplete", zap.Int("removed", n), zap.Error(err))
			} else if n > 0 {
				logger.Info(ctx, "sandbox sweep removed stale sandboxes", zap.Int("removed", n))
			}
		}
	}
}
