package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/fulfillment/saga-orchestrator/internal/alert"
	"github.com/fulfillment/saga-orchestrator/internal/config"
	"github.com/fulfillment/saga-orchestrator/internal/definition"
	"github.com/fulfillment/saga-orchestrator/internal/executor"
	"github.com/fulfillment/saga-orchestrator/internal/gateway"
	"github.com/fulfillment/saga-orchestrator/internal/idempotency"
	"github.com/fulfillment/saga-orchestrator/internal/lease"
	"github.com/fulfillment/saga-orchestrator/internal/metrics"
	"github.com/fulfillment/saga-orchestrator/internal/recovery"
	"github.com/fulfillment/saga-orchestrator/internal/service"
	"github.com/fulfillment/saga-orchestrator/internal/store"
	"github.com/fulfillment/saga-orchestrator/internal/stream"
	"github.com/fulfillment/saga-orchestrator/pkg/health"
	"github.com/fulfillment/saga-orchestrator/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)
	log.Info("starting saga orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.WithError(err).Error("failed to ping database")
		os.Exit(1)
	}
	pingCancel()
	log.Info("connected to postgres")

	sagaStore := store.NewPostgresStore(db)
	if cfg.AutoMigrate {
		if err := sagaStore.InitSchema(ctx); err != nil {
			log.WithError(err).Error("failed to init schema")
			os.Exit(1)
		}
	}

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Error("failed to ping redis")
		os.Exit(1)
	}
	log.Info("connected to redis")

	// 定义与参与方端点
	definitions, err := definition.LoadFile(cfg.DefinitionsPath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.DefinitionsPath).Error("failed to load definitions")
		os.Exit(1)
	}
	participants, err := gateway.LoadFile(cfg.ParticipantsPath)
	if err != nil {
		log.WithError(err).WithField("path", cfg.ParticipantsPath).Error("failed to load participants")
		os.Exit(1)
	}
	log.WithField("definitions", definitions.Names()).Info("definitions loaded")

	// 核心组件
	m := metrics.New()
	leases := lease.NewManager(redisClient, cfg.LeaseTTL)
	idem := idempotency.NewManager(redisClient, cfg.IdempotencyTTL)
	alerts := alert.NewPublisher(redisClient, cfg.AlertStream, log)
	dispatcher := stream.NewDispatcher(redisClient, cfg.SagaStream)

	exec := executor.New(sagaStore, definitions, participants, idem, leases, alerts, m, log)
	svc := service.NewSagaService(sagaStore, definitions, dispatcher, m, log)
	pool := service.NewWorkerPool(redisClient, cfg.SagaStream, cfg.ConsumerGroup,
		cfg.ConsumerName, cfg.WorkerCount, exec, nil, log)
	sweeper := recovery.New(sagaStore, leases, dispatcher, alerts, m, log, recovery.Config{
		Interval:          cfg.SweepInterval,
		CronExpr:          cfg.SweepCron,
		StuckAfter:        cfg.StuckAfter,
		MaxResumeAttempts: cfg.MaxResumeAttempts,
		BatchSize:         cfg.SweepBatchSize,
		Retention:         cfg.Retention,
	})

	// HTTP
	h := health.New()
	h.Register(health.NewPostgresChecker(db))
	h.Register(health.NewRedisChecker(redisClient))
	h.SetReady(true)

	mux := http.NewServeMux()
	service.NewHTTPServer(svc, log).Register(mux)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", h.LiveHandler())
	mux.HandleFunc("/live", h.LiveHandler())
	mux.HandleFunc("/ready", h.ReadyHandler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// 后台循环
	go func() {
		if err := pool.Start(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("worker pool exited")
		}
	}()
	go func() {
		var err error
		if cfg.SweepCron != "" {
			err = sweeper.RunCron(ctx)
		} else {
			err = sweeper.Run(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("sweeper exited")
		}
	}()
	go updateInstanceGauges(ctx, sagaStore, m, log)

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	h.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown failed")
	}
	log.Info("stopped")
}

// updateInstanceGauges 周期刷新实例状态计数
func updateInstanceGauges(ctx context.Context, st store.Store, m *metrics.Metrics, log *logger.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := st.CountByStatus(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("count by status failed")
				}
				continue
			}
			for status, count := range counts {
				m.SetActiveSagas(string(status), count)
			}
		}
	}
}
