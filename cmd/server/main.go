package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"coffee_core/internal/bulk"
	"coffee_core/internal/config"
	"coffee_core/internal/logging"
	"coffee_core/internal/loyalty"
	"coffee_core/internal/order"
	"coffee_core/internal/queue"
	"coffee_core/internal/router"
	"coffee_core/internal/scheduler"
	"coffee_core/internal/store"
	redisx "coffee_core/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// .env 仅用于本地开发，不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Dev())
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 连接 SQLite，自动建表
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	st := store.New(db)

	// 2. Redis 可选：会员锁、事件 outbox、限流
	var rdb *rd.Client
	if cfg.RedisAddr != "" {
		rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("redis ping", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
	}

	// 3. 积分、等级、订单引擎
	var locker loyalty.Locker
	if rdb != nil {
		locker = redisx.NewMemberLocker(rdb, cfg.MemberLockTTL)
	}
	points := loyalty.NewPoints(st, st, locker, logger)
	rewards := loyalty.NewRewardIssuer(points, st, cfg.RewardRateBP, logger)
	thresholds := loyalty.NewThresholds(cfg.GradeGoldMin, cfg.GradeVIPMin)
	if err := thresholds.Validate(); err != nil {
		logger.Fatal("grade thresholds", zap.Error(err))
	}
	reconciler := loyalty.NewReconciler(st, loyalty.NewAggregator(st), thresholds, logger)

	engine := order.NewEngine(st, rewards, logger)
	if rdb != nil {
		engine = engine.WithEvents(queue.NewStreamOutbox(rdb, cfg.OrderEventStream))
	}
	if cfg.ReconcileOnTransition {
		engine = engine.WithSyncReconcile(reconciler)
	}
	coordinator := bulk.NewCoordinator(engine, cfg.BulkWorkers, logger)

	// 4. Kafka 可选：Stream → Kafka relay，以及按事件对账的消费者
	if len(cfg.KafkaBrokers) > 0 {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, queue.ProducerOptions{
			MaxAttempts:  cfg.KafkaMaxAttempts,
			BatchTimeout: cfg.KafkaBatchTimeout,
			WriteTimeout: cfg.KafkaWriteTimeout,
		})
		defer func() { _ = producer.Close() }()
		relay := queue.NewRelay(rdb, producer, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer, logger)
		go relay.Run(ctx)

		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, rdb, reconciler, logger)
		defer func() { _ = consumer.Close() }()
		go consumer.Run(ctx)
	}

	// 5. 定时全量对账
	if cfg.ReconcileCron != "" {
		sched, err := scheduler.New(cfg.ReconcileCron, reconciler, logger)
		if err != nil {
			logger.Fatal("scheduler init", zap.Error(err))
		}
		sched.Start()
		defer sched.Stop()
	}

	if !cfg.Dev() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Store:      st,
		Engine:     engine,
		Bulk:       coordinator,
		Points:     points,
		Rewards:    rewards,
		Reconciler: reconciler,
		Redis:      rdb,
		Config:     cfg,
		Log:        logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.Bool("redis", rdb != nil),
			zap.Bool("kafka", len(cfg.KafkaBrokers) > 0),
			zap.String("reconcile_cron", cfg.ReconcileCron),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
}
