package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"seckill_engine/internal/async"
	"seckill_engine/internal/config"
	"seckill_engine/internal/metrics"
	"seckill_engine/internal/model"
	"seckill_engine/internal/queue"
	"seckill_engine/internal/risk"
	"seckill_engine/internal/router"
	"seckill_engine/internal/seckill"
	"seckill_engine/internal/token"
)

func main() {
	// .env 缺失不是错误,生产环境直接用进程环境变量
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	if err := db.AutoMigrate(&model.Product{}, &model.Order{}); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatal().Err(err).Msg("ping redis")
	}
	cancelPing()

	registry := prometheus.NewRegistry()
	obs := metrics.NewProm(registry)

	store := seckill.NewGormStore(db)
	gate := risk.NewGate(rdb, risk.Config{
		VelocityWindow:      cfg.VelocityWindow,
		UserVelocityLimit:   cfg.UserVelocityLimit,
		IPVelocityLimit:     cfg.IPVelocityLimit,
		DeviceVelocityLimit: cfg.DeviceVelocityLimit,
		BehaviorWindow:      cfg.BehaviorWindow,
		BehaviorLimit:       cfg.BehaviorLimit,
	}, log)
	tokens := token.NewService(rdb, token.Config{
		Secret:         cfg.TokenSecret,
		UserHourlyCap:  cfg.TokenUserHourlyCap,
		IPHourlyCap:    cfg.TokenIPHourlyCap,
		ConsumedLinger: cfg.ConsumedTokenLinger,
	}, log)

	orderProducer := queue.NewProducer(cfg.KafkaBrokers, cfg.OrderTopic, cfg.DeadLetterTopic, log)
	defer orderProducer.Close()
	paymentProducer := queue.NewProducer(cfg.KafkaBrokers, cfg.PaymentTopic, cfg.DeadLetterTopic, log)
	defer paymentProducer.Close()

	outbox := queue.NewOutbox(rdb, cfg.OrderEventStream)
	pipeline := seckill.NewPipeline(rdb, store, gate, tokens, outbox, obs, log, seckill.Config{
		MaxConcurrent:   cfg.MaxConcurrent,
		QueueTimeout:    cfg.QueueTimeout,
		ProcessingLease: cfg.ProcessingLease,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		LockWait:        time.Second,
		LockLease:       10 * time.Second,
		OrderExpiry:     cfg.OrderExpiry,
	})
	processor := async.NewProcessor(rdb, pipeline, orderProducer, obs, log, async.Config{
		QueueCap:      int(cfg.AsyncQueueCap),
		BatchSize:     cfg.BatchSize,
		DrainInterval: cfg.DrainInterval,
		RetryInterval: cfg.RetryInterval,
		MaxRetries:    cfg.AsyncMaxRetries,
		StatusTTL:     cfg.TaskStatusTTL,
		WorkerCount:   cfg.WorkerCount,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 后台组件:事件转发、支付结果消费、异步批处理、关单扫描
	relay := queue.NewRelay(rdb, orderProducer,
		cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer, log)
	go relay.Run(ctx)

	paymentHandler := queue.NewPaymentHandler(store, rdb, obs, log)
	paymentConsumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.PaymentTopic, cfg.KafkaGroupID,
		paymentProducer, cfg.MaxRetryCount, paymentHandler.Handle, obs, log)
	defer paymentConsumer.Close()
	go paymentConsumer.Run(ctx)

	processor.Start(ctx)
	defer processor.Stop()

	sweeper := seckill.NewSweeper(store, rdb, obs, log,
		cfg.SweepInterval, cfg.BatchSize, cfg.MaxConcurrent, cfg.ProcessingLease)
	go sweeper.Run(ctx)

	r := gin.Default()
	router.Setup(r, router.Deps{
		DB:        db,
		RDB:       rdb,
		Store:     store,
		Pipeline:  pipeline,
		Processor: processor,
		Gate:      gate,
		Tokens:    tokens,
		Registry:  registry,
		Cfg:       cfg,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
}
