package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/ledgerguard/internal/api"
	"github.com/punchamoorthee/ledgerguard/internal/config"
	"github.com/punchamoorthee/ledgerguard/internal/currency"
	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/geo"
	"github.com/punchamoorthee/ledgerguard/internal/logging"
	"github.com/punchamoorthee/ledgerguard/internal/notify"
	"github.com/punchamoorthee/ledgerguard/internal/ratelimit"
	"github.com/punchamoorthee/ledgerguard/internal/risk"
	"github.com/punchamoorthee/ledgerguard/internal/scheduler"
	"github.com/punchamoorthee/ledgerguard/internal/service"
	"github.com/punchamoorthee/ledgerguard/internal/store"
	"github.com/punchamoorthee/ledgerguard/pkg/advisorclient"
	"github.com/punchamoorthee/ledgerguard/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	logger := logging.New(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	repo, err := store.NewPostgres(ctx, cfg.DBSource, cfg.DBMaxConns, cfg.DBLockTimeout)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, events will be dropped", "error", err)
		} else {
			publisher = producer
			logger.Info("rabbitmq producer connected")
		}
	}
	defer publisher.Close()
	broker := notify.NewBroker(publisher)

	var geoResolver risk.GeoResolver
	if cfg.GeoIPURL != "" {
		ipinfo := geo.NewIPInfo(cfg.GeoIPURL, cfg.GeoIPToken, 2*time.Second)
		geoResolver = ipinfo
		if redisClient != nil {
			geoResolver = geo.NewCached(ipinfo, redisClient, cfg.GeoCacheTTL, logger)
		}
	}

	var recorderOpts []risk.RecorderOption
	if cfg.AdvisoryURL != "" {
		minSeverity, _ := domain.ParseSeverity(cfg.AdvisoryMinSeverity)
		recorderOpts = append(recorderOpts, risk.WithAdvisor(advisorclient.New(cfg.AdvisoryURL, cfg.AdvisoryAPIKey, 10*time.Second), minSeverity))
	}
	recorder := risk.NewRecorder(repo, logger, recorderOpts...)

	converter, err := currency.NewConverter(rates(cfg))
	if err != nil {
		return err
	}
	queue := service.NewPostCommitQueue(cfg.PostCommitWorker, cfg.PostCommitBuffer, logger)
	txMonitor := risk.NewTransactionMonitor(risk.NewTransactionEngine(repo, transactionConfig(cfg), logger), recorder, geoResolver, logger)
	engine := service.NewEngine(repo, converter, queue, ledgerConfig(cfg), logger,
		service.WithRiskHook(txMonitor), service.WithNotifier(broker))

	access := risk.NewAccessMonitor(recorder, geoResolver, logger)
	gate := service.NewGate(engine, repo, broker, gateConfig(cfg), logger, service.WithChallengeObserver(access))
	authMonitor := risk.NewAuthMonitor(repo, risk.NewAuthEngine(repo, authConfig(cfg), logger), recorder, geoResolver, logger)

	var limiter ratelimit.Limiter = ratelimit.NewLocal()
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitPrefix)
	}

	sched := scheduler.New(logger)
	if err := sched.Add("awaiting_transfer_reaper", cfg.ReaperSchedule, service.NewReaper(repo, cfg.AwaitingTransferTTL, logger)); err != nil {
		return err
	}

	handler := api.NewHandler(repo, gate, authMonitor, access, limiter, engine, api.Config{
		JWTSecret:          cfg.JWTSecret,
		InternalAPIKey:     cfg.InternalAPIKey,
		AllowedOrigins:     cfg.AllowedOrigins,
		TransferRatePerMin: cfg.TransferRatePerMin,
		VerifyRatePerMin:   cfg.VerifyRatePerMin,
	}, logger)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// the queue outlives the server so transfers committed during shutdown
	// still get their risk evaluation
	queueCtx, stopQueue := context.WithCancel(context.Background())
	defer stopQueue()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(queueCtx) })
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "environment", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		sched.Stop(shutdownCtx)
		stopQueue()
		return err
	})
	return g.Wait()
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, using in-process rate limits and no geo cache")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, continuing without redis", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, continuing without redis", "error", err)
		client.Close()
		return nil
	}
	return client
}
