package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"crm-mailer/internal/account"
	"crm-mailer/internal/api"
	"crm-mailer/internal/campaign"
	"crm-mailer/internal/config"
	"crm-mailer/internal/gateway"
	"crm-mailer/internal/healthcheck"
	"crm-mailer/internal/message"
	"crm-mailer/internal/metrics"
	"crm-mailer/internal/outbox"
	"crm-mailer/internal/send"
	"crm-mailer/internal/tracking"
)

// App wires the delivery subsystem together from configuration and runs
// its long-lived servers until the context is cancelled.
type App struct {
	api         *api.Server
	healthcheck *healthcheck.Server
	outbox      *outbox.Outbox
	metrics     *metrics.Metrics
	metricsTick time.Duration
	logger      *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	gw, err := buildGateway(cfg)
	if err != nil {
		return nil, err
	}

	records, campaigns, err := buildRepositories(cfg)
	if err != nil {
		return nil, err
	}

	accounts, err := account.NewConfigResolver(cfg.GetAccounts(), cfg.GetPurposes())
	if err != nil {
		return nil, fmt.Errorf("building account resolver: %w", err)
	}

	codec := tracking.NewCodec(cfg.Tracking.BaseUrl, []byte(cfg.Tracking.Secret))
	seq := message.NewSeqAllocator(time.Now())

	var metricsService *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsService = metrics.NewMetrics(true, cfg.Metrics.Port, logger)
	}

	sender := send.NewService(gw, records, seq, accounts, codec, nil)
	if metricsService != nil {
		sender = sender.WithMetrics(metricsService.SentMessagesCounter)
	}

	outboxRepo, err := outbox.NewFileRepository(cfg.Outbox.Path)
	if err != nil {
		return nil, fmt.Errorf("building outbox repository: %w", err)
	}
	ob := outbox.New(outboxRepo, sender, nil, cfg.GetOutboxConfig(), logger)
	if metricsService != nil {
		ob = ob.WithMetrics(metricsService.SentMessagesCounter, metricsService.OutboxJobsGauge)
	}

	var batchMutex campaign.BatchMutex
	if cfg.HasRedis() {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.GetRedisAddr()})
		batchMutex = campaign.NewRedisBatchMutex(redisClient)
	}
	batchSender := campaign.NewSender(
		campaigns, gw, accounts, codec, nil, cfg.GetCompanyTokens(), batchMutex, logger)

	trackingHandler := tracking.NewHandler(codec, records, cfg.Tracking.HomeUrl)
	if metricsService != nil {
		trackingHandler = trackingHandler.WithMetrics(metricsService.TrackingHitsCounter)
	}

	apiServer := api.NewServer(
		cfg.Server.Port, sender, ob, outboxRepo, batchSender,
		cfg.Campaign.BatchSize, trackingHandler.Routes(), logger)

	metricsTick := time.Duration(cfg.Metrics.Interval) * time.Second
	if metricsTick <= 0 {
		metricsTick = 15 * time.Second
	}

	return &App{
		api:         apiServer,
		healthcheck: healthcheck.NewServer(cfg.GetHealthCheckServerPort()),
		outbox:      ob,
		metrics:     metricsService,
		metricsTick: metricsTick,
		logger:      logger,
	}, nil
}

func buildGateway(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.Transport {
	case "smtp":
		return gateway.NewSMTP(), nil
	case "ses":
		return gateway.NewSES(cfg.GetAwsConfig()), nil
	case "fake":
		return gateway.NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func buildRepositories(cfg *config.Config) (message.Repository, campaign.Repository, error) {
	switch cfg.Storage.Driver {
	case "mysql":
		db, err := sql.Open("mysql", cfg.Storage.Dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("opening mysql: %w", err)
		}
		return message.NewMySQLRepository(db), campaign.NewMySQLRepository(db), nil
	case "memory":
		return message.NewMemoryRepository(), campaign.NewMemoryRepository(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Run blocks until the context is cancelled, then shuts the servers down.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup

	// Jobs parked before the last shutdown are picked up right away.
	go a.outbox.Drain(context.WithoutCancel(ctx))

	if a.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.metrics.CollectMemoryAndCpu(ctx, a.metricsTick)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.healthcheck.ListenAndServe(ctx); err != nil {
			a.logger.Error("healthcheck server", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.api.ListenAndServe(ctx); err != nil {
			a.logger.Error("api server", "error", err)
		}
	}()

	wg.Wait()
}
