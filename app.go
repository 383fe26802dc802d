package main

import (
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/portfolio-tracker/internal/cache"
	"github.com/jonesrussell/portfolio-tracker/internal/config"
	"github.com/jonesrussell/portfolio-tracker/internal/database"
	"github.com/jonesrussell/portfolio-tracker/internal/health"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/marketdata"
	"github.com/jonesrussell/portfolio-tracker/internal/quality"
	"github.com/jonesrussell/portfolio-tracker/internal/queue"
	"github.com/jonesrussell/portfolio-tracker/internal/ratelimit"
	"github.com/jonesrussell/portfolio-tracker/internal/refresh"
	"github.com/jonesrussell/portfolio-tracker/internal/reports"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
)

const defaultConfigPath = "config.yml"

// app holds the shared service dependencies.
type app struct {
	cfg       *config.Config
	logger    logger.Logger
	db        *sqlx.DB
	redis     *redis.Client
	cache     *cache.Store
	tasks     *database.TaskRepository
	budgets   *database.BudgetRepository
	market    *database.MarketRepository
	governor  *ratelimit.Governor
	queue     *queue.Queue
	refresh   *refresh.Service
	assessor  *quality.Assessor
	health    *health.Aggregator
	fetcher   marketdata.Fetcher
	sink      refresh.ReportSink
	telemetry *telemetry.Provider
}

// newApp loads configuration and wires the shared dependencies.
func newApp() (*app, error) {
	// Best-effort: a missing .env file is not an error.
	_ = godotenv.Load()

	configPath := os.Getenv("TRACKER_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	tel := telemetry.NewProvider()
	cacheStore := cache.NewStore(redisClient, tel, log)

	tasks := database.NewTaskRepository(db.DB)
	budgets := database.NewBudgetRepository(db.DB)
	market := database.NewMarketRepository(db.DB)

	providers := make([]ratelimit.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, ratelimit.Provider{
			Name:       p.Name,
			DailyLimit: p.DailyLimit,
		})
	}
	governor := ratelimit.NewGovernor(budgets, providers, tel, log)

	q := queue.New(tasks, log)

	primary := cfg.Providers[0]
	fetcher := marketdata.NewClient(primary, log)

	refreshSvc := refresh.NewService(refresh.ServiceConfig{
		Provider:        primary.Name,
		ReserveCalls:    cfg.Refresh.ReserveCalls,
		BenchmarkSymbol: cfg.Refresh.BenchmarkSymbol,
		CriticalSymbols: cfg.Refresh.CriticalSymbols,
	}, governor, q, market, log)

	// A nil indexer must stay a nil interface, or sink != nil checks lie.
	var sink refresh.ReportSink
	indexer, err := reports.NewIndexer(cfg.Elasticsearch, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create report indexer: %w", err)
	}
	if indexer != nil {
		sink = indexer
	}

	return &app{
		cfg:       cfg,
		logger:    log,
		db:        db,
		redis:     redisClient,
		cache:     cacheStore,
		tasks:     tasks,
		budgets:   budgets,
		market:    market,
		governor:  governor,
		queue:     q,
		refresh:   refreshSvc,
		assessor:  quality.NewAssessor(market),
		health:    health.NewAggregator(market, cacheStore),
		fetcher:   fetcher,
		sink:      sink,
		telemetry: tel,
	}, nil
}

// close releases the app's connections.
func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
