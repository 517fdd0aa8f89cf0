package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/voicebridge/campaign-engine/internal/api"
	"github.com/voicebridge/campaign-engine/internal/billing"
	"github.com/voicebridge/campaign-engine/internal/campaign"
	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/internal/db"
	"github.com/voicebridge/campaign-engine/internal/health"
	"github.com/voicebridge/campaign-engine/internal/metrics"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/internal/provider"
	"github.com/voicebridge/campaign-engine/internal/registry"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

var (
	configFile string
	initDB     bool
	serveMode  bool
	verbose    bool

	// Global services
	database   *db.DB
	cache      *db.Cache
	appConfig  *config.Config
	ledger     *billing.Ledger
	creds      *provider.CredentialService
	gateway    *provider.Gateway
	reg        *registry.Registry
	warmer     *registry.Warmer
	store      *campaign.Store
	runner     *campaign.Runner
	manager    *campaign.Manager
	sweeper    *campaign.Sweeper
	apiServer  *api.Server
	healthSvc  *health.HealthService
	metricsSvc *metrics.PrometheusMetrics
)

func main() {
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.BoolVar(&initDB, "init-db", false, "Initialize database schema")
	flag.BoolVar(&serveMode, "serve", false, "Run the engine worker")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	// Flags mean server mode; bare invocation is the operator CLI.
	if flag.NFlag() > 0 {
		runServerMode()
		return
	}

	runCLI()
}

func runServerMode() {
	ctx := context.Background()

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logConfig := logger.Config{
		Level:  viper.GetString("monitoring.logging.level"),
		Format: viper.GetString("monitoring.logging.format"),
		Output: viper.GetString("monitoring.logging.output"),
		File: logger.FileConfig{
			Enabled:    viper.GetBool("monitoring.logging.file.enabled"),
			Path:       viper.GetString("monitoring.logging.file.path"),
			MaxSize:    viper.GetInt("monitoring.logging.file.max_size"),
			MaxBackups: viper.GetInt("monitoring.logging.file.max_backups"),
			MaxAge:     viper.GetInt("monitoring.logging.file.max_age"),
			Compress:   viper.GetBool("monitoring.logging.file.compress"),
		},
	}

	if verbose {
		logConfig.Level = "debug"
	}

	if err := logger.Init(logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := initializeServices(ctx); err != nil {
		logger.Fatal("Failed to initialize services: ", err)
	}

	if initDB {
		logger.Info("Initializing database schema")
		if err := db.RunMigrations(database.DB); err != nil {
			logger.Fatal("Failed to run migrations: ", err)
		}
		logger.Info("Database initialization completed")
		return
	}

	if serveMode {
		runEngine(ctx)
		return
	}

	fmt.Println("Usage:")
	fmt.Println("  engine [command] [flags]")
	fmt.Println("  engine -serve            # Run the engine worker")
	fmt.Println("  engine -init-db          # Initialize database")
	fmt.Println("")
	fmt.Println("Run 'engine --help' for more information")
}

func initializeServices(ctx context.Context) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	appConfig = cfg

	dbConfig := db.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Username:        cfg.Database.Username,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		RetryAttempts:   cfg.Database.RetryAttempts,
		RetryDelay:      cfg.Database.RetryDelay,
	}

	if err := db.Initialize(dbConfig); err != nil {
		return err
	}
	database = db.GetDB()

	cacheConfig := db.CacheConfig{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
	}

	if err := db.InitializeCache(cacheConfig, "campaign-engine"); err != nil {
		logger.WithError(err).Warn("Failed to initialize Redis cache, running degraded")
	}
	cache = db.GetCache()

	metricsSvc = metrics.NewPrometheusMetrics()

	ledger = billing.NewLedger(database.DB, cfg.Engine.CreditPerSecond)
	creds = provider.NewCredentialService(database.DB, cache, cfg.Providers)
	gateway = provider.NewGateway(creds, cfg.Providers, cfg.Engine.ProviderRetryMax)

	reg = registry.New(database.DB, cache, ledger, metricsSvc, gateway, registry.Config{
		MaxGlobal:     cfg.Engine.MaxGlobalConcurrentCalls,
		MaxPerTenant:  cfg.Engine.MaxPerTenantConcurrentCalls,
		StateTimeouts: stateTimeouts(cfg.Engine),
		Retention:     cfg.Engine.CallRetention(),
		ReapInterval:  cfg.Engine.ReapInterval(),
	})

	warmer = registry.NewWarmer(cfg.Engine.WarmupMaxAttempts, cfg.Engine.WarmupBackoff(), 5*time.Second)
	store = campaign.NewStore(database.DB, cache)
	runner = campaign.NewRunner(store, reg, warmer, gateway, ledger, metricsSvc, cfg.Engine, cfg.API.PublicBaseURL)

	return nil
}

func stateTimeouts(e config.EngineConfig) map[models.CallState]time.Duration {
	timeouts := make(map[models.CallState]time.Duration, len(e.CallStateTimeoutsMs))
	for state := range e.CallStateTimeoutsMs {
		timeouts[models.CallState(state)] = e.CallStateTimeout(models.CallState(state))
	}
	return timeouts
}

func runEngine(ctx context.Context) {
	logger.WithField("runner_id", appConfig.Engine.RunnerID).Info("Starting campaign engine")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	manager = campaign.NewManager(ctx, runner)
	sweeper = campaign.NewSweeper(store, manager, cache, metricsSvc, appConfig.Engine)
	apiServer = api.NewServer(store, manager, reg, ledger, gateway, creds, warmer, metricsSvc, appConfig)

	if appConfig.Monitoring.Health.Enabled {
		healthSvc = health.NewHealthService(appConfig.Monitoring.Health.Port)

		healthSvc.RegisterLivenessCheck("database", health.CheckFunc(func(ctx context.Context) error {
			if !database.IsHealthy() {
				return fmt.Errorf("database not healthy")
			}
			return database.PingContext(ctx)
		}))

		healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
			return database.PingContext(ctx)
		}))

		go healthSvc.Start()
	}

	if appConfig.Monitoring.Metrics.Enabled {
		go metricsSvc.ServeHTTP(appConfig.Monitoring.Metrics.Port)
	}

	go sweeper.Run(ctx)
	go reg.RunReaper(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("Shutting down campaign engine")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("API server exited")
		}
	}

	cancel()
	manager.Shutdown()

	if healthSvc != nil {
		healthSvc.Stop()
	}

	logger.Info("Shutdown complete")
}

func runCLI() {
	rootCmd := &cobra.Command{
		Use:   "engine",
		Short: "Outbound campaign calling engine",
		Long:  "Multi-tenant outbound calling engine with campaign orchestration, billing and provider failover",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")

	rootCmd.AddCommand(
		createCampaignCommands(),
		createCallsCommand(),
		createBalanceCommands(),
		createCredentialCommands(),
		createMonitorCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
