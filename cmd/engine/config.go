package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/campaign-engine")
	}

	viper.SetEnvPrefix("CAMPAIGN_ENGINE")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return nil
}

func setDefaults() {
	// Database defaults
	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.username", "engine")
	viper.SetDefault("database.password", "engine")
	viper.SetDefault("database.database", "campaign_engine")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.retry_attempts", 3)
	viper.SetDefault("database.retry_delay", "1s")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// API defaults
	viper.SetDefault("api.listen_address", "0.0.0.0")
	viper.SetDefault("api.port", 8085)
	viper.SetDefault("api.public_base_url", "http://localhost:8085")
	viper.SetDefault("api.read_timeout", "30s")
	viper.SetDefault("api.write_timeout", "30s")
	viper.SetDefault("api.shutdown_timeout", "15s")

	// Engine defaults
	viper.SetDefault("engine.max_global_concurrent_calls", 200)
	viper.SetDefault("engine.max_per_tenant_concurrent_calls", 20)
	viper.SetDefault("engine.heartbeat_interval_ms", 10000)
	viper.SetDefault("engine.orphan_threshold_ms", 60000)
	viper.SetDefault("engine.sweep_interval_ms", 30000)
	viper.SetDefault("engine.warmup_max_attempts", 3)
	viper.SetDefault("engine.warmup_backoff_ms", 1000)
	viper.SetDefault("engine.inter_call_pacing_ms", 500)
	viper.SetDefault("engine.backpressure_sleep_ms", 2000)
	viper.SetDefault("engine.provider_retry_max", 2)
	viper.SetDefault("engine.contact_page_size", 100)
	viper.SetDefault("engine.reap_interval_ms", 15000)
	viper.SetDefault("engine.call_retention_ms", 86400000)
	viper.SetDefault("engine.credit_per_second", 1)
	viper.SetDefault("engine.call_state_timeouts_ms", map[string]interface{}{
		"initiating": 30000,
		"warming":    30000,
		"ringing":    120000,
		"ongoing":    3600000,
	})

	// Provider defaults
	viper.SetDefault("providers.dial_timeout", "15s")
	viper.SetDefault("providers.plivo.enabled", false)
	viper.SetDefault("providers.twilio.enabled", false)

	// Monitoring defaults
	viper.SetDefault("monitoring.metrics.enabled", true)
	viper.SetDefault("monitoring.metrics.port", 9090)
	viper.SetDefault("monitoring.health.enabled", true)
	viper.SetDefault("monitoring.health.port", 8080)
	viper.SetDefault("monitoring.logging.level", "info")
	viper.SetDefault("monitoring.logging.format", "json")
}

// buildConfig maps the loaded viper tree onto the typed config and validates
// it. The runner id defaults to the hostname so a fleet gets distinct ids
// for free.
func buildConfig() (*config.Config, error) {
	runnerID := viper.GetString("engine.runner_id")
	if runnerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = fmt.Sprintf("runner-%d", os.Getpid())
		}
		runnerID = hostname
	}

	timeouts := make(map[string]int)
	for state := range viper.GetStringMap("engine.call_state_timeouts_ms") {
		timeouts[state] = viper.GetInt("engine.call_state_timeouts_ms." + state)
	}

	cfg := &config.Config{
		App: config.AppConfig{
			Name:        "campaign-engine",
			Environment: viper.GetString("app.environment"),
			Debug:       verbose,
		},
		Database: config.DatabaseConfig{
			Driver:          viper.GetString("database.driver"),
			Host:            viper.GetString("database.host"),
			Port:            viper.GetInt("database.port"),
			Username:        viper.GetString("database.username"),
			Password:        viper.GetString("database.password"),
			Database:        viper.GetString("database.database"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
			RetryAttempts:   viper.GetInt("database.retry_attempts"),
			RetryDelay:      viper.GetDuration("database.retry_delay"),
		},
		Redis: config.RedisConfig{
			Host:         viper.GetString("redis.host"),
			Port:         viper.GetInt("redis.port"),
			Password:     viper.GetString("redis.password"),
			DB:           viper.GetInt("redis.db"),
			PoolSize:     viper.GetInt("redis.pool_size"),
			MinIdleConns: viper.GetInt("redis.min_idle_conns"),
			MaxRetries:   viper.GetInt("redis.max_retries"),
		},
		API: config.APIConfig{
			ListenAddress:   viper.GetString("api.listen_address"),
			Port:            viper.GetInt("api.port"),
			PublicBaseURL:   viper.GetString("api.public_base_url"),
			ReadTimeout:     viper.GetDuration("api.read_timeout"),
			WriteTimeout:    viper.GetDuration("api.write_timeout"),
			ShutdownTimeout: viper.GetDuration("api.shutdown_timeout"),
		},
		Engine: config.EngineConfig{
			RunnerID:                    runnerID,
			MaxGlobalConcurrentCalls:    viper.GetInt("engine.max_global_concurrent_calls"),
			MaxPerTenantConcurrentCalls: viper.GetInt("engine.max_per_tenant_concurrent_calls"),
			HeartbeatIntervalMs:         viper.GetInt("engine.heartbeat_interval_ms"),
			OrphanThresholdMs:           viper.GetInt("engine.orphan_threshold_ms"),
			SweepIntervalMs:             viper.GetInt("engine.sweep_interval_ms"),
			WarmupMaxAttempts:           viper.GetInt("engine.warmup_max_attempts"),
			WarmupBackoffMs:             viper.GetInt("engine.warmup_backoff_ms"),
			InterCallPacingMs:           viper.GetInt("engine.inter_call_pacing_ms"),
			BackpressureSleepMs:         viper.GetInt("engine.backpressure_sleep_ms"),
			ProviderRetryMax:            viper.GetInt("engine.provider_retry_max"),
			ContactPageSize:             viper.GetInt("engine.contact_page_size"),
			ReapIntervalMs:              viper.GetInt("engine.reap_interval_ms"),
			CallRetentionMs:             viper.GetInt("engine.call_retention_ms"),
			CallStateTimeoutsMs:         timeouts,
			CreditPerSecond:             viper.GetInt64("engine.credit_per_second"),
		},
		Providers: config.ProvidersConfig{
			Plivo: config.ProviderDefault{
				AccountID: viper.GetString("providers.plivo.account_id"),
				AuthToken: viper.GetString("providers.plivo.auth_token"),
				Enabled:   viper.GetBool("providers.plivo.enabled"),
			},
			Twilio: config.ProviderDefault{
				AccountID: viper.GetString("providers.twilio.account_id"),
				AuthToken: viper.GetString("providers.twilio.auth_token"),
				Enabled:   viper.GetBool("providers.twilio.enabled"),
			},
			DialTimeout: viper.GetDuration("providers.dial_timeout"),
		},
	}

	cfg.Monitoring.Metrics.Enabled = viper.GetBool("monitoring.metrics.enabled")
	cfg.Monitoring.Metrics.Port = viper.GetInt("monitoring.metrics.port")
	cfg.Monitoring.Health.Enabled = viper.GetBool("monitoring.health.enabled")
	cfg.Monitoring.Health.Port = viper.GetInt("monitoring.health.port")
	cfg.Monitoring.Logging.Level = viper.GetString("monitoring.logging.level")
	cfg.Monitoring.Logging.Format = viper.GetString("monitoring.logging.format")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// initForCLI brings up just enough of the stack for the operator commands:
// config, a quiet logger, the database and the cache.
func initForCLI(ctx context.Context) error {
	if err := loadConfig(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: "error", Format: "text"}); err != nil {
		return err
	}

	return initializeServices(ctx)
}
