package config

import (
	"time"

	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	API        APIConfig
	Engine     EngineConfig
	Providers  ProvidersConfig
	Monitoring MonitoringConfig
}

type AppConfig struct {
	Name        string
	Version     string
	Environment string
	Debug       bool
}

type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

type APIConfig struct {
	ListenAddress   string
	Port            int
	PublicBaseURL   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// EngineConfig is the flat option set for the campaign engine. Durations are
// configured in milliseconds to match the wire config, converted on access.
type EngineConfig struct {
	RunnerID                    string
	MaxGlobalConcurrentCalls    int
	MaxPerTenantConcurrentCalls int
	HeartbeatIntervalMs         int
	OrphanThresholdMs           int
	SweepIntervalMs             int
	WarmupMaxAttempts           int
	WarmupBackoffMs             int
	InterCallPacingMs           int
	BackpressureSleepMs         int
	ProviderRetryMax            int
	ContactPageSize             int
	ReapIntervalMs              int
	CallRetentionMs             int
	CallStateTimeoutsMs         map[string]int
	CreditPerSecond             int64
}

func (e EngineConfig) HeartbeatInterval() time.Duration { return ms(e.HeartbeatIntervalMs) }
func (e EngineConfig) OrphanThreshold() time.Duration   { return ms(e.OrphanThresholdMs) }
func (e EngineConfig) SweepInterval() time.Duration     { return ms(e.SweepIntervalMs) }
func (e EngineConfig) WarmupBackoff() time.Duration     { return ms(e.WarmupBackoffMs) }
func (e EngineConfig) InterCallPacing() time.Duration   { return ms(e.InterCallPacingMs) }
func (e EngineConfig) BackpressureSleep() time.Duration { return ms(e.BackpressureSleepMs) }
func (e EngineConfig) ReapInterval() time.Duration      { return ms(e.ReapIntervalMs) }
func (e EngineConfig) CallRetention() time.Duration     { return ms(e.CallRetentionMs) }

// CallStateTimeout returns the reaper timeout for a call state, zero when the
// state carries no timeout.
func (e EngineConfig) CallStateTimeout(state models.CallState) time.Duration {
	if v, ok := e.CallStateTimeoutsMs[string(state)]; ok {
		return ms(v)
	}
	return 0
}

// MaxCallStateTimeout is the upper bound on time-to-terminal for any call.
func (e EngineConfig) MaxCallStateTimeout() time.Duration {
	max := 0
	for _, v := range e.CallStateTimeoutsMs {
		if v > max {
			max = v
		}
	}
	return ms(max)
}

type ProvidersConfig struct {
	// Process-wide defaults used when a tenant has no credential override.
	Plivo  ProviderDefault
	Twilio ProviderDefault
	// DialTimeout bounds a single placeCall HTTP attempt.
	DialTimeout time.Duration
}

type ProviderDefault struct {
	AccountID string
	AuthToken string
	Enabled   bool
}

type MonitoringConfig struct {
	Metrics struct {
		Enabled bool
		Port    int
		Path    string
	}
	Health struct {
		Enabled bool
		Port    int
	}
	Logging struct {
		Level  string
		Format string
		Output string
		File   struct {
			Enabled    bool
			Path       string
			MaxSize    int
			MaxBackups int
			MaxAge     int
			Compress   bool
		}
	}
}

// Validate enforces the cross-option constraints.
func (c *Config) Validate() error {
	if c.Engine.OrphanThresholdMs <= 2*c.Engine.HeartbeatIntervalMs {
		return errors.New(errors.ErrConfiguration,
			"orphan threshold must exceed twice the heartbeat interval")
	}
	if c.Engine.MaxGlobalConcurrentCalls <= 0 || c.Engine.MaxPerTenantConcurrentCalls <= 0 {
		return errors.New(errors.ErrConfiguration, "concurrency ceilings must be positive")
	}
	if c.Engine.CreditPerSecond <= 0 {
		return errors.New(errors.ErrConfiguration, "credit_per_second must be positive")
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
