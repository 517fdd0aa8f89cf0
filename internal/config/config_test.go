package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/voicebridge/campaign-engine/internal/models"
)

func validConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxGlobalConcurrentCalls:    100,
			MaxPerTenantConcurrentCalls: 10,
			HeartbeatIntervalMs:         10000,
			OrphanThresholdMs:           60000,
			CreditPerSecond:             1,
		},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateOrphanThresholdMustClearHeartbeat(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.OrphanThresholdMs = 20000 // exactly 2x, not enough
	assert.Error(t, cfg.Validate())

	cfg.Engine.OrphanThresholdMs = 20001
	assert.NoError(t, cfg.Validate())
}

func TestValidateCeilings(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.MaxGlobalConcurrentCalls = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Engine.MaxPerTenantConcurrentCalls = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateCreditRate(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.CreditPerSecond = 0
	assert.Error(t, cfg.Validate())
}

func TestDurationAccessors(t *testing.T) {
	e := EngineConfig{
		HeartbeatIntervalMs: 10000,
		OrphanThresholdMs:   60000,
		WarmupBackoffMs:     250,
	}

	assert.Equal(t, 10*time.Second, e.HeartbeatInterval())
	assert.Equal(t, time.Minute, e.OrphanThreshold())
	assert.Equal(t, 250*time.Millisecond, e.WarmupBackoff())
}

func TestCallStateTimeout(t *testing.T) {
	e := EngineConfig{
		CallStateTimeoutsMs: map[string]int{
			"ringing": 120000,
			"ongoing": 3600000,
		},
	}

	assert.Equal(t, 2*time.Minute, e.CallStateTimeout(models.CallStateRinging))
	assert.Equal(t, time.Hour, e.CallStateTimeout(models.CallStateOngoing))
	// States without a configured timeout never get reaped.
	assert.Equal(t, time.Duration(0), e.CallStateTimeout(models.CallStateCompleted))

	assert.Equal(t, time.Hour, e.MaxCallStateTimeout())
}
