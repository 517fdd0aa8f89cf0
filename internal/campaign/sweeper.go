package campaign

import (
	"context"
	"time"

	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// Sweeper adopts running campaigns whose heartbeat went stale, so a crashed
// worker's campaigns resume from their cursor on a healthy one. A short
// redis lease keeps the fleet from racing on the same sweep tick; the
// conditional runnership claim inside the runner is the real arbiter.
type Sweeper struct {
	store   *Store
	manager *Manager
	cache   LockInterface
	metrics MetricsInterface
	cfg     config.EngineConfig
}

type LockInterface interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

func NewSweeper(store *Store, manager *Manager, cache LockInterface, metrics MetricsInterface, cfg config.EngineConfig) *Sweeper {
	return &Sweeper{
		store:   store,
		manager: manager,
		cache:   cache,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Run ticks until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"interval":  s.cfg.SweepInterval().String(),
		"threshold": s.cfg.OrphanThreshold().String(),
	}).Info("Orphan sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	unlock, err := s.cache.Lock(ctx, "sweeper", s.cfg.SweepInterval())
	if err != nil {
		return // another worker owns this tick
	}
	defer unlock()

	orphans, err := s.store.Orphans(ctx, s.cfg.OrphanThreshold())
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("Orphan sweep failed")
		return
	}

	for _, c := range orphans {
		if s.manager.Running(c.ID) {
			continue
		}

		logger.WithContext(ctx).WithFields(map[string]interface{}{
			"campaign_id":   c.ID,
			"stale_runner":  c.RunnerID,
			"current_index": c.CurrentIndex,
		}).Warn("Adopting orphaned campaign")

		s.metrics.IncrementCounter("sweeper_adoptions_total", nil)
		s.manager.Start(c.ID)
	}

	if len(orphans) > 0 {
		s.metrics.SetGauge("sweeper_orphans_seen", float64(len(orphans)), nil)
	}
}
