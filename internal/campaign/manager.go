package campaign

import (
	"context"
	"sync"

	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// Manager owns one goroutine per campaign this process is driving. Starting
// an already-driven campaign is a no-op, so the API, the sweeper, and a
// resume request can all hand campaigns in without coordination.
type Manager struct {
	runner *Runner

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
}

func NewManager(ctx context.Context, runner *Runner) *Manager {
	return &Manager{
		runner:  runner,
		active:  make(map[string]context.CancelFunc),
		baseCtx: ctx,
	}
}

// Start launches the runner for a campaign unless it is already running here.
func (m *Manager) Start(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.active[campaignID]; running {
		return
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.active[campaignID] = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, campaignID)
			m.mu.Unlock()
		}()

		if err := m.runner.Run(ctx, campaignID); err != nil {
			logger.WithContext(ctx).WithError(err).
				WithField("campaign_id", campaignID).
				Error("Campaign runner exited with error")
		}
	}()
}

// Stop cancels the local runner for a campaign, if any.
func (m *Manager) Stop(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.active[campaignID]; ok {
		cancel()
	}
}

// Running reports whether this process is driving the campaign.
func (m *Manager) Running(campaignID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[campaignID]
	return ok
}

// ActiveCount returns the number of locally driven campaigns.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels every runner and waits for them to unwind.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
