package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/voicebridge/campaign-engine/internal/billing"
	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/internal/provider"
	"github.com/voicebridge/campaign-engine/internal/registry"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Runner drives one campaign at a time through its contact list: admit,
// warm the bot, dial, advance the cursor, repeat. All campaign state lives
// in the store, so a runner can die at any point and a successor resumes
// from the cursor.
type Runner struct {
	store   *Store
	reg     *registry.Registry
	warmer  *registry.Warmer
	port    provider.Port
	ledger  *billing.Ledger
	metrics MetricsInterface
	cfg     config.EngineConfig
	baseURL string
}

func NewRunner(store *Store, reg *registry.Registry, warmer *registry.Warmer, port provider.Port, ledger *billing.Ledger, metrics MetricsInterface, cfg config.EngineConfig, publicBaseURL string) *Runner {
	return &Runner{
		store:   store,
		reg:     reg,
		warmer:  warmer,
		port:    port,
		ledger:  ledger,
		metrics: metrics,
		cfg:     cfg,
		baseURL: publicBaseURL,
	}
}

// Run claims the campaign and drives it until it finishes, pauses, is
// cancelled, or ownership is lost. Returns nil on any orderly stop.
func (r *Runner) Run(ctx context.Context, campaignID string) error {
	log := logger.WithContext(ctx).WithFields(map[string]interface{}{
		"campaign_id": campaignID,
		"runner_id":   r.cfg.RunnerID,
	})

	if err := r.store.ClaimRunnership(ctx, campaignID, r.cfg.RunnerID,
		models.CampaignStatusRunning, r.cfg.OrphanThreshold()); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			log.Debug("Campaign already owned, skipping")
			return nil
		}
		return err
	}

	// Heartbeat in the background; a failed beat means ownership was lost
	// and the drive loop must stop before it double-dials contacts.
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.heartbeatLoop(hbCtx, campaignID, cancel)

	err := r.drive(hbCtx, campaignID)
	if err != nil && !errors.Is(err, errors.ErrConflict) && ctx.Err() == nil {
		log.WithError(err).Error("Campaign run failed")
		r.store.SetStatus(ctx, campaignID, StatusChange{
			To:     models.CampaignStatusFailed,
			Reason: "runner_error",
		})
		if lerr := r.ledger.CompleteCampaignLedger(ctx, campaignID); lerr != nil {
			log.WithError(lerr).Error("Failed to finalize campaign ledger")
		}
		return err
	}

	r.store.ReleaseRunnership(context.Background(), campaignID, r.cfg.RunnerID)
	return nil
}

func (r *Runner) heartbeatLoop(ctx context.Context, campaignID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Heartbeat(ctx, campaignID, r.cfg.RunnerID); err != nil {
				if errors.Is(err, errors.ErrConflict) {
					logger.WithContext(ctx).WithField("campaign_id", campaignID).
						Warn("Lost campaign ownership, stopping runner")
					cancel()
					return
				}
				logger.WithContext(ctx).WithError(err).Warn("Heartbeat write failed")
			}
		}
	}
}

func (r *Runner) drive(ctx context.Context, campaignID string) error {
	log := logger.WithContext(ctx).WithField("campaign_id", campaignID)

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Beat on every iteration, not just the ticker, so a loop dominated
		// by pacing and backpressure sleeps still proves liveness.
		if err := r.store.Heartbeat(ctx, campaignID, r.cfg.RunnerID); err != nil {
			if errors.Is(err, errors.ErrConflict) {
				log.Warn("Lost campaign ownership, stopping runner")
				return nil
			}
			log.WithError(err).Warn("Heartbeat write failed")
		}

		c, err := r.store.Get(ctx, campaignID)
		if err != nil {
			return err
		}

		switch c.Status {
		case models.CampaignStatusRunning:
		case models.CampaignStatusPaused:
			log.WithField("reason", c.StatusReason).Info("Campaign paused, runner stopping")
			return nil
		default:
			log.WithField("status", string(c.Status)).Info("Campaign no longer running")
			// Cancelled and failed campaigns still owe their aggregated
			// ledger row for the debits accumulated so far.
			if err := r.ledger.CompleteCampaignLedger(ctx, campaignID); err != nil {
				log.WithError(err).Error("Failed to finalize campaign ledger")
				return err
			}
			return nil
		}

		if c.CurrentIndex >= c.TotalContacts {
			return r.complete(ctx, campaignID)
		}

		contacts, err := r.store.ContactsFrom(ctx, c.ListID, c.CurrentIndex, r.cfg.ContactPageSize)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			// Cursor past the last stored contact; the list is shorter than
			// total_contacts claimed. Treat as done rather than spin.
			log.Warn("Contact list exhausted before total, completing")
			return r.complete(ctx, campaignID)
		}

		for _, contact := range contacts {
			if ctx.Err() != nil {
				return nil
			}

			// Stale page after a reload or an external pause lands here.
			if contact.Index < c.CurrentIndex {
				continue
			}

			stop, err := r.attempt(ctx, c, contact)
			if err != nil {
				if errors.Is(err, errors.ErrStaleCursor) {
					break // reload the campaign, page again
				}
				return err
			}
			if stop {
				return nil
			}
			c.CurrentIndex = contact.Index + 1

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.cfg.InterCallPacing()):
			}
		}
	}
}

// attempt processes a single contact. Returns stop=true when the campaign
// must halt (pause, cancel, out of credit).
func (r *Runner) attempt(ctx context.Context, c *models.Campaign, contact *models.Contact) (bool, error) {
	log := logger.WithContext(ctx).WithFields(map[string]interface{}{
		"campaign_id":   c.ID,
		"contact_index": contact.Index,
	})

	prov := c.ProviderHint
	if prov == "" {
		picked, err := r.port.Pick(ctx, c.TenantID)
		if err != nil {
			return false, err
		}
		prov = picked
	}

	// Admission with backpressure: full ceilings block this contact until a
	// slot frees, they never skip it.
	var call *models.ActiveCall
	for {
		current, err := r.store.Get(ctx, c.ID)
		if err != nil {
			return false, err
		}
		if current.Status != models.CampaignStatusRunning {
			return true, nil
		}

		call, err = r.reg.TryAdmit(ctx, registry.AdmitRequest{
			TenantID:     c.TenantID,
			CampaignID:   c.ID,
			ContactIndex: contact.Index,
			FromNumber:   c.FromNumber,
			ToNumber:     contact.PhoneNumber,
			Provider:     prov,
		})
		if err == nil {
			break
		}

		if errors.Is(err, errors.ErrInsufficientBalance) {
			log.Info("Tenant out of credit, auto-pausing campaign")
			r.metrics.IncrementCounter("runner_autopause_total", map[string]string{
				"reason": models.PauseReasonOutOfCredit,
			})
			if perr := r.store.SetStatus(ctx, c.ID, StatusChange{
				To:     models.CampaignStatusPaused,
				Reason: models.PauseReasonOutOfCredit,
			}); perr != nil && !errors.Is(perr, errors.ErrInvalidState) {
				return true, perr
			}
			return true, nil
		}

		if errors.Is(err, errors.ErrConcurrencyFull) {
			select {
			case <-ctx.Done():
				return true, nil
			case <-time.After(r.cfg.BackpressureSleep()):
			}
			continue
		}

		return false, err
	}

	// Pre-dial failure paths record the failed attempt and move on; the
	// campaign never stalls on one bad contact.
	if err := r.reg.Warmup(ctx, r.warmer, call.CallID, c.BotEndpoint); err != nil {
		if errors.Is(err, errors.ErrBotNotReady) {
			return false, r.advance(ctx, c.ID, contact.Index, CursorCounters{Processed: 1, Failed: 1})
		}
		return false, err
	}

	creds, err := r.port.ResolveCredentials(ctx, c.TenantID, prov)
	if err != nil {
		return false, err
	}

	ref, err := r.port.PlaceCall(ctx, creds, c.FromNumber, contact.PhoneNumber, r.callbacks(prov, call.CallID))
	if err != nil {
		if errors.Is(err, errors.ErrProviderRejected) || errors.Is(err, errors.ErrProviderUnavailable) {
			log.WithError(err).Warn("Provider declined call")
			if ferr := r.reg.MarkFailed(ctx, call.CallID, models.FailureProviderRejected); ferr != nil && !errors.Is(ferr, errors.ErrConflict) {
				return false, ferr
			}
			return false, r.advance(ctx, c.ID, contact.Index, CursorCounters{Processed: 1, Failed: 1})
		}
		return false, err
	}

	if err := r.reg.AttachProviderRef(ctx, call.CallID, ref); err != nil {
		log.WithError(err).Warn("Failed to attach provider ref")
	}
	if err := r.reg.MarkRinging(ctx, call.CallID); err != nil && !errors.Is(err, errors.ErrConflict) {
		return false, err
	}

	r.metrics.IncrementCounter("runner_calls_placed", map[string]string{
		"provider": string(prov),
	})

	return false, r.advance(ctx, c.ID, contact.Index, CursorCounters{Processed: 1, Connected: 1})
}

func (r *Runner) advance(ctx context.Context, campaignID string, fromIndex int, counters CursorCounters) error {
	err := r.store.AdvanceCursor(ctx, campaignID, fromIndex, counters)
	if errors.Is(err, errors.ErrStaleCursor) {
		logger.WithContext(ctx).WithFields(map[string]interface{}{
			"campaign_id": campaignID,
			"from_index":  fromIndex,
		}).Warn("Cursor advanced elsewhere, reloading campaign")
		return err
	}
	return err
}

func (r *Runner) complete(ctx context.Context, campaignID string) error {
	log := logger.WithContext(ctx).WithField("campaign_id", campaignID)

	if err := r.store.SetStatus(ctx, campaignID, StatusChange{
		To: models.CampaignStatusCompleted,
	}); err != nil {
		if errors.Is(err, errors.ErrInvalidState) {
			return nil // someone else completed or cancelled first
		}
		return err
	}

	if err := r.ledger.CompleteCampaignLedger(ctx, campaignID); err != nil {
		log.WithError(err).Error("Failed to finalize campaign ledger")
		return err
	}

	r.metrics.IncrementCounter("runner_campaigns_completed", nil)
	log.Info("Campaign completed")
	return nil
}

func (r *Runner) callbacks(p models.Provider, callID string) provider.Callbacks {
	base := fmt.Sprintf("%s/webhooks/%s/%s", r.baseURL, p, callID)
	return provider.Callbacks{
		RingURL:        base + "/ring",
		StreamStartURL: base + "/stream-start",
		HangupURL:      base + "/hangup",
	}
}
