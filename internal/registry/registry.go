package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/voicebridge/campaign-engine/internal/billing"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// nonTerminalStates is the set counted against the concurrency ceilings.
const nonTerminalStates = "'initiating','warming','ringing','ongoing'"

// Registry tracks every in-flight call and drives the call state machine.
// The active_calls table is authoritative; all transitions are conditional
// updates keyed on the current state, so duplicate webhook deliveries and
// reaper races resolve to no-ops.
type Registry struct {
	db      *sql.DB
	cache   CacheInterface
	ledger  *billing.Ledger
	metrics MetricsInterface
	slots   SlotListener
	config  Config
}

// Config holds the registry tunables.
type Config struct {
	MaxGlobal     int
	MaxPerTenant  int
	StateTimeouts map[models.CallState]time.Duration
	Retention     time.Duration
	ReapInterval  time.Duration
}

type CacheInterface interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// SlotListener is notified when a call takes or releases a provider slot.
// Used to keep the gateway's least-connections counters warm.
type SlotListener interface {
	IncrementActive(p models.Provider)
	DecrementActive(p models.Provider)
}

// AdmitRequest describes the call to admit.
type AdmitRequest struct {
	TenantID     string
	CampaignID   string
	ContactIndex int
	FromNumber   string
	ToNumber     string
	Provider     models.Provider
}

func New(db *sql.DB, cache CacheInterface, ledger *billing.Ledger, metrics MetricsInterface, slots SlotListener, config Config) *Registry {
	return &Registry{
		db:      db,
		cache:   cache,
		ledger:  ledger,
		metrics: metrics,
		slots:   slots,
		config:  config,
	}
}

// TryAdmit checks the tenant balance and both concurrency ceilings, then
// inserts the call in state initiating. Count and insert run in one
// serializable transaction so two concurrent admissions cannot both squeeze
// under a ceiling.
func (r *Registry) TryAdmit(ctx context.Context, req AdmitRequest) (*models.ActiveCall, error) {
	log := logger.WithContext(ctx).WithFields(map[string]interface{}{
		"tenant_id":   req.TenantID,
		"campaign_id": req.CampaignID,
		"to":          req.ToNumber,
	})

	// Balance gate first; it is the cheaper check and the caller reacts to
	// it differently (auto-pause vs backpressure).
	if err := r.ledger.Admit(ctx, req.TenantID); err != nil {
		if errors.Is(err, errors.ErrInsufficientBalance) {
			r.metrics.IncrementCounter("registry_admissions_rejected", map[string]string{
				"reason": "insufficient_balance",
			})
		}
		return nil, err
	}

	callID := uuid.NewString()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to start admission transaction")
	}
	defer tx.Rollback()

	var globalCount int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM active_calls WHERE state IN ("+nonTerminalStates+")",
	).Scan(&globalCount); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to count active calls")
	}

	if globalCount >= r.config.MaxGlobal {
		r.metrics.IncrementCounter("registry_admissions_rejected", map[string]string{
			"reason": "global_ceiling",
		})
		return nil, errors.New(errors.ErrConcurrencyFull, "global concurrency ceiling reached").
			WithStatusCode(429).
			WithContext("active", globalCount).
			WithContext("max", r.config.MaxGlobal)
	}

	var tenantCount int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM active_calls WHERE state IN ("+nonTerminalStates+") AND tenant_id = ?",
		req.TenantID).Scan(&tenantCount); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to count tenant calls")
	}

	if tenantCount >= r.config.MaxPerTenant {
		r.metrics.IncrementCounter("registry_admissions_rejected", map[string]string{
			"reason": "tenant_ceiling",
		})
		return nil, errors.New(errors.ErrConcurrencyFull, "tenant concurrency ceiling reached").
			WithStatusCode(429).
			WithContext("tenant_id", req.TenantID).
			WithContext("active", tenantCount).
			WithContext("max", r.config.MaxPerTenant)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO active_calls (call_id, tenant_id, campaign_id, contact_index, from_number, to_number, provider, state, state_since, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'initiating', ?, ?)`,
		callID, req.TenantID, req.CampaignID, req.ContactIndex,
		req.FromNumber, req.ToNumber, req.Provider, now, now,
	); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to insert active call")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to commit admission")
	}

	if r.slots != nil {
		r.slots.IncrementActive(req.Provider)
	}

	r.metrics.IncrementCounter("registry_admissions_total", map[string]string{
		"provider": string(req.Provider),
	})
	r.metrics.SetGauge("registry_active_calls", float64(globalCount+1), nil)

	log.WithField("call_id", callID).Info("Call admitted")

	return &models.ActiveCall{
		CallID:       callID,
		TenantID:     req.TenantID,
		CampaignID:   req.CampaignID,
		ContactIndex: req.ContactIndex,
		FromNumber:   req.FromNumber,
		ToNumber:     req.ToNumber,
		Provider:     req.Provider,
		State:        models.CallStateInitiating,
		StateSince:   now,
		StartedAt:    now,
	}, nil
}

// AttachProviderRef records the provider-assigned call identifier.
func (r *Registry) AttachProviderRef(ctx context.Context, callID, providerCallRef string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE active_calls SET provider_call_ref = ? WHERE call_id = ?",
		providerCallRef, callID)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to attach provider ref")
	}
	return nil
}

// MarkRinging moves the call out of the pre-dial states once the provider
// accepted the dial.
func (r *Registry) MarkRinging(ctx context.Context, callID string) error {
	return r.transition(ctx, callID,
		[]models.CallState{models.CallStateInitiating, models.CallStateWarming},
		models.CallStateRinging, transitionFields{})
}

// MarkFailed forces a non-terminal call into failed with the given reason
// and releases its provider slot. Used by the runner for provider rejections
// and warmup exhaustion, where no hangup webhook will ever arrive.
func (r *Registry) MarkFailed(ctx context.Context, callID, reason string) error {
	call, err := r.Get(ctx, callID)
	if err != nil {
		return err
	}

	now := time.Now()
	err = r.transition(ctx, callID,
		[]models.CallState{models.CallStateInitiating, models.CallStateWarming, models.CallStateRinging, models.CallStateOngoing},
		models.CallStateFailed, transitionFields{failureReason: reason, endedAt: &now})
	if err != nil {
		return err
	}

	r.releaseSlot(call.Provider)
	r.metrics.IncrementCounter("registry_calls_failed", map[string]string{"reason": reason})
	return nil
}

// OnEvent applies a normalized provider webhook to the state machine.
// Deliveries are idempotent: a transition whose source state no longer
// matches affects zero rows and is dropped.
func (r *Registry) OnEvent(ctx context.Context, ev Event) error {
	log := logger.WithContext(ctx).WithFields(map[string]interface{}{
		"call_id": ev.CallID,
		"event":   string(ev.Type),
	})

	call, err := r.Get(ctx, ev.CallID)
	if err != nil {
		return err
	}

	if ev.ProviderCallRef != "" && call.ProviderCallRef == "" {
		if err := r.AttachProviderRef(ctx, ev.CallID, ev.ProviderCallRef); err != nil {
			log.WithError(err).Warn("Failed to attach provider ref from webhook")
		}
	}

	r.metrics.IncrementCounter("registry_webhook_events", map[string]string{
		"event":    string(ev.Type),
		"provider": string(call.Provider),
	})

	switch ev.Type {
	case models.EventRing:
		// Idempotent ack; refresh the reaper clock while still ringing.
		_, err := r.db.ExecContext(ctx,
			"UPDATE active_calls SET state_since = ? WHERE call_id = ? AND state = 'ringing'",
			time.Now(), ev.CallID)
		if err != nil {
			return errors.Wrap(err, errors.ErrDatabase, "failed to refresh ringing state")
		}
		return nil

	case models.EventAnswered:
		now := time.Now()
		return r.transition(ctx, ev.CallID,
			[]models.CallState{models.CallStateRinging},
			models.CallStateOngoing, transitionFields{answeredAt: &now})

	case models.EventHangup:
		return r.onHangup(ctx, call, ev)

	case models.EventRecording:
		if ev.RecordingURL != "" {
			_, err := r.db.ExecContext(ctx,
				"UPDATE active_calls SET recording_url = ? WHERE call_id = ?",
				ev.RecordingURL, ev.CallID)
			if err != nil {
				return errors.Wrap(err, errors.ErrDatabase, "failed to store recording url")
			}
		}
		return nil
	}

	return errors.New(errors.ErrInternal, "unknown webhook event").
		WithContext("event", string(ev.Type))
}

// Event is the registry's view of a normalized webhook.
type Event struct {
	CallID          string
	Type            models.WebhookEvent
	ProviderCallRef string
	DurationSeconds int
	HangupCause     string
	RecordingURL    string
}

func (r *Registry) onHangup(ctx context.Context, call *models.ActiveCall, ev Event) error {
	log := logger.WithContext(ctx).WithField("call_id", ev.CallID)
	now := time.Now()

	// Answered call hanging up completes; ringing call hanging up failed
	// without answer. Anything else is a duplicate delivery.
	//
	// Completion and its debit share one transaction: when the debit cannot
	// be applied the transition rolls back too, the call stays ongoing, and
	// the provider's redelivery repeats both.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to start hangup transaction")
	}
	defer tx.Rollback()

	err = r.transitionIn(ctx, tx, ev.CallID,
		[]models.CallState{models.CallStateOngoing},
		models.CallStateCompleted, transitionFields{
			endedAt:      &now,
			hangupCause:  ev.HangupCause,
			recordingURL: ev.RecordingURL,
		})

	if err == nil {
		if _, derr := r.ledger.DebitTx(ctx, tx, call.TenantID, ev.CallID, ev.DurationSeconds,
			billingKind(call.CampaignID), call.CampaignID); derr != nil {
			log.WithError(derr).Error("Failed to debit completed call")
			return derr
		}
		if cerr := tx.Commit(); cerr != nil {
			return errors.Wrap(cerr, errors.ErrDatabase, "failed to commit hangup")
		}
		r.releaseSlot(call.Provider)
		r.metrics.ObserveHistogram("registry_call_duration", float64(ev.DurationSeconds), map[string]string{
			"provider": string(call.Provider),
		})
		return nil
	}

	if !errors.Is(err, errors.ErrConflict) {
		return err
	}
	tx.Rollback()

	err = r.transition(ctx, ev.CallID,
		[]models.CallState{models.CallStateInitiating, models.CallStateWarming, models.CallStateRinging},
		models.CallStateFailed, transitionFields{
			failureReason: models.FailureNotAnswered,
			endedAt:       &now,
			hangupCause:   ev.HangupCause,
		})

	if err == nil {
		r.releaseSlot(call.Provider)
		r.metrics.IncrementCounter("registry_calls_failed", map[string]string{
			"reason": models.FailureNotAnswered,
		})
		return nil
	}

	if errors.Is(err, errors.ErrConflict) {
		// Already terminal; duplicate hangup.
		log.Debug("Duplicate hangup delivery ignored")
		return nil
	}

	return err
}

type transitionFields struct {
	failureReason string
	hangupCause   string
	recordingURL  string
	answeredAt    *time.Time
	endedAt       *time.Time
}

// execer lets transitions run on the pool or inside a caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// transition performs the conditional state update. Returns ErrConflict when
// the call is not in any of the expected source states.
func (r *Registry) transition(ctx context.Context, callID string, from []models.CallState, to models.CallState, fields transitionFields) error {
	return r.transitionIn(ctx, r.db, callID, from, to, fields)
}

func (r *Registry) transitionIn(ctx context.Context, ex execer, callID string, from []models.CallState, to models.CallState, fields transitionFields) error {
	query := "UPDATE active_calls SET state = ?, state_since = ?"
	args := []interface{}{to, time.Now()}

	if fields.failureReason != "" {
		query += ", failure_reason = ?"
		args = append(args, fields.failureReason)
	}
	if fields.hangupCause != "" {
		query += ", hangup_cause = ?"
		args = append(args, fields.hangupCause)
	}
	if fields.recordingURL != "" {
		query += ", recording_url = ?"
		args = append(args, fields.recordingURL)
	}
	if fields.answeredAt != nil {
		query += ", answered_at = ?"
		args = append(args, *fields.answeredAt)
	}
	if fields.endedAt != nil {
		query += ", ended_at = ?"
		args = append(args, *fields.endedAt)
	}

	query += " WHERE call_id = ? AND state IN ("
	args = append(args, callID)
	for i, s := range from {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, s)
	}
	query += ")"

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to apply call transition")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to read transition result")
	}
	if n == 0 {
		return errors.New(errors.ErrConflict, "call not in expected state").
			WithContext("call_id", callID).
			WithContext("target", string(to))
	}

	r.metrics.IncrementCounter("registry_transitions_total", map[string]string{
		"target": string(to),
	})

	return nil
}

func (r *Registry) releaseSlot(p models.Provider) {
	if r.slots != nil {
		r.slots.DecrementActive(p)
	}
}

func billingKind(campaignID string) models.BillingKind {
	if campaignID == "" {
		return models.BillingKindTest
	}
	return models.BillingKindCampaign
}

// Get loads a call by engine id.
func (r *Registry) Get(ctx context.Context, callID string) (*models.ActiveCall, error) {
	var c models.ActiveCall
	err := r.db.QueryRowContext(ctx, `
		SELECT id, call_id, provider_call_ref, tenant_id, campaign_id, contact_index,
		       from_number, to_number, provider, state, state_since, started_at,
		       answered_at, ended_at, failure_reason, hangup_cause, recording_url,
		       billing_duration, billed
		FROM active_calls WHERE call_id = ?`, callID).Scan(
		&c.ID, &c.CallID, &c.ProviderCallRef, &c.TenantID, &c.CampaignID, &c.ContactIndex,
		&c.FromNumber, &c.ToNumber, &c.Provider, &c.State, &c.StateSince, &c.StartedAt,
		&c.AnsweredAt, &c.EndedAt, &c.FailureReason, &c.HangupCause, &c.RecordingURL,
		&c.BillingDuration, &c.Billed,
	)

	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCallNotFound, "call not found").
			WithStatusCode(404).
			WithContext("call_id", callID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to load call")
	}

	return &c, nil
}

// Snapshot counts calls by state, optionally scoped to one tenant.
func (r *Registry) Snapshot(ctx context.Context, tenantID string) (*models.CallSnapshot, error) {
	query := "SELECT state, COUNT(*) FROM active_calls"
	args := []interface{}{}
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " GROUP BY state"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query snapshot")
	}
	defer rows.Close()

	snap := &models.CallSnapshot{
		TenantID: tenantID,
		ByState:  make(map[models.CallState]int),
	}

	for rows.Next() {
		var state models.CallState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			continue
		}
		snap.ByState[state] = count
		if !state.IsTerminal() {
			snap.NonTerminal += count
		}
	}

	return snap, nil
}

// Reap moves calls stuck past their per-state timeout into timeout state,
// billing answered ones, and purges terminal rows past retention. The reaper
// is the sole timeout authority.
func (r *Registry) Reap(ctx context.Context, now time.Time) (int, error) {
	log := logger.WithContext(ctx)
	reaped := 0

	for state, timeout := range r.config.StateTimeouts {
		if state.IsTerminal() || timeout <= 0 {
			continue
		}

		cutoff := now.Add(-timeout)
		rows, err := r.db.QueryContext(ctx, `
			SELECT call_id, tenant_id, campaign_id, provider, answered_at
			FROM active_calls WHERE state = ? AND state_since < ?`,
			state, cutoff)
		if err != nil {
			return reaped, errors.Wrap(err, errors.ErrDatabase, "failed to query stale calls")
		}

		type staleCall struct {
			callID     string
			tenantID   string
			campaignID string
			provider   models.Provider
			answeredAt *time.Time
		}
		stale := make([]staleCall, 0)
		for rows.Next() {
			var c staleCall
			if err := rows.Scan(&c.callID, &c.tenantID, &c.campaignID, &c.provider, &c.answeredAt); err == nil {
				stale = append(stale, c)
			}
		}
		rows.Close()

		for _, c := range stale {
			// Timeout and debit commit together; a failed debit leaves the
			// call non-terminal for the next pass instead of purging unbilled.
			tx, err := r.db.BeginTx(ctx, nil)
			if err != nil {
				log.WithError(err).Error("Failed to start reap transaction")
				continue
			}

			err = r.transitionIn(ctx, tx, c.callID, []models.CallState{state},
				models.CallStateTimeout, transitionFields{
					failureReason: models.FailureTimeout,
					endedAt:       &now,
				})
			if errors.Is(err, errors.ErrConflict) {
				tx.Rollback()
				continue // lost the race to a webhook
			}
			if err != nil {
				tx.Rollback()
				log.WithError(err).WithField("call_id", c.callID).Error("Failed to reap call")
				continue
			}

			if c.answeredAt != nil {
				duration := int(now.Sub(*c.answeredAt).Seconds())
				if _, derr := r.ledger.DebitTx(ctx, tx, c.tenantID, c.callID, duration,
					billingKind(c.campaignID), c.campaignID); derr != nil {
					tx.Rollback()
					log.WithError(derr).WithField("call_id", c.callID).Error("Failed to debit reaped call")
					continue
				}
			}

			if err := tx.Commit(); err != nil {
				log.WithError(err).WithField("call_id", c.callID).Error("Failed to commit reap")
				continue
			}

			r.releaseSlot(c.provider)
			reaped++

			r.metrics.IncrementCounter("registry_calls_timeout", map[string]string{
				"state": string(state),
			})
		}
	}

	if reaped > 0 {
		log.WithField("count", reaped).Warn("Reaped stale calls")
	}

	if r.config.Retention > 0 {
		res, err := r.db.ExecContext(ctx,
			"DELETE FROM active_calls WHERE state IN ('completed','failed','timeout') AND ended_at < ?",
			now.Add(-r.config.Retention))
		if err != nil {
			log.WithError(err).Warn("Failed to purge terminal calls")
		} else if n, _ := res.RowsAffected(); n > 0 {
			log.WithField("count", n).Debug("Purged terminal calls")
		}
	}

	return reaped, nil
}

// RunReaper ticks Reap until the context ends. A short redis lease keeps
// multiple workers from reaping the same tick.
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unlock, err := r.cache.Lock(ctx, "reaper", r.config.ReapInterval)
			if err != nil {
				continue // another worker holds the tick
			}
			if _, err := r.Reap(ctx, time.Now()); err != nil {
				logger.WithContext(ctx).WithError(err).Error("Reaper pass failed")
			}
			unlock()
		}
	}
}

// ListActive returns non-terminal calls, newest first, for dashboards.
func (r *Registry) ListActive(ctx context.Context, tenantID string, limit int) ([]*models.ActiveCall, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, call_id, provider_call_ref, tenant_id, campaign_id, contact_index,
		       from_number, to_number, provider, state, state_since, started_at,
		       answered_at, ended_at, failure_reason, hangup_cause, recording_url,
		       billing_duration, billed
		FROM active_calls WHERE state IN (%s)`, nonTerminalStates)
	args := []interface{}{}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list active calls")
	}
	defer rows.Close()

	calls := make([]*models.ActiveCall, 0)
	for rows.Next() {
		var c models.ActiveCall
		if err := rows.Scan(
			&c.ID, &c.CallID, &c.ProviderCallRef, &c.TenantID, &c.CampaignID, &c.ContactIndex,
			&c.FromNumber, &c.ToNumber, &c.Provider, &c.State, &c.StateSince, &c.StartedAt,
			&c.AnsweredAt, &c.EndedAt, &c.FailureReason, &c.HangupCause, &c.RecordingURL,
			&c.BillingDuration, &c.Billed,
		); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to scan active call")
			continue
		}
		calls = append(calls, &c)
	}

	return calls, nil
}
