package campaign

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

const campaignColumns = `id, tenant_id, name, list_id, from_number, provider_hint, bot_endpoint,
	total_contacts, current_index, processed_contacts, connected_count, failed_count,
	status, status_reason, COALESCE(runner_id, ''), heartbeat, total_credits,
	paused_at, resumed_at, cancelled_at, cancelled_by, last_activity, created_at, updated_at`

// Store persists campaign records. The cursor and counters have a single
// writer (the owning runner); ownership and lifecycle changes are conditional
// updates so losers of a race observe zero affected rows instead of
// clobbering state.
type Store struct {
	db    *sql.DB
	cache CacheInterface
}

type CacheInterface interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

func NewStore(db *sql.DB, cache CacheInterface) *Store {
	return &Store{db: db, cache: cache}
}

// CreateParams is the caller-supplied part of a new campaign.
type CreateParams struct {
	TenantID     string
	Name         string
	ListID       string
	FromNumber   string
	ProviderHint models.Provider
	BotEndpoint  string
}

// Create inserts a new running campaign with its contact count frozen at
// creation time. An empty list is allowed; the runner completes it on its
// first iteration without dialing anyone.
func (s *Store) Create(ctx context.Context, p CreateParams) (*models.Campaign, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM contacts WHERE list_id = ?", p.ListID).Scan(&total); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to count contacts")
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, list_id, from_number, provider_hint, bot_endpoint, total_contacts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'running')`,
		id, p.TenantID, p.Name, p.ListID, p.FromNumber, p.ProviderHint, p.BotEndpoint, total,
	); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to insert campaign")
	}

	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"campaign_id":    id,
		"tenant_id":      p.TenantID,
		"total_contacts": total,
	}).Info("Campaign created")

	return s.Get(ctx, id)
}

// Get loads one campaign by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	return scanCampaign(row)
}

func scanCampaign(row *sql.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.ListID, &c.FromNumber, &c.ProviderHint, &c.BotEndpoint,
		&c.TotalContacts, &c.CurrentIndex, &c.ProcessedContacts, &c.ConnectedCount, &c.FailedCount,
		&c.Status, &c.StatusReason, &c.RunnerID, &c.Heartbeat, &c.TotalCredits,
		&c.PausedAt, &c.ResumedAt, &c.CancelledAt, &c.CancelledBy, &c.LastActivity,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCampaignNotFound, "campaign not found").
			WithStatusCode(404)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to load campaign")
	}
	return &c, nil
}

// ClaimRunnership takes ownership of a campaign in the given status. The
// claim succeeds only when no runner holds it or the previous holder's
// heartbeat is older than staleAfter, so exactly one worker wins.
func (s *Store) ClaimRunnership(ctx context.Context, campaignID, runnerID string, status models.CampaignStatus, staleAfter time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET runner_id = ?, heartbeat = ?
		WHERE id = ? AND status = ?
		  AND (runner_id IS NULL OR runner_id = ? OR heartbeat IS NULL OR heartbeat < ?)`,
		runnerID, now, campaignID, status, runnerID, now.Add(-staleAfter))
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to claim campaign")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to read claim result")
	}
	if n == 0 {
		return errors.New(errors.ErrConflict, "campaign held by another runner").
			WithContext("campaign_id", campaignID).
			WithContext("runner_id", runnerID)
	}

	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"campaign_id": campaignID,
		"runner_id":   runnerID,
	}).Info("Campaign runnership claimed")

	return nil
}

// ReleaseRunnership clears the runner so a paused or finished campaign is
// not mistaken for orphaned.
func (s *Store) ReleaseRunnership(ctx context.Context, campaignID, runnerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE campaigns SET runner_id = NULL WHERE id = ? AND runner_id = ?",
		campaignID, runnerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to release campaign")
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp; fails when the runner lost
// ownership so it can stop instead of double-driving the campaign.
func (s *Store) Heartbeat(ctx context.Context, campaignID, runnerID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE campaigns SET heartbeat = ?, last_activity = ? WHERE id = ? AND runner_id = ?",
		time.Now(), time.Now(), campaignID, runnerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to write heartbeat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrConflict, "runner no longer owns campaign").
			WithContext("campaign_id", campaignID).
			WithContext("runner_id", runnerID)
	}
	return nil
}

// CursorCounters carries the per-attempt counter deltas advanced with the
// cursor.
type CursorCounters struct {
	Processed int
	Connected int
	Failed    int
}

// AdvanceCursor moves the cursor from fromIndex by one contact. The update
// is conditional on the current cursor value; ErrStaleCursor means another
// runner advanced it first and the caller must reload.
func (s *Store) AdvanceCursor(ctx context.Context, campaignID string, fromIndex int, counters CursorCounters) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET current_index = current_index + 1,
		    processed_contacts = processed_contacts + ?,
		    connected_count = connected_count + ?,
		    failed_count = failed_count + ?,
		    last_activity = ?
		WHERE id = ? AND current_index = ?`,
		counters.Processed, counters.Connected, counters.Failed,
		time.Now(), campaignID, fromIndex)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to advance cursor")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrStaleCursor, "cursor moved by another runner").
			WithContext("campaign_id", campaignID).
			WithContext("from_index", fromIndex)
	}

	return nil
}

// allowedTransitions maps each lifecycle change to its valid source states.
var allowedTransitions = map[models.CampaignStatus][]models.CampaignStatus{
	models.CampaignStatusPaused:    {models.CampaignStatusRunning},
	models.CampaignStatusRunning:   {models.CampaignStatusPaused},
	models.CampaignStatusCompleted: {models.CampaignStatusRunning},
	models.CampaignStatusCancelled: {models.CampaignStatusRunning, models.CampaignStatusPaused},
	models.CampaignStatusFailed:    {models.CampaignStatusRunning, models.CampaignStatusPaused},
}

// StatusChange describes one lifecycle transition.
type StatusChange struct {
	To          models.CampaignStatus
	Reason      string
	CancelledBy string
}

// SetStatus applies a lifecycle transition with its audit timestamp. The
// update is conditional on an allowed source status; an already-terminal
// campaign yields ErrInvalidState.
func (s *Store) SetStatus(ctx context.Context, campaignID string, change StatusChange) error {
	from, ok := allowedTransitions[change.To]
	if !ok {
		return errors.New(errors.ErrInvalidState, "unknown campaign status").
			WithContext("status", string(change.To))
	}

	now := time.Now()
	query := "UPDATE campaigns SET status = ?, status_reason = ?"
	args := []interface{}{change.To, change.Reason}

	switch change.To {
	case models.CampaignStatusPaused:
		query += ", paused_at = ?, runner_id = NULL, heartbeat = NULL"
		args = append(args, now)
	case models.CampaignStatusRunning:
		query += ", resumed_at = ?"
		args = append(args, now)
	case models.CampaignStatusCancelled:
		query += ", cancelled_at = ?, cancelled_by = ?, runner_id = NULL, heartbeat = NULL"
		args = append(args, now, change.CancelledBy)
	case models.CampaignStatusCompleted, models.CampaignStatusFailed:
		query += ", runner_id = NULL, heartbeat = NULL"
	}

	query += " WHERE id = ? AND status IN ("
	args = append(args, campaignID)
	for i, st := range from {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to update campaign status")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to read status result")
	}
	if n == 0 {
		current, gerr := s.Get(ctx, campaignID)
		if gerr != nil {
			return gerr
		}
		return errors.New(errors.ErrInvalidState, "transition not allowed from current status").
			WithStatusCode(409).
			WithContext("campaign_id", campaignID).
			WithContext("current", string(current.Status)).
			WithContext("target", string(change.To))
	}

	if s.cache != nil {
		s.cache.Delete(ctx, "campaign:"+campaignID)
	}

	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"campaign_id": campaignID,
		"status":      string(change.To),
		"reason":      change.Reason,
	}).Info("Campaign status changed")

	return nil
}

// ContactsFrom pages contacts of a list starting at index, ordered by index.
func (s *Store) ContactsFrom(ctx context.Context, listID string, fromIndex, pageSize int) ([]*models.Contact, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, phone_number, first_name, custom_fields
		FROM contacts WHERE list_id = ? AND idx >= ?
		ORDER BY idx ASC LIMIT ?`,
		listID, fromIndex, pageSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to page contacts")
	}
	defer rows.Close()

	contacts := make([]*models.Contact, 0, pageSize)
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.Index, &c.PhoneNumber, &c.FirstName, &c.CustomFields); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to scan contact")
			continue
		}
		contacts = append(contacts, &c)
	}

	return contacts, nil
}

// ImportContacts loads a contact list, assigning dense zero-based indexes.
func (s *Store) ImportContacts(ctx context.Context, listID string, numbers []string) error {
	if len(numbers) == 0 {
		return errors.New(errors.ErrConfiguration, "contact list is empty").WithStatusCode(400)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to start transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO contacts (list_id, idx, phone_number) VALUES (?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to prepare contact insert")
	}
	defer stmt.Close()

	for i, number := range numbers {
		if _, err := stmt.ExecContext(ctx, listID, i, number); err != nil {
			return errors.Wrap(err, errors.ErrDatabase, "failed to insert contact").
				WithContext("index", i)
		}
	}

	return tx.Commit()
}

// ListByTenant returns a tenant's campaigns, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?",
		tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list campaigns")
	}
	defer rows.Close()

	campaigns := make([]*models.Campaign, 0)
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.Name, &c.ListID, &c.FromNumber, &c.ProviderHint, &c.BotEndpoint,
			&c.TotalContacts, &c.CurrentIndex, &c.ProcessedContacts, &c.ConnectedCount, &c.FailedCount,
			&c.Status, &c.StatusReason, &c.RunnerID, &c.Heartbeat, &c.TotalCredits,
			&c.PausedAt, &c.ResumedAt, &c.CancelledAt, &c.CancelledBy, &c.LastActivity,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to scan campaign")
			continue
		}
		campaigns = append(campaigns, &c)
	}

	return campaigns, nil
}

// Orphans finds running campaigns whose heartbeat is older than threshold.
func (s *Store) Orphans(ctx context.Context, threshold time.Duration) ([]*models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE status = 'running' AND (heartbeat IS NULL OR heartbeat < ?)",
		time.Now().Add(-threshold))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query orphans")
	}
	defer rows.Close()

	orphans := make([]*models.Campaign, 0)
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(
			&c.ID, &c.TenantID, &c.Name, &c.ListID, &c.FromNumber, &c.ProviderHint, &c.BotEndpoint,
			&c.TotalContacts, &c.CurrentIndex, &c.ProcessedContacts, &c.ConnectedCount, &c.FailedCount,
			&c.Status, &c.StatusReason, &c.RunnerID, &c.Heartbeat, &c.TotalCredits,
			&c.PausedAt, &c.ResumedAt, &c.CancelledAt, &c.CancelledBy, &c.LastActivity,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			continue
		}
		orphans = append(orphans, &c)
	}

	return orphans, nil
}

// Progress builds the control-API progress view. Heartbeat buckets: healthy
// under a minute, stale under the orphan threshold, inactive past it.
func (s *Store) Progress(ctx context.Context, campaignID string, orphanThreshold time.Duration) (*models.CampaignProgress, error) {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	health := models.HeartbeatInactive
	if c.Heartbeat != nil {
		age := time.Since(*c.Heartbeat)
		switch {
		case age < time.Minute:
			health = models.HeartbeatHealthy
		case age < orphanThreshold:
			health = models.HeartbeatStale
		}
	}

	return &models.CampaignProgress{
		CampaignID:      c.ID,
		Status:          c.Status,
		StatusReason:    c.StatusReason,
		CurrentIndex:    c.CurrentIndex,
		Total:           c.TotalContacts,
		Processed:       c.ProcessedContacts,
		Connected:       c.ConnectedCount,
		Failed:          c.FailedCount,
		Heartbeat:       c.Heartbeat,
		HeartbeatHealth: health,
		PausedAt:        c.PausedAt,
		ResumedAt:       c.ResumedAt,
	}, nil
}
