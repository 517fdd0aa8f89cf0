package billing

import (
	"context"
	"database/sql"
	"time"

	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// Ledger owns all tenant balance writes. Balances are post-pay: admission
// only requires a positive balance, and a single call may drive it negative.
type Ledger struct {
	db              *sql.DB
	creditPerSecond int64
}

// DebitResult reports the balance after an applied (or skipped) debit.
type DebitResult struct {
	BalanceAfter int64
	Credits      int64
	Applied      bool
}

func NewLedger(db *sql.DB, creditPerSecond int64) *Ledger {
	if creditPerSecond <= 0 {
		creditPerSecond = 1
	}
	return &Ledger{
		db:              db,
		creditPerSecond: creditPerSecond,
	}
}

// Admit allows a new call iff the tenant balance is positive. No credits are
// reserved; overdraft per call is bounded by the maximum call duration.
func (l *Ledger) Admit(ctx context.Context, tenantID string) error {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		"SELECT available_balance FROM tenant_balances WHERE tenant_id = ?",
		tenantID).Scan(&balance)

	if err == sql.ErrNoRows {
		return errors.New(errors.ErrTenantNotFound, "no balance record for tenant").
			WithStatusCode(404).
			WithContext("tenant_id", tenantID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to read balance")
	}

	if balance <= 0 {
		return errors.New(errors.ErrInsufficientBalance, "tenant balance exhausted").
			WithStatusCode(402).
			WithContext("tenant_id", tenantID).
			WithContext("balance", balance)
	}

	return nil
}

// Debit applies the per-call charge on hangup. The active_calls.billed flag
// is flipped in the same transaction, so duplicate hangup deliveries and
// reaper races produce exactly one debit. Campaign debits update the balance
// and the campaign accumulator in real time; the per-campaign ledger row is
// deferred to CompleteCampaignLedger. Test and incoming calls get a ledger
// row immediately.
func (l *Ledger) Debit(ctx context.Context, tenantID, callID string, durationSeconds int, kind models.BillingKind, campaignID string) (DebitResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return DebitResult{}, errors.Wrap(err, errors.ErrDatabase, "failed to start transaction")
	}
	defer tx.Rollback()

	result, err := l.DebitTx(ctx, tx, tenantID, callID, durationSeconds, kind, campaignID)
	if err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return DebitResult{}, errors.Wrap(err, errors.ErrDatabase, "failed to commit debit")
	}
	return result, nil
}

// DebitTx runs the debit inside the caller's transaction so a call state
// change and its billing claim commit or roll back together. The caller owns
// commit and rollback.
func (l *Ledger) DebitTx(ctx context.Context, tx *sql.Tx, tenantID, callID string, durationSeconds int, kind models.BillingKind, campaignID string) (DebitResult, error) {
	log := logger.WithContext(ctx).WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"call_id":   callID,
		"kind":      kind,
	})

	credits := int64(durationSeconds) * l.creditPerSecond
	var result DebitResult

	// Claim the billing of this call; zero rows means it was already billed.
	res, err := tx.ExecContext(ctx,
		"UPDATE active_calls SET billed = 1, billing_duration = ? WHERE call_id = ? AND billed = 0",
		durationSeconds, callID)
	if err != nil {
		return result, errors.Wrap(err, errors.ErrDatabase, "failed to claim call billing")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var balance int64
		if serr := tx.QueryRowContext(ctx,
			"SELECT available_balance FROM tenant_balances WHERE tenant_id = ?",
			tenantID).Scan(&balance); serr != nil {
			log.WithError(serr).Warn("Failed to read balance for already-billed call")
		}
		result.BalanceAfter = balance
		log.Debug("Call already billed, skipping debit")
		return result, nil
	}

	// Balance floor is intentionally not enforced; admission is pre-call.
	if _, err := tx.ExecContext(ctx,
		"UPDATE tenant_balances SET available_balance = available_balance - ? WHERE tenant_id = ?",
		credits, tenantID); err != nil {
		return result, errors.Wrap(err, errors.ErrDatabase, "failed to debit balance")
	}

	var balanceAfter int64
	if err := tx.QueryRowContext(ctx,
		"SELECT available_balance FROM tenant_balances WHERE tenant_id = ?",
		tenantID).Scan(&balanceAfter); err != nil {
		return result, errors.Wrap(err, errors.ErrDatabase, "failed to read balance after debit")
	}

	switch kind {
	case models.BillingKindCampaign:
		if _, err := tx.ExecContext(ctx,
			"UPDATE campaigns SET total_credits = total_credits + ? WHERE id = ?",
			credits, campaignID); err != nil {
			return result, errors.Wrap(err, errors.ErrDatabase, "failed to accumulate campaign credits")
		}
	default:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO billing_entries (tenant_id, call_id, campaign_id, kind, credits, balance_after, duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tenantID, callID, campaignID, kind, -credits, balanceAfter, durationSeconds,
		); err != nil {
			return result, errors.Wrap(err, errors.ErrDatabase, "failed to append billing entry")
		}
	}

	result.BalanceAfter = balanceAfter
	result.Credits = credits
	result.Applied = true

	log.WithFields(map[string]interface{}{
		"credits":       credits,
		"balance_after": balanceAfter,
	}).Info("Call billed")

	return result, nil
}

// CompleteCampaignLedger emits the single aggregated ledger row for a
// finished campaign. Safe to call once per campaign; a second call finds a
// zero accumulator and writes nothing.
func (l *Ledger) CompleteCampaignLedger(ctx context.Context, campaignID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to start transaction")
	}
	defer tx.Rollback()

	var tenantID string
	var totalCredits, totalSeconds int64
	err = tx.QueryRowContext(ctx,
		"SELECT tenant_id, total_credits FROM campaigns WHERE id = ? FOR UPDATE",
		campaignID).Scan(&tenantID, &totalCredits)
	if err == sql.ErrNoRows {
		return errors.New(errors.ErrCampaignNotFound, "campaign not found").
			WithContext("campaign_id", campaignID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to load campaign totals")
	}

	if totalCredits == 0 {
		return tx.Commit()
	}
	totalSeconds = totalCredits / l.creditPerSecond

	var balanceAfter int64
	if err := tx.QueryRowContext(ctx,
		"SELECT available_balance FROM tenant_balances WHERE tenant_id = ?",
		tenantID).Scan(&balanceAfter); err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to read balance")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_entries (tenant_id, call_id, campaign_id, kind, credits, balance_after, duration_seconds)
		VALUES (?, '', ?, ?, ?, ?, ?)`,
		tenantID, campaignID, models.BillingKindCampaign, -totalCredits, balanceAfter, totalSeconds,
	); err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to append campaign ledger row")
	}

	// Zero the accumulator so repeated completion calls stay idempotent.
	if _, err := tx.ExecContext(ctx,
		"UPDATE campaigns SET total_credits = 0 WHERE id = ?",
		campaignID); err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to reset campaign accumulator")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to commit campaign ledger")
	}

	logger.WithContext(ctx).WithFields(map[string]interface{}{
		"campaign_id": campaignID,
		"credits":     totalCredits,
	}).Info("Campaign ledger finalized")

	return nil
}

// Credit tops up a tenant balance and appends the matching ledger row.
func (l *Ledger) Credit(ctx context.Context, tenantID string, credits int64) (int64, error) {
	if credits <= 0 {
		return 0, errors.New(errors.ErrInternal, "credit amount must be positive")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to start transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_balances (tenant_id, available_balance) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE available_balance = available_balance + VALUES(available_balance)`,
		tenantID, credits); err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to credit balance")
	}

	var balanceAfter int64
	if err := tx.QueryRowContext(ctx,
		"SELECT available_balance FROM tenant_balances WHERE tenant_id = ?",
		tenantID).Scan(&balanceAfter); err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read balance")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_entries (tenant_id, call_id, campaign_id, kind, credits, balance_after, duration_seconds)
		VALUES (?, '', '', 'incoming', ?, ?, 0)`,
		tenantID, credits, balanceAfter); err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to append credit entry")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to commit credit")
	}

	return balanceAfter, nil
}

// Balance reads the current tenant balance.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (*models.TenantBalance, error) {
	var b models.TenantBalance
	var updatedAt time.Time
	err := l.db.QueryRowContext(ctx,
		"SELECT tenant_id, available_balance, updated_at FROM tenant_balances WHERE tenant_id = ?",
		tenantID).Scan(&b.TenantID, &b.AvailableBalance, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrTenantNotFound, "no balance record for tenant").
			WithStatusCode(404).
			WithContext("tenant_id", tenantID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to read balance")
	}

	b.UpdatedAt = updatedAt
	return &b, nil
}

// Entries lists recent ledger rows for a tenant, newest first.
func (l *Ledger) Entries(ctx context.Context, tenantID string, limit int) ([]*models.BillingEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_id, call_id, campaign_id, kind, credits, balance_after, duration_seconds, created_at
		FROM billing_entries WHERE tenant_id = ?
		ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query billing entries")
	}
	defer rows.Close()

	entries := make([]*models.BillingEntry, 0)
	for rows.Next() {
		var e models.BillingEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CallID, &e.CampaignID, &e.Kind,
			&e.Credits, &e.BalanceAfter, &e.DurationSeconds, &e.CreatedAt); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("Failed to scan billing entry")
			continue
		}
		entries = append(entries, &e)
	}

	return entries, nil
}
