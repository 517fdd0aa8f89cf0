package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicebridge/campaign-engine/internal/billing"
	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/internal/provider"
	"github.com/voicebridge/campaign-engine/internal/registry"
)

type nopMetrics struct{}

func (nopMetrics) IncrementCounter(string, map[string]string)          {}
func (nopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (nopMetrics) SetGauge(string, float64, map[string]string)         {}

// stubPort answers dials without touching the network.
type stubPort struct {
	placed int
}

func (p *stubPort) ResolveCredentials(ctx context.Context, tenantID string, prov models.Provider) (provider.Credentials, error) {
	return provider.Credentials{Provider: prov, AccountID: "acct", AuthToken: "tok", SystemDefault: true}, nil
}

func (p *stubPort) PlaceCall(ctx context.Context, creds provider.Credentials, from, to string, cb provider.Callbacks) (string, error) {
	p.placed++
	return fmt.Sprintf("ref-%d", p.placed), nil
}

func (p *stubPort) NormalizeWebhook(prov models.Provider, callID string, event models.WebhookEvent, payload map[string]string) (provider.Event, error) {
	return provider.Event{}, nil
}

func (p *stubPort) Pick(ctx context.Context, tenantID string) (models.Provider, error) {
	return models.ProviderPlivo, nil
}

func newTestRunner(t *testing.T, port provider.Port) (*Runner, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, nil)
	ledger := billing.NewLedger(db, 1)
	reg := registry.New(db, nil, ledger, nopMetrics{}, nil, registry.Config{
		MaxGlobal:    10,
		MaxPerTenant: 5,
	})
	warmer := registry.NewWarmer(1, time.Millisecond, time.Second)

	cfg := config.EngineConfig{
		RunnerID:            "worker-test",
		HeartbeatIntervalMs: 60000,
		OrphanThresholdMs:   300000,
		InterCallPacingMs:   1,
		BackpressureSleepMs: 1,
		ContactPageSize:     10,
	}

	return NewRunner(store, reg, warmer, port, ledger, nopMetrics{}, cfg, "http://engine.local"), mock
}

// runnerCampaignRow is owned by worker-test, carries a provider hint and no
// bot endpoint, so attempts go straight from admission to dial.
func runnerCampaignRow(status models.CampaignStatus, currentIndex, total int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(campaignColumnNames()).AddRow(
		"camp-1", "t1", "outreach", "list-1", "+1000", "plivo", "",
		total, currentIndex, currentIndex, 0, 0,
		string(status), "", "worker-test", now, 0,
		nil, nil, nil, "", nil, now, now,
	)
}

func contactRows(startIndex int, numbers ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"idx", "phone_number", "first_name", "custom_fields"})
	for i, n := range numbers {
		rows.AddRow(startIndex+i, n, "", nil)
	}
	return rows
}

// expectAdmission scripts a successful TryAdmit: balance gate, ceiling counts
// and the initiating insert in one transaction.
func expectAdmission(mock sqlmock.Sqlmock, balance int64) {
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(balance))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("INSERT INTO active_calls").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

// expectDial scripts the post-admission call flow: warming transition,
// provider ref attach, ringing transition, cursor advance.
func expectDial(mock sqlmock.Sqlmock) {
	mock.ExpectExec("UPDATE active_calls SET state =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE active_calls SET provider_call_ref =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE active_calls SET state =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET current_index = current_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestRunnerCompletesEmptyCampaign(t *testing.T) {
	runner, mock := newTestRunner(t, &stubPort{})

	mock.ExpectExec("UPDATE campaigns SET runner_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 0))

	// Zero contacts: straight to completed, no admissions at all.
	mock.ExpectExec("UPDATE campaigns SET status =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, total_credits FROM campaigns").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "total_credits"}).AddRow("t1", 0))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE campaigns SET runner_id = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, runner.Run(context.Background(), "camp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunnerFinalizesLedgerOnCancelledCampaign(t *testing.T) {
	runner, mock := newTestRunner(t, &stubPort{})

	mock.ExpectExec("UPDATE campaigns SET runner_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusCancelled, 3, 10))

	// Debits accumulated before the cancel still get their aggregated row.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, total_credits FROM campaigns").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "total_credits"}).AddRow("t1", 300))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(700))
	mock.ExpectExec("INSERT INTO billing_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE campaigns SET total_credits = 0").
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE campaigns SET runner_id = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, runner.Run(context.Background(), "camp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunnerAutoPausesWhenTenantOutOfCredit(t *testing.T) {
	runner, mock := newTestRunner(t, &stubPort{})

	mock.ExpectExec("UPDATE campaigns SET runner_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 2))
	mock.ExpectQuery("FROM contacts WHERE list_id =").
		WillReturnRows(contactRows(0, "+2000", "+2001"))

	// Admission re-reads the campaign, then the balance gate rejects.
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 2))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(0))

	mock.ExpectExec("UPDATE campaigns SET status =").
		WithArgs("paused", models.PauseReasonOutOfCredit, sqlmock.AnyArg(), "camp-1", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET runner_id = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, runner.Run(context.Background(), "camp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunnerBackpressureRetriesSameContact(t *testing.T) {
	port := &stubPort{}
	runner, mock := newTestRunner(t, port)

	mock.ExpectExec("UPDATE campaigns SET runner_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 1))
	mock.ExpectQuery("FROM contacts WHERE list_id =").
		WillReturnRows(contactRows(0, "+2000"))

	// First admission hits the global ceiling; the contact is not skipped.
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 1))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(100))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectRollback()

	// Retry after the backpressure sleep admits and dials the same contact.
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 1))
	expectAdmission(mock, 100)
	expectDial(mock)

	// Cursor at the end: the campaign completes.
	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 1, 1))
	mock.ExpectExec("UPDATE campaigns SET status =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, total_credits FROM campaigns").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "total_credits"}).AddRow("t1", 0))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE campaigns SET runner_id = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, runner.Run(context.Background(), "camp-1"))
	assert.Equal(t, 1, port.placed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunnerObservesPauseBetweenContacts(t *testing.T) {
	port := &stubPort{}
	runner, mock := newTestRunner(t, port)

	mock.ExpectExec("UPDATE campaigns SET runner_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 2))
	mock.ExpectQuery("FROM contacts WHERE list_id =").
		WillReturnRows(contactRows(0, "+2000", "+2001"))

	// First contact dials normally.
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusRunning, 0, 2))
	expectAdmission(mock, 100)
	expectDial(mock)

	// An external pause lands before the second contact; no more dials.
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(runnerCampaignRow(models.CampaignStatusPaused, 1, 2))
	mock.ExpectExec("UPDATE campaigns SET runner_id = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, runner.Run(context.Background(), "camp-1"))
	assert.Equal(t, 1, port.placed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunnerStopsWhenOwnershipLost(t *testing.T) {
	runner, mock := newTestRunner(t, &stubPort{})

	mock.ExpectExec("UPDATE campaigns SET runner_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The iteration heartbeat finds the campaign owned elsewhere.
	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE campaigns SET runner_id = NULL").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, runner.Run(context.Background(), "camp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
