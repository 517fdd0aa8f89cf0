package billing

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text"})
	os.Exit(m.Run())
}

func TestAdmit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)
	ctx := context.Background()

	t.Run("positive balance admits", func(t *testing.T) {
		mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(100))

		require.NoError(t, ledger.Admit(ctx, "t1"))
	})

	t.Run("zero balance rejects", func(t *testing.T) {
		mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(0))

		err := ledger.Admit(ctx, "t1")
		assert.True(t, errors.Is(err, errors.ErrInsufficientBalance))
	})

	t.Run("negative balance rejects", func(t *testing.T) {
		mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(-7))

		err := ledger.Admit(ctx, "t1")
		assert.True(t, errors.Is(err, errors.ErrInsufficientBalance))
	})

	t.Run("unknown tenant", func(t *testing.T) {
		mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"available_balance"}))

		err := ledger.Admit(ctx, "ghost")
		assert.True(t, errors.Is(err, errors.ErrTenantNotFound))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitCampaignCallAccumulates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE active_calls SET billed = 1").
		WithArgs(15, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tenant_balances SET available_balance = available_balance -").
		WithArgs(int64(15), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(85))
	mock.ExpectExec("UPDATE campaigns SET total_credits = total_credits").
		WithArgs(int64(15), "camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := ledger.Debit(context.Background(), "t1", "call-1", 15, models.BillingKindCampaign, "camp-1")
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(15), result.Credits)
	assert.Equal(t, int64(85), result.BalanceAfter)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitTestCallWritesLedgerRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 2)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE active_calls SET billed = 1").
		WithArgs(10, "call-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tenant_balances SET available_balance = available_balance -").
		WithArgs(int64(20), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(-5))
	mock.ExpectExec("INSERT INTO billing_entries").
		WithArgs("t1", "call-2", "", models.BillingKindTest, int64(-20), int64(-5), 10).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	result, err := ledger.Debit(context.Background(), "t1", "call-2", 10, models.BillingKindTest, "")
	require.NoError(t, err)
	assert.True(t, result.Applied)
	// Overdraft on the final call is allowed.
	assert.Equal(t, int64(-5), result.BalanceAfter)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitSecondDeliveryIsSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE active_calls SET billed = 1").
		WithArgs(15, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(85))
	mock.ExpectCommit()

	result, err := ledger.Debit(context.Background(), "t1", "call-1", 15, models.BillingKindCampaign, "camp-1")
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, int64(85), result.BalanceAfter)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitSecondDeliveryToleratesBalanceReadFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)

	// The balance re-read on the already-billed path is informational; a
	// failure there must not turn a benign duplicate into an error.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE active_calls SET billed = 1").
		WithArgs(15, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectCommit()

	result, err := ledger.Debit(context.Background(), "t1", "call-1", 15, models.BillingKindCampaign, "camp-1")
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, int64(0), result.BalanceAfter)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCampaignLedger(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, total_credits FROM campaigns").
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "total_credits"}).AddRow("t1", 30))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(70))
	mock.ExpectExec("INSERT INTO billing_entries").
		WithArgs("t1", "camp-1", models.BillingKindCampaign, int64(-30), int64(70), int64(30)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET total_credits = 0")).
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, ledger.CompleteCampaignLedger(context.Background(), "camp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteCampaignLedgerIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)

	// Zero accumulator means the row was already written.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id, total_credits FROM campaigns").
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "total_credits"}).AddRow("t1", 0))
	mock.ExpectCommit()

	require.NoError(t, ledger.CompleteCampaignLedger(context.Background(), "camp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCredit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tenant_balances").
		WithArgs("t1", int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT available_balance FROM tenant_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"available_balance"}).AddRow(500))
	mock.ExpectExec("INSERT INTO billing_entries").
		WithArgs("t1", int64(500), int64(500)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	after, err := ledger.Credit(context.Background(), "t1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), after)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRejectsNonPositive(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db, 1)

	_, err = ledger.Credit(context.Background(), "t1", 0)
	assert.Error(t, err)
	_, err = ledger.Credit(context.Background(), "t1", -10)
	assert.Error(t, err)
}
