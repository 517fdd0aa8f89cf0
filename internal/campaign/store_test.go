package campaign

import (
	"context"
	"os"
	"testing"
	"time"

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

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(db, nil), mock
}

func campaignColumnNames() []string {
	return []string{
		"id", "tenant_id", "name", "list_id", "from_number", "provider_hint", "bot_endpoint",
		"total_contacts", "current_index", "processed_contacts", "connected_count", "failed_count",
		"status", "status_reason", "runner_id", "heartbeat", "total_credits",
		"paused_at", "resumed_at", "cancelled_at", "cancelled_by", "last_activity", "created_at", "updated_at",
	}
}

func campaignRow(id string, status models.CampaignStatus, currentIndex, total int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(campaignColumnNames()).AddRow(
		id, "t1", "outreach", "list-1", "+1000", "", "http://bot.local/ready",
		total, currentIndex, currentIndex, 0, 0,
		string(status), "", "", nil, 0,
		nil, nil, nil, "", nil, now, now,
	)
}

func TestClaimRunnership(t *testing.T) {
	store, mock := newTestStore(t)

	t.Run("wins on unowned campaign", func(t *testing.T) {
		mock.ExpectExec("UPDATE campaigns SET runner_id =").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.ClaimRunnership(context.Background(), "camp-1", "worker-a",
			models.CampaignStatusRunning, time.Minute)
		require.NoError(t, err)
	})

	t.Run("loses to live holder", func(t *testing.T) {
		mock.ExpectExec("UPDATE campaigns SET runner_id =").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.ClaimRunnership(context.Background(), "camp-1", "worker-b",
			models.CampaignStatusRunning, time.Minute)
		assert.True(t, errors.Is(err, errors.ErrConflict))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatDetectsLostOwnership(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE campaigns SET heartbeat =").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Heartbeat(context.Background(), "camp-1", "worker-a")
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestAdvanceCursor(t *testing.T) {
	store, mock := newTestStore(t)

	t.Run("advances from expected index", func(t *testing.T) {
		mock.ExpectExec("UPDATE campaigns SET current_index = current_index").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.AdvanceCursor(context.Background(), "camp-1", 4, CursorCounters{Processed: 1, Connected: 1})
		require.NoError(t, err)
	})

	t.Run("stale cursor when index moved", func(t *testing.T) {
		mock.ExpectExec("UPDATE campaigns SET current_index = current_index").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.AdvanceCursor(context.Background(), "camp-1", 4, CursorCounters{Processed: 1})
		assert.True(t, errors.Is(err, errors.ErrStaleCursor))
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusPause(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE campaigns SET status =").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetStatus(context.Background(), "camp-1", StatusChange{
		To:     models.CampaignStatusPaused,
		Reason: models.PauseReasonUser,
	})
	require.NoError(t, err)
}

func TestSetStatusRejectsTerminalTransition(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE campaigns SET status =").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WithArgs("camp-1").
		WillReturnRows(campaignRow("camp-1", models.CampaignStatusCancelled, 3, 10))

	err := store.SetStatus(context.Background(), "camp-1", StatusChange{
		To: models.CampaignStatusPaused,
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestSetStatusUnknownTarget(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.SetStatus(context.Background(), "camp-1", StatusChange{To: "exploded"})
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestGetNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("FROM campaigns WHERE id =").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(campaignColumnNames()))

	_, err := store.Get(context.Background(), "ghost")
	assert.True(t, errors.Is(err, errors.ErrCampaignNotFound))
}

func TestCreateWithEmptyList(t *testing.T) {
	store, mock := newTestStore(t)

	// Zero contacts is legal; the runner completes such a campaign on its
	// first iteration without admitting anything.
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("list-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM campaigns WHERE id =").
		WillReturnRows(campaignRow("camp-1", models.CampaignStatusRunning, 0, 0))

	c, err := store.Create(context.Background(), CreateParams{
		TenantID:   "t1",
		Name:       "outreach",
		ListID:     "list-1",
		FromNumber: "+1000",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, c.TotalContacts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressHeartbeatBuckets(t *testing.T) {
	orphanThreshold := 5 * time.Minute

	cases := []struct {
		name      string
		heartbeat interface{}
		want      models.HeartbeatHealth
	}{
		{"recent beat is healthy", time.Now().Add(-10 * time.Second), models.HeartbeatHealthy},
		{"old beat is stale", time.Now().Add(-2 * time.Minute), models.HeartbeatStale},
		{"ancient beat is inactive", time.Now().Add(-10 * time.Minute), models.HeartbeatInactive},
		{"no beat is inactive", nil, models.HeartbeatInactive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newTestStore(t)

			now := time.Now()
			rows := sqlmock.NewRows(campaignColumnNames()).AddRow(
				"camp-1", "t1", "outreach", "list-1", "+1000", "", "",
				10, 3, 3, 2, 1,
				"running", "", "worker-a", tc.heartbeat, 0,
				nil, nil, nil, "", nil, now, now,
			)
			mock.ExpectQuery("FROM campaigns WHERE id =").
				WithArgs("camp-1").
				WillReturnRows(rows)

			p, err := store.Progress(context.Background(), "camp-1", orphanThreshold)
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.HeartbeatHealth)
			assert.Equal(t, 3, p.CurrentIndex)
			assert.Equal(t, 10, p.Total)
		})
	}
}

func TestOrphansQuery(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("FROM campaigns WHERE status = 'running'").
		WillReturnRows(campaignRow("camp-1", models.CampaignStatusRunning, 3, 10))

	orphans, err := store.Orphans(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "camp-1", orphans[0].ID)
	assert.Equal(t, 3, orphans[0].CurrentIndex)
}
