package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text"})
	os.Exit(m.Run())
}

func TestDefaultStatus(t *testing.T) {
	cases := map[errors.ErrorCode]int{
		errors.ErrCampaignNotFound:    http.StatusNotFound,
		errors.ErrCallNotFound:        http.StatusNotFound,
		errors.ErrTenantNotFound:      http.StatusNotFound,
		errors.ErrInsufficientBalance: http.StatusPaymentRequired,
		errors.ErrConcurrencyFull:     http.StatusTooManyRequests,
		errors.ErrInvalidState:        http.StatusConflict,
		errors.ErrStaleCursor:         http.StatusConflict,
		errors.ErrConfiguration:       http.StatusBadRequest,
		errors.ErrProviderUnavailable: http.StatusBadGateway,
		errors.ErrDatabase:            http.StatusInternalServerError,
	}

	for code, want := range cases {
		assert.Equal(t, want, defaultStatus(code), string(code))
	}
}

func TestWriteErrorUsesAppErrorStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/x", nil)

	writeError(rec, req, errors.New(errors.ErrConcurrencyFull, "full up"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "CONCURRENCY_FULL")
	assert.Contains(t, rec.Body.String(), "full up")
}

func TestWriteErrorExplicitStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	writeError(rec, req, errors.New(errors.ErrConfiguration, "bad input").WithStatusCode(422))

	assert.Equal(t, 422, rec.Code)
}

func TestParseWebhookPayloadForm(t *testing.T) {
	body := url.Values{}
	body.Set("CallUUID", "uuid-1")
	body.Set("BillDuration", "15")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/plivo/call-1/hangup",
		strings.NewReader(body.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	payload, err := parseWebhookPayload(req)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", payload["CallUUID"])
	assert.Equal(t, "15", payload["BillDuration"])
}

func TestParseWebhookPayloadQueryFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/call-1/ring?CallSid=CA123", nil)

	payload, err := parseWebhookPayload(req)
	require.NoError(t, err)
	assert.Equal(t, "CA123", payload["CallSid"])
}

func TestWebhookEventMapping(t *testing.T) {
	// stream-start is the answer signal; the bot's media stream opens then.
	assert.Equal(t, "answered", string(webhookEvents["stream-start"]))
	assert.Equal(t, "hangup", string(webhookEvents["hangup"]))
	assert.Equal(t, "ring", string(webhookEvents["ring"]))
}
