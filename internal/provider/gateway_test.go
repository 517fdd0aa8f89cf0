package provider

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(logger.Config{Level: "error", Format: "text"})
	os.Exit(m.Run())
}

func bothProviders() config.ProvidersConfig {
	return config.ProvidersConfig{
		Plivo:  config.ProviderDefault{AccountID: "pl", AuthToken: "x", Enabled: true},
		Twilio: config.ProviderDefault{AccountID: "tw", AuthToken: "x", Enabled: true},
	}
}

func TestPickLeastLoaded(t *testing.T) {
	g := NewGateway(nil, bothProviders(), 0)

	g.IncrementActive(models.ProviderPlivo)
	g.IncrementActive(models.ProviderPlivo)
	g.IncrementActive(models.ProviderTwilio)

	p, err := g.Pick(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderTwilio, p)
}

func TestPickSingleProvider(t *testing.T) {
	cfg := bothProviders()
	cfg.Twilio.Enabled = false

	g := NewGateway(nil, cfg, 0)

	p, err := g.Pick(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPlivo, p)
}

func TestPickNoProviders(t *testing.T) {
	g := NewGateway(nil, config.ProvidersConfig{}, 0)

	_, err := g.Pick(context.Background(), "t1")
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestDecrementActiveNeverGoesNegative(t *testing.T) {
	g := NewGateway(nil, bothProviders(), 0)

	g.DecrementActive(models.ProviderPlivo)
	g.IncrementActive(models.ProviderTwilio)

	p, err := g.Pick(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPlivo, p)
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(200, ""))
	assert.NoError(t, classifyStatus(201, ""))

	assert.True(t, errors.Is(classifyStatus(429, ""), errors.ErrProviderUnavailable))
	assert.True(t, errors.Is(classifyStatus(500, ""), errors.ErrProviderUnavailable))
	assert.True(t, errors.Is(classifyStatus(503, ""), errors.ErrProviderUnavailable))

	assert.True(t, errors.Is(classifyStatus(400, ""), errors.ErrProviderRejected))
	assert.True(t, errors.Is(classifyStatus(401, ""), errors.ErrProviderRejected))
	assert.True(t, errors.Is(classifyStatus(404, ""), errors.ErrProviderRejected))
}

type scriptedTransport struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], s.errs[i]
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestPlaceCallRetriesTransientFailure(t *testing.T) {
	g := NewGateway(nil, bothProviders(), 1)
	g.client = &http.Client{Transport: &scriptedTransport{
		responses: []*http.Response{
			jsonResponse(503, `{}`),
			jsonResponse(201, `{"request_uuid":"ref-1"}`),
		},
		errs: []error{nil, nil},
	}}

	ref, err := g.PlaceCall(context.Background(),
		Credentials{Provider: models.ProviderPlivo, AccountID: "pl", AuthToken: "x"},
		"+1000", "+2000", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "ref-1", ref)
}

func TestPlaceCallStopsOnRejection(t *testing.T) {
	transport := &scriptedTransport{
		responses: []*http.Response{jsonResponse(400, `{"error":"invalid number"}`)},
		errs:      []error{nil},
	}

	g := NewGateway(nil, bothProviders(), 3)
	g.client = &http.Client{Transport: transport}

	_, err := g.PlaceCall(context.Background(),
		Credentials{Provider: models.ProviderTwilio, AccountID: "tw", AuthToken: "x"},
		"+1000", "+2000", Callbacks{})
	assert.True(t, errors.Is(err, errors.ErrProviderRejected))
	// No retries on a permanent rejection.
	assert.Equal(t, 1, transport.calls)
}

func TestPlaceCallUnknownProvider(t *testing.T) {
	g := NewGateway(nil, bothProviders(), 0)

	_, err := g.PlaceCall(context.Background(),
		Credentials{Provider: "smoke-signals"}, "+1000", "+2000", Callbacks{})
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestPlivoNormalizeHangup(t *testing.T) {
	d := &plivoDialer{}

	ev, err := d.normalize("call-1", models.EventHangup, map[string]string{
		"CallUUID":     "uuid-1",
		"BillDuration": "15",
		"Duration":     "22",
		"HangupCause":  "NORMAL_CLEARING",
		"RecordUrl":    "https://media.plivo.com/rec.mp3",
	})
	require.NoError(t, err)

	assert.Equal(t, "call-1", ev.CallID)
	// BillDuration, not total Duration, is the billable time.
	assert.Equal(t, 15, ev.DurationSeconds)
	assert.Equal(t, "uuid-1", ev.ProviderCallRef)
	assert.Equal(t, "NORMAL_CLEARING", ev.HangupCause)
	assert.Equal(t, "https://media.plivo.com/rec.mp3", ev.RecordingURL)
}

func TestPlivoNormalizeHangupMissingDuration(t *testing.T) {
	d := &plivoDialer{}

	_, err := d.normalize("call-1", models.EventHangup, map[string]string{
		"CallUUID": "uuid-1",
	})
	assert.Error(t, err)
}

func TestTwilioNormalizeHangup(t *testing.T) {
	d := &twilioDialer{}

	ev, err := d.normalize("call-1", models.EventHangup, map[string]string{
		"CallSid":      "CA123",
		"CallDuration": "42",
		"CallStatus":   "completed",
	})
	require.NoError(t, err)

	assert.Equal(t, "call-1", ev.CallID)
	assert.Equal(t, 42, ev.DurationSeconds)
	assert.Equal(t, "CA123", ev.ProviderCallRef)
	assert.Equal(t, "completed", ev.HangupCause)
}

func TestNormalizeRingCarriesNoDuration(t *testing.T) {
	d := &plivoDialer{}

	ev, err := d.normalize("call-1", models.EventRing, map[string]string{
		"CallUUID": "uuid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.EventRing, ev.Type)
	assert.Equal(t, 0, ev.DurationSeconds)
}
