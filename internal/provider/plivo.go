package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
)

const plivoBaseURL = "https://api.plivo.com/v1/Account"

// plivoDialer speaks the Plivo voice API. Billable duration comes from
// BillDuration (answered seconds), not Duration (total including ring).
type plivoDialer struct{}

func (d *plivoDialer) placeCall(ctx context.Context, client *http.Client, creds Credentials, from, to string, cb Callbacks) (string, error) {
	payload := map[string]interface{}{
		"from":              from,
		"to":                to,
		"answer_url":        cb.StreamStartURL,
		"answer_method":     "POST",
		"ring_url":          cb.RingURL,
		"ring_method":       "POST",
		"hangup_url":        cb.HangupURL,
		"hangup_method":     "POST",
		"machine_detection": "true",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal, "failed to encode dial request")
	}

	endpoint := fmt.Sprintf("%s/%s/Call/", plivoBaseURL, creds.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal, "failed to build dial request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(creds.AccountID, creds.AuthToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrProviderUnavailable, "plivo request failed")
	}

	respBody := drainBody(resp)
	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var result struct {
		RequestUUID string `json:"request_uuid"`
	}
	if err := json.Unmarshal([]byte(respBody), &result); err != nil || result.RequestUUID == "" {
		return "", errors.New(errors.ErrProviderUnavailable, "plivo response missing request_uuid")
	}

	return result.RequestUUID, nil
}

func (d *plivoDialer) normalize(callID string, event models.WebhookEvent, payload map[string]string) (Event, error) {
	e := Event{
		CallID:          callID,
		Type:            event,
		ProviderCallRef: payload["CallUUID"],
	}
	if e.ProviderCallRef == "" {
		e.ProviderCallRef = payload["RequestUUID"]
	}

	switch event {
	case models.EventHangup:
		// BillDuration is the answered portion; Duration includes ring time.
		dur := payload["BillDuration"]
		if dur == "" {
			dur = payload["Duration"]
		}
		seconds, err := strconv.Atoi(dur)
		if err != nil {
			return Event{}, errors.New(errors.ErrInternal, "plivo hangup missing duration").
				WithContext("call_id", callID)
		}
		e.DurationSeconds = seconds
		e.HangupCause = payload["HangupCause"]
		e.RecordingURL = payload["RecordUrl"]
	case models.EventRecording:
		e.RecordingURL = payload["RecordUrl"]
	}

	return e, nil
}
