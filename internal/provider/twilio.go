package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01/Accounts"

// twilioDialer speaks the Twilio voice API. CallDuration on the hangup
// callback is the answered duration in seconds.
type twilioDialer struct{}

func (d *twilioDialer) placeCall(ctx context.Context, client *http.Client, creds Credentials, from, to string, cb Callbacks) (string, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Url", cb.StreamStartURL)
	form.Set("Method", "POST")
	form.Set("StatusCallback", cb.HangupURL)
	form.Set("StatusCallbackMethod", "POST")
	form.Add("StatusCallbackEvent", "ringing")
	form.Add("StatusCallbackEvent", "completed")

	endpoint := fmt.Sprintf("%s/%s/Calls.json", twilioBaseURL, creds.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal, "failed to build dial request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.AccountID, creds.AuthToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrProviderUnavailable, "twilio request failed")
	}

	respBody := drainBody(resp)
	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var result struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal([]byte(respBody), &result); err != nil || result.Sid == "" {
		return "", errors.New(errors.ErrProviderUnavailable, "twilio response missing sid")
	}

	return result.Sid, nil
}

func (d *twilioDialer) normalize(callID string, event models.WebhookEvent, payload map[string]string) (Event, error) {
	e := Event{
		CallID:          callID,
		Type:            event,
		ProviderCallRef: payload["CallSid"],
	}

	switch event {
	case models.EventHangup:
		seconds, err := strconv.Atoi(payload["CallDuration"])
		if err != nil {
			return Event{}, errors.New(errors.ErrInternal, "twilio hangup missing CallDuration").
				WithContext("call_id", callID)
		}
		e.DurationSeconds = seconds
		e.HangupCause = payload["CallStatus"]
		e.RecordingURL = payload["RecordingUrl"]
	case models.EventRecording:
		e.RecordingURL = payload["RecordingUrl"]
	}

	return e, nil
}
