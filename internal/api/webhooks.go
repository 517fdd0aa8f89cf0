package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/internal/registry"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// webhookEvents maps the URL suffix to the engine event. stream-start is the
// provider's answer callback: the media stream to the bot opens at answer.
var webhookEvents = map[string]models.WebhookEvent{
	"ring":         models.EventRing,
	"stream-start": models.EventAnswered,
	"hangup":       models.EventHangup,
	"recording":    models.EventRecording,
}

// handleWebhook ingests provider callbacks. The engine callID in the URL is
// the only correlation key; payload refs are stored for diagnostics. The
// response is 200 for every processable delivery, including duplicates,
// because providers retry non-2xx aggressively.
func (s *Server) handleWebhook(kind string) http.HandlerFunc {
	event := webhookEvents[kind]

	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		prov := models.Provider(vars["provider"])
		callID := vars["callId"]

		log := logger.WithContext(r.Context()).WithFields(map[string]interface{}{
			"provider": string(prov),
			"call_id":  callID,
			"event":    kind,
		})

		if prov != models.ProviderPlivo && prov != models.ProviderTwilio {
			log.Warn("Webhook for unknown provider")
			w.WriteHeader(http.StatusNotFound)
			return
		}

		payload, err := parseWebhookPayload(r)
		if err != nil {
			log.WithError(err).Warn("Unparseable webhook payload")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		normalized, err := s.port.NormalizeWebhook(prov, callID, event, payload)
		if err != nil {
			log.WithError(err).Warn("Webhook normalization failed")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.metrics.IncrementCounter("webhooks_received", map[string]string{
			"provider": string(prov),
			"event":    kind,
		})

		err = s.reg.OnEvent(r.Context(), registry.Event{
			CallID:          normalized.CallID,
			Type:            normalized.Type,
			ProviderCallRef: normalized.ProviderCallRef,
			DurationSeconds: normalized.DurationSeconds,
			HangupCause:     normalized.HangupCause,
			RecordingURL:    normalized.RecordingURL,
		})

		switch {
		case err == nil:
		case errors.Is(err, errors.ErrCallNotFound):
			// Late delivery after retention purge, or a forged callID.
			log.Warn("Webhook for unknown call")
			w.WriteHeader(http.StatusOK)
			return
		case errors.Is(err, errors.ErrConflict):
			log.Debug("Duplicate webhook delivery")
		default:
			log.WithError(err).Error("Webhook processing failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}

// parseWebhookPayload flattens either a form body (both providers' default)
// or a JSON object into the key/value map the normalizers expect.
func parseWebhookPayload(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to parse webhook form")
	}

	payload := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		payload[k] = r.PostForm.Get(k)
	}
	for k := range r.URL.Query() {
		if _, present := payload[k]; !present {
			payload[k] = r.URL.Query().Get(k)
		}
	}

	return payload, nil
}
