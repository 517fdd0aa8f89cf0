package registry

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// Warmer probes the voice bot before a call is handed to the provider, so
// the callee never hears dead air while the bot spins up.
type Warmer struct {
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
}

func NewWarmer(maxAttempts int, backoff, timeout time.Duration) *Warmer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Warmer{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Warmup transitions the call to warming and probes the bot endpoint until
// it reports ready or attempts run out. On exhaustion the call is failed
// with bot_not_ready and the slot released by the registry caller.
func (r *Registry) Warmup(ctx context.Context, w *Warmer, callID, botEndpoint string) error {
	log := logger.WithContext(ctx).WithField("call_id", callID)

	if err := r.transition(ctx, callID,
		[]models.CallState{models.CallStateInitiating},
		models.CallStateWarming, transitionFields{}); err != nil {
		return err
	}

	if botEndpoint == "" {
		// No bot configured for this campaign; treat as ready.
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err := w.probe(ctx, botEndpoint); err == nil {
			log.WithField("attempts", attempt).Debug("Bot warm")
			r.metrics.IncrementCounter("registry_warmups_total", map[string]string{"result": "ok"})
			return nil
		} else {
			lastErr = err
		}

		if attempt < w.maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff):
			}
		}
	}

	log.WithError(lastErr).Warn("Bot warmup exhausted")
	r.metrics.IncrementCounter("registry_warmups_total", map[string]string{"result": "failed"})

	if err := r.MarkFailed(ctx, callID, models.FailureBotNotReady); err != nil {
		return err
	}

	return errors.New(errors.ErrBotNotReady, "bot did not become ready").
		WithContext("call_id", callID).
		WithContext("endpoint", botEndpoint)
}

func (w *Warmer) probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to build warmup request")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrBotNotReady, "bot probe failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrBotNotReady, "bot not ready").
			WithContext("status", resp.StatusCode)
	}

	return nil
}
