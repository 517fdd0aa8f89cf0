package provider

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicebridge/campaign-engine/internal/config"
	"github.com/voicebridge/campaign-engine/internal/models"
	"github.com/voicebridge/campaign-engine/pkg/errors"
	"github.com/voicebridge/campaign-engine/pkg/logger"
)

// dialer is the provider-specific half of the gateway.
type dialer interface {
	placeCall(ctx context.Context, client *http.Client, creds Credentials, from, to string, cb Callbacks) (string, error)
	normalize(callID string, event models.WebhookEvent, payload map[string]string) (Event, error)
}

// Gateway implements Port over HTTP for the configured providers.
type Gateway struct {
	creds    *CredentialService
	client   *http.Client
	dialers  map[models.Provider]dialer
	enabled  []models.Provider
	retryMax int

	mu          sync.RWMutex
	activeCalls map[models.Provider]*int64
	rrCounter   uint64
}

func NewGateway(creds *CredentialService, cfg config.ProvidersConfig, retryMax int) *Gateway {
	g := &Gateway{
		creds: creds,
		client: &http.Client{
			Timeout: cfg.DialTimeout,
		},
		dialers: map[models.Provider]dialer{
			models.ProviderPlivo:  &plivoDialer{},
			models.ProviderTwilio: &twilioDialer{},
		},
		retryMax:    retryMax,
		activeCalls: make(map[models.Provider]*int64),
	}

	if cfg.Plivo.Enabled {
		g.enabled = append(g.enabled, models.ProviderPlivo)
	}
	if cfg.Twilio.Enabled {
		g.enabled = append(g.enabled, models.ProviderTwilio)
	}
	for _, p := range g.enabled {
		var c int64
		g.activeCalls[p] = &c
	}

	return g
}

func (g *Gateway) ResolveCredentials(ctx context.Context, tenantID string, p models.Provider) (Credentials, error) {
	return g.creds.Resolve(ctx, tenantID, p)
}

// PlaceCall dials through the provider-specific API. Transient failures
// (network, 5xx, 429) are retried up to retryMax with linear backoff before
// surfacing ErrProviderUnavailable.
func (g *Gateway) PlaceCall(ctx context.Context, creds Credentials, from, to string, cb Callbacks) (string, error) {
	d, ok := g.dialers[creds.Provider]
	if !ok {
		return "", errors.New(errors.ErrConfiguration, "unknown provider").
			WithContext("provider", string(creds.Provider))
	}

	var lastErr error
	for attempt := 0; attempt <= g.retryMax; attempt++ {
		ref, err := d.placeCall(ctx, g.client, creds, from, to, cb)
		if err == nil {
			return ref, nil
		}

		lastErr = err
		if !errors.Is(err, errors.ErrProviderUnavailable) {
			return "", err
		}

		if attempt < g.retryMax {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
				logger.WithContext(ctx).WithField("attempt", attempt+1).WithError(err).
					Warn("Provider dial failed, retrying...")
			}
		}
	}

	return "", lastErr
}

func (g *Gateway) NormalizeWebhook(p models.Provider, callID string, event models.WebhookEvent, payload map[string]string) (Event, error) {
	d, ok := g.dialers[p]
	if !ok {
		return Event{}, errors.New(errors.ErrConfiguration, "unknown provider").
			WithContext("provider", string(p))
	}
	return d.normalize(callID, event, payload)
}

// Pick selects the enabled provider with the fewest in-flight calls,
// round-robin on ties.
func (g *Gateway) Pick(ctx context.Context, tenantID string) (models.Provider, error) {
	if len(g.enabled) == 0 {
		return "", errors.New(errors.ErrConfiguration, "no providers configured")
	}
	if len(g.enabled) == 1 {
		return g.enabled[0], nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	best := g.enabled[0]
	bestCount := atomic.LoadInt64(g.activeCalls[best])
	tied := true

	for _, p := range g.enabled[1:] {
		n := atomic.LoadInt64(g.activeCalls[p])
		if n < bestCount {
			best, bestCount, tied = p, n, false
		} else if n > bestCount {
			tied = false
		}
	}

	if tied {
		idx := atomic.AddUint64(&g.rrCounter, 1) % uint64(len(g.enabled))
		best = g.enabled[idx]
	}

	return best, nil
}

// IncrementActive and DecrementActive keep the non-authoritative in-flight
// counters used by Pick.
func (g *Gateway) IncrementActive(p models.Provider) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if c, ok := g.activeCalls[p]; ok {
		atomic.AddInt64(c, 1)
	}
}

func (g *Gateway) DecrementActive(p models.Provider) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if c, ok := g.activeCalls[p]; ok {
		if atomic.AddInt64(c, -1) < 0 {
			atomic.StoreInt64(c, 0)
		}
	}
}

func drainBody(resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return ""
	}
	return string(body)
}

func classifyStatus(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.New(errors.ErrProviderUnavailable, "provider unavailable").
			WithContext("status", status).
			WithContext("body", body)
	default:
		return errors.New(errors.ErrProviderRejected, "provider rejected call").
			WithStatusCode(status).
			WithContext("status", status).
			WithContext("body", body)
	}
}
