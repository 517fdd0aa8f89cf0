package provider

import (
	"context"

	"github.com/voicebridge/campaign-engine/internal/models"
)

// Credentials identify a telephony provider account. SystemDefault marks the
// process-wide fallback used when the tenant has no override.
type Credentials struct {
	Provider      models.Provider
	AccountID     string
	AuthToken     string
	SystemDefault bool
}

// Callbacks carries the webhook URLs handed to the provider at dial time.
// Each URL embeds the engine-side callID; the provider's own ref is stored
// for diagnostics only and never used for correlation.
type Callbacks struct {
	RingURL        string
	StreamStartURL string
	HangupURL      string
}

// Event is a provider webhook normalized to the engine's vocabulary.
type Event struct {
	CallID          string
	Type            models.WebhookEvent
	ProviderCallRef string
	DurationSeconds int
	HangupCause     string
	RecordingURL    string
}

// Port is the narrow capability the runner and registry use to reach a
// telephony provider. New providers add a mapper; the engine core is
// unchanged.
type Port interface {
	// ResolveCredentials returns tenant credentials for the provider, or the
	// process-wide default when no override exists. Never errors on missing.
	ResolveCredentials(ctx context.Context, tenantID string, p models.Provider) (Credentials, error)

	// PlaceCall places an outbound call and returns the provider's call ref.
	// Fails with ErrProviderUnavailable (transient) or ErrProviderRejected.
	PlaceCall(ctx context.Context, creds Credentials, from, to string, cb Callbacks) (string, error)

	// NormalizeWebhook maps a raw provider payload to an engine event. The
	// callID is authoritative and comes from the callback URL token.
	NormalizeWebhook(p models.Provider, callID string, event models.WebhookEvent, payload map[string]string) (Event, error)

	// Pick chooses a provider when the campaign carries no hint.
	Pick(ctx context.Context, tenantID string) (models.Provider, error)
}
