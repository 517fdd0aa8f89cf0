package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Provider names
type Provider string

const (
	ProviderPlivo  Provider = "plivo"
	ProviderTwilio Provider = "twilio"
)

// Campaign status
type CampaignStatus string

const (
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// IsTerminal reports whether no further campaign transitions are allowed.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

// Call state
type CallState string

const (
	CallStateInitiating CallState = "initiating"
	CallStateWarming    CallState = "warming"
	CallStateRinging    CallState = "ringing"
	CallStateOngoing    CallState = "ongoing"
	CallStateCompleted  CallState = "completed"
	CallStateFailed     CallState = "failed"
	CallStateTimeout    CallState = "timeout"
)

// IsTerminal reports whether the call state releases its concurrency slot.
func (s CallState) IsTerminal() bool {
	switch s {
	case CallStateCompleted, CallStateFailed, CallStateTimeout:
		return true
	}
	return false
}

// Call failure reasons
const (
	FailureBotNotReady      = "bot_not_ready"
	FailureProviderRejected = "provider_rejected"
	FailureNotAnswered      = "not_answered"
	FailureTimeout          = "timeout"
)

// Pause reasons
const (
	PauseReasonUser        = "user_pause"
	PauseReasonOutOfCredit = "out_of_credit"
)

// Webhook events normalized from provider payloads
type WebhookEvent string

const (
	EventRing      WebhookEvent = "ring"
	EventAnswered  WebhookEvent = "answered"
	EventHangup    WebhookEvent = "hangup"
	EventRecording WebhookEvent = "recording"
)

// Billing entry kinds
type BillingKind string

const (
	BillingKindCampaign BillingKind = "campaign"
	BillingKindTest     BillingKind = "test"
	BillingKindIncoming BillingKind = "incoming"
)

// JSON field for database storage
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Campaign is the persistent campaign record. The owning runner is the only
// writer of the cursor and counters; ownership changes go through conditional
// updates on (status, heartbeat).
type Campaign struct {
	ID                string         `json:"id" db:"id"`
	TenantID          string         `json:"tenant_id" db:"tenant_id"`
	Name              string         `json:"name" db:"name"`
	ListID            string         `json:"list_id" db:"list_id"`
	FromNumber        string         `json:"from_number" db:"from_number"`
	ProviderHint      Provider       `json:"provider_hint,omitempty" db:"provider_hint"`
	BotEndpoint       string         `json:"bot_endpoint" db:"bot_endpoint"`
	TotalContacts     int            `json:"total_contacts" db:"total_contacts"`
	CurrentIndex      int            `json:"current_index" db:"current_index"`
	ProcessedContacts int            `json:"processed_contacts" db:"processed_contacts"`
	ConnectedCount    int            `json:"connected_count" db:"connected_count"`
	FailedCount       int            `json:"failed_count" db:"failed_count"`
	Status            CampaignStatus `json:"status" db:"status"`
	StatusReason      string         `json:"status_reason,omitempty" db:"status_reason"`
	RunnerID          string         `json:"runner_id,omitempty" db:"runner_id"`
	Heartbeat         *time.Time     `json:"heartbeat,omitempty" db:"heartbeat"`
	TotalCredits      int64          `json:"total_credits" db:"total_credits"`
	PausedAt          *time.Time     `json:"paused_at,omitempty" db:"paused_at"`
	ResumedAt         *time.Time     `json:"resumed_at,omitempty" db:"resumed_at"`
	CancelledAt       *time.Time     `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy       string         `json:"cancelled_by,omitempty" db:"cancelled_by"`
	LastActivity      *time.Time     `json:"last_activity,omitempty" db:"last_activity"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
}

// Contact is opaque to the engine and read-only during an attempt.
type Contact struct {
	Index        int    `json:"index" db:"idx"`
	PhoneNumber  string `json:"phone_number" db:"phone_number"`
	FirstName    string `json:"first_name,omitempty" db:"first_name"`
	CustomFields JSON   `json:"custom_fields,omitempty" db:"custom_fields"`
}

// ActiveCall tracks one in-flight call. callID is engine-generated; the
// provider's own ref is stored for diagnostics only.
type ActiveCall struct {
	ID              int64      `json:"id" db:"id"`
	CallID          string     `json:"call_id" db:"call_id"`
	ProviderCallRef string     `json:"provider_call_ref,omitempty" db:"provider_call_ref"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	CampaignID      string     `json:"campaign_id,omitempty" db:"campaign_id"`
	ContactIndex    int        `json:"contact_index" db:"contact_index"`
	FromNumber      string     `json:"from_number" db:"from_number"`
	ToNumber        string     `json:"to_number" db:"to_number"`
	Provider        Provider   `json:"provider" db:"provider"`
	State           CallState  `json:"state" db:"state"`
	StateSince      time.Time  `json:"state_since" db:"state_since"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	FailureReason   string     `json:"failure_reason,omitempty" db:"failure_reason"`
	HangupCause     string     `json:"hangup_cause,omitempty" db:"hangup_cause"`
	RecordingURL    string     `json:"recording_url,omitempty" db:"recording_url"`
	BillingDuration int        `json:"billing_duration" db:"billing_duration"`
	Billed          bool       `json:"billed" db:"billed"`
}

// BillingEntry is append-only. Debits carry negative credits.
type BillingEntry struct {
	ID              int64       `json:"id" db:"id"`
	TenantID        string      `json:"tenant_id" db:"tenant_id"`
	CallID          string      `json:"call_id,omitempty" db:"call_id"`
	CampaignID      string      `json:"campaign_id,omitempty" db:"campaign_id"`
	Kind            BillingKind `json:"kind" db:"kind"`
	Credits         int64       `json:"credits" db:"credits"`
	BalanceAfter    int64       `json:"balance_after" db:"balance_after"`
	DurationSeconds int         `json:"duration_seconds" db:"duration_seconds"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// TenantBalance holds integer credits, 1 credit = 1 second by default.
type TenantBalance struct {
	TenantID         string    `json:"tenant_id" db:"tenant_id"`
	AvailableBalance int64     `json:"available_balance" db:"available_balance"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// ProviderCredentials are tenant overrides for a telephony provider.
type ProviderCredentials struct {
	ID        int64     `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Provider  Provider  `json:"provider" db:"provider"`
	AccountID string    `json:"account_id" db:"account_id"`
	AuthToken string    `json:"-" db:"auth_token"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HeartbeatHealth buckets for progress reporting
type HeartbeatHealth string

const (
	HeartbeatHealthy  HeartbeatHealth = "healthy"
	HeartbeatStale    HeartbeatHealth = "stale"
	HeartbeatInactive HeartbeatHealth = "inactive"
)

// CampaignProgress is the control-API progress view.
type CampaignProgress struct {
	CampaignID      string          `json:"campaign_id"`
	Status          CampaignStatus  `json:"status"`
	StatusReason    string          `json:"status_reason,omitempty"`
	CurrentIndex    int             `json:"current_index"`
	Total           int             `json:"total"`
	Processed       int             `json:"processed"`
	Connected       int             `json:"connected"`
	Failed          int             `json:"failed"`
	Heartbeat       *time.Time      `json:"heartbeat,omitempty"`
	HeartbeatHealth HeartbeatHealth `json:"heartbeat_health"`
	PausedAt        *time.Time      `json:"paused_at,omitempty"`
	ResumedAt       *time.Time      `json:"resumed_at,omitempty"`
}

// CallSnapshot summarizes registry occupancy by state.
type CallSnapshot struct {
	TenantID    string            `json:"tenant_id,omitempty"`
	ByState     map[CallState]int `json:"by_state"`
	NonTerminal int               `json:"non_terminal"`
}
