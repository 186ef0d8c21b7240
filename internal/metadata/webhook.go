package metadata

import (
	"time"

	"github.com/expr-lang/expr/vm"
)

// Auth types supported on outbound webhook calls.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthHeader = "header"
)

// Delivery outcomes recorded on a DeliveryAttempt.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// WebhookRegistration is a subscription to one or more event types.
//
// Events is a comma-separated list matched permissively (exact, substring,
// CSV prefix or CSV suffix). AuthData keys depend on AuthType:
// bearer uses "token", basic uses "username"/"password", header uses
// "header_name"/"header_value".
type WebhookRegistration struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Events        string            `json:"events"`
	Enabled       bool              `json:"enabled"`
	Secret        string            `json:"-"`
	Headers       map[string]string `json:"headers,omitempty"`
	AuthType      string            `json:"auth_type"`
	AuthData      map[string]string `json:"-"`
	Condition     string            `json:"condition,omitempty"` // expression; empty = always deliver
	SuccessCount  int64             `json:"success_count"`
	FailureCount  int64             `json:"failure_count"`
	LastTriggered *time.Time        `json:"last_triggered,omitempty"`

	CompiledCondition *vm.Program `json:"-"`
}

// DeliveryAttempt is the immutable record of one outbound call.
type DeliveryAttempt struct {
	ID             string    `json:"id"`
	WebhookID      string    `json:"webhook_id"`
	EventType      string    `json:"event_type"`
	Payload        string    `json:"payload"`
	ResponseCode   int       `json:"response_code"`
	ResponseBody   string    `json:"response_body"`
	DeliveryStatus string    `json:"delivery_status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// WebhookStats is the read-only reporting view over registrations and
// recent deliveries.
type WebhookStats struct {
	TotalWebhooks  int64            `json:"total_webhooks"`
	ActiveWebhooks int64            `json:"active_webhooks"`
	TotalSuccesses int64            `json:"total_successes"`
	TotalFailures  int64            `json:"total_failures"`
	Recent         map[string]int64 `json:"recent_deliveries"` // delivery_status -> count, trailing 24h
}
