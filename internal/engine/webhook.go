package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"

	"logging-server/internal/config"
	"logging-server/internal/instrument"
	"logging-server/internal/metadata"
)

const (
	defaultDeliveryTimeout   = 30 * time.Second
	defaultResponseBodyLimit = 1000
	defaultUserAgent         = "LoggingServer-Webhook/1.0"

	// SignatureHeader carries "sha256=<hex>" when a registration has a secret.
	SignatureHeader = "X-Webhook-Signature"

	statsWindow = 24 * time.Hour
)

// WebhookStore is the persistence surface the dispatcher needs.
type WebhookStore interface {
	ListWebhooksForEvent(ctx context.Context, eventType string) ([]*metadata.WebhookRegistration, error)
	IncrementWebhookCounter(ctx context.Context, id string, success bool, at time.Time) error
	InsertDelivery(ctx context.Context, d *metadata.DeliveryAttempt) error
	WebhookStats(ctx context.Context, since time.Time) (*metadata.WebhookStats, error)
}

// Envelope is the JSON body sent to webhook endpoints.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      any             `json:"data"`
	Webhook   EnvelopeWebhook `json:"webhook"`
}

type EnvelopeWebhook struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BuildEnvelope constructs the payload for one delivery.
func BuildEnvelope(eventType string, data any, wh *metadata.WebhookRegistration, at time.Time) *Envelope {
	return &Envelope{
		Event:     eventType,
		Timestamp: at.UTC().Format("2006-01-02T15:04:05.000Z"),
		Data:      data,
		Webhook:   EnvelopeWebhook{ID: wh.ID, Name: wh.Name},
	}
}

// MatchesEvent reports whether a registration's events field selects
// eventType: exact value, substring, CSV prefix or CSV suffix.
// Substring matching is deliberately loose, so "log" matches "log.created".
func MatchesEvent(events, eventType string) bool {
	return events == eventType ||
		strings.Contains(events, eventType) ||
		strings.HasPrefix(events, eventType+",") ||
		strings.HasSuffix(events, ","+eventType)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ComposeHeaders builds the outbound headers for a delivery: base headers,
// then custom headers, then auth, then the signature when a secret is set.
// Without a secret no signature header is sent, even if a custom header
// names it.
func ComposeHeaders(wh *metadata.WebhookRegistration, body []byte, userAgent string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)

	for k, v := range wh.Headers {
		h.Set(k, v)
	}

	switch wh.AuthType {
	case metadata.AuthBearer:
		if token := wh.AuthData["token"]; token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
	case metadata.AuthBasic:
		creds := wh.AuthData["username"] + ":" + wh.AuthData["password"]
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	case metadata.AuthHeader:
		if name := wh.AuthData["header_name"]; name != "" {
			h.Set(name, wh.AuthData["header_value"])
		}
	}

	if wh.Secret != "" {
		h.Set(SignatureHeader, Sign(wh.Secret, body))
	} else {
		h.Del(SignatureHeader)
	}
	return h
}

// EvaluateCondition evaluates a registration's condition expression against
// the envelope. Empty condition always returns true. Compiled programs are
// cached on the registration.
func EvaluateCondition(wh *metadata.WebhookRegistration, env *Envelope) (bool, error) {
	if wh.Condition == "" {
		return true, nil
	}

	vars := map[string]any{
		"event":     env.Event,
		"timestamp": env.Timestamp,
		"data":      env.Data,
		"webhook":   map[string]any{"id": env.Webhook.ID, "name": env.Webhook.Name},
	}

	if wh.CompiledCondition == nil {
		prog, err := expr.Compile(wh.Condition, expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile webhook condition: %w", err)
		}
		wh.CompiledCondition = prog
	}
	result, err := expr.Run(wh.CompiledCondition, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate webhook condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("webhook condition did not return bool")
	}
	return b, nil
}

// Dispatcher fans events out to matching webhook registrations.
type Dispatcher struct {
	store     WebhookStore
	recorder  instrument.Recorder
	client    *http.Client
	bodyLimit int
	userAgent string
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. Zero config values fall back to a
// 30s timeout, a 1000 character body limit and the default user agent.
// Redirects are not followed; a 3xx is recorded as a failed delivery.
func NewDispatcher(s WebhookStore, rec instrument.Recorder, cfg config.WebhookConfig) *Dispatcher {
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	limit := cfg.ResponseBodyLimit
	if limit <= 0 {
		limit = defaultResponseBodyLimit
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	if rec == nil {
		rec = instrument.NoopRecorder{}
	}
	return &Dispatcher{
		store:    s,
		recorder: rec,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		bodyLimit: limit,
		userAgent: ua,
		now:       time.Now,
	}
}

// TriggerWebhooks delivers an event to every enabled, matching registration
// in parallel and waits for all deliveries to settle. Errors never reach
// the caller; they are logged and recorded as failed delivery attempts.
func (d *Dispatcher) TriggerWebhooks(ctx context.Context, eventType string, data any) {
	hooks, err := d.store.ListWebhooksForEvent(ctx, eventType)
	if err != nil {
		log.Errorf("[Webhook] list registrations for %s: %v", eventType, err)
		return
	}

	var g errgroup.Group
	n := 0
	for _, wh := range hooks {
		if !wh.Enabled || !MatchesEvent(wh.Events, eventType) {
			continue
		}
		n++
		g.Go(func() error {
			d.triggerSingleWebhook(ctx, wh, eventType, data)
			return nil
		})
	}
	if n == 0 {
		return
	}
	_ = g.Wait()
	log.Debugf("[Webhook] %s dispatched to %d registration(s)", eventType, n)
}

// triggerSingleWebhook performs one delivery and its bookkeeping. It returns
// nil when the registration's condition skipped the event.
func (d *Dispatcher) triggerSingleWebhook(ctx context.Context, wh *metadata.WebhookRegistration, eventType string, data any) *metadata.DeliveryAttempt {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Webhook] panic delivering %s to %s: %v", eventType, wh.ID, r)
		}
	}()

	now := d.now()
	env := BuildEnvelope(eventType, data, wh, now)
	attempt := &metadata.DeliveryAttempt{
		WebhookID:      wh.ID,
		EventType:      eventType,
		DeliveryStatus: metadata.DeliveryFailed,
		AttemptedAt:    now,
	}

	body, err := json.Marshal(env)
	if err != nil {
		attempt.ErrorMessage = fmt.Sprintf("encode payload: %v", err)
		d.record(ctx, wh, attempt)
		return attempt
	}
	attempt.Payload = string(body)

	fire, err := EvaluateCondition(wh, env)
	if err != nil {
		attempt.ErrorMessage = err.Error()
		d.record(ctx, wh, attempt)
		return attempt
	}
	if !fire {
		log.Debugf("[Webhook] %s skipped %s: condition false", wh.ID, eventType)
		return nil
	}

	attempt.ResponseCode, attempt.ResponseBody, attempt.ErrorMessage = d.send(ctx, wh, body)
	if attempt.ErrorMessage == "" {
		attempt.DeliveryStatus = metadata.DeliverySuccess
	}
	d.record(ctx, wh, attempt)
	return attempt
}

// send POSTs body and reports status code (0 without a response), the
// truncated response body and an error classification ("" on 2xx).
func (d *Dispatcher) send(ctx context.Context, wh *metadata.WebhookRegistration, body []byte) (int, string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Sprintf("build request: %v", err)
	}
	req.Header = ComposeHeaders(wh, body, d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	// A character is at most 4 bytes.
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.bodyLimit)*utf8.UTFMax))
	text := truncateRunes(string(raw), d.bodyLimit)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, text, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, text, ""
}

// record applies the counter increment and the delivery insert. Both always
// run; a failure of one does not skip the other. Store errors are logged and
// persisted as system errors.
func (d *Dispatcher) record(ctx context.Context, wh *metadata.WebhookRegistration, attempt *metadata.DeliveryAttempt) {
	ctx = context.WithoutCancel(ctx)
	success := attempt.DeliveryStatus == metadata.DeliverySuccess

	if err := d.store.IncrementWebhookCounter(ctx, wh.ID, success, attempt.AttemptedAt); err != nil {
		reportSystemError(ctx, d.recorder, instrument.CategoryWebhook, instrument.CodeBookkeeping,
			"Webhook", "record", fmt.Errorf("update counters for %s: %w", wh.ID, err))
	}
	if err := d.store.InsertDelivery(ctx, attempt); err != nil {
		reportSystemError(ctx, d.recorder, instrument.CategoryWebhook, instrument.CodeBookkeeping,
			"Webhook", "record", fmt.Errorf("record delivery for %s: %w", wh.ID, err))
	}

	if success {
		log.Debugf("[Webhook] delivered %s to %s (%d)", attempt.EventType, wh.URL, attempt.ResponseCode)
	} else {
		log.Warnf("[Webhook] delivery of %s to %s failed: %s", attempt.EventType, wh.URL, attempt.ErrorMessage)
	}
}

// GetWebhookStats returns registration totals and the trailing 24h delivery
// breakdown.
func (d *Dispatcher) GetWebhookStats(ctx context.Context) (*metadata.WebhookStats, error) {
	stats, err := d.store.WebhookStats(ctx, d.now().Add(-statsWindow))
	if err != nil {
		return nil, fmt.Errorf("webhook stats: %w", err)
	}
	return stats, nil
}

func classifyTransportError(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Sprintf("timeout: %v", err)
	}
	return fmt.Sprintf("network error: %v", err)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
