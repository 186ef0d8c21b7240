package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logging-server/internal/config"
	"logging-server/internal/instrument"
	"logging-server/internal/metadata"
	"logging-server/internal/store"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

// captureServer records every request and answers with status and body.
func captureServer(t *testing.T, status int, body string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{header: r.Header.Clone(), body: b})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestMatchesEvent(t *testing.T) {
	tests := []struct {
		events, event string
		want          bool
	}{
		{"alert.raised", "alert.raised", true},
		{"log.created,alert.raised", "log.created", true},
		{"log.created,alert.raised", "alert.raised", true},
		{"a,log.created,b", "log.created", true},
		{"log.created", "log", true}, // substring form matches partial names
		{"log.created", "user.deleted", false},
		{"alert.raised", "Alert.Raised", false},
		{"", "alert.raised", false},
	}
	for _, tt := range tests {
		t.Run(tt.events+"/"+tt.event, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesEvent(tt.events, tt.event))
		})
	}
}

func TestSign(t *testing.T) {
	body := []byte(`{"event":"alert.raised"}`)
	mac := hmac.New(sha256.New, []byte("abc"))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), Sign("abc", body))
	assert.NotEqual(t, Sign("abc", body), Sign("abd", body))
}

func TestComposeHeaders(t *testing.T) {
	body := []byte(`{}`)

	t.Run("base headers and no signature without secret", func(t *testing.T) {
		h := ComposeHeaders(&metadata.WebhookRegistration{}, body, "UA/1")
		assert.Equal(t, "application/json", h.Get("Content-Type"))
		assert.Equal(t, "UA/1", h.Get("User-Agent"))
		_, present := h[SignatureHeader]
		assert.False(t, present)
		assert.Empty(t, h.Get("Authorization"))
	})

	t.Run("custom headers override base", func(t *testing.T) {
		h := ComposeHeaders(&metadata.WebhookRegistration{
			Headers: map[string]string{"User-Agent": "custom", "X-Team": "ops"},
		}, body, "UA/1")
		assert.Equal(t, "custom", h.Get("User-Agent"))
		assert.Equal(t, "ops", h.Get("X-Team"))
	})

	t.Run("bearer", func(t *testing.T) {
		h := ComposeHeaders(&metadata.WebhookRegistration{
			AuthType: metadata.AuthBearer, AuthData: map[string]string{"token": "tok"},
		}, body, "UA/1")
		assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	})

	t.Run("basic", func(t *testing.T) {
		h := ComposeHeaders(&metadata.WebhookRegistration{
			AuthType: metadata.AuthBasic, AuthData: map[string]string{"username": "u", "password": "p"},
		}, body, "UA/1")
		assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("u:p")), h.Get("Authorization"))
	})

	t.Run("custom auth header", func(t *testing.T) {
		h := ComposeHeaders(&metadata.WebhookRegistration{
			AuthType: metadata.AuthHeader, AuthData: map[string]string{"header_name": "X-Api-Key", "header_value": "k"},
		}, body, "UA/1")
		assert.Equal(t, "k", h.Get("X-Api-Key"))
	})

	t.Run("no signature without secret even when configured as a header", func(t *testing.T) {
		h := ComposeHeaders(&metadata.WebhookRegistration{
			Headers:  map[string]string{SignatureHeader: "sha256=forged"},
			AuthType: metadata.AuthHeader,
			AuthData: map[string]string{"header_name": SignatureHeader, "header_value": "sha256=forged"},
		}, body, "UA/1")
		_, present := h[SignatureHeader]
		assert.False(t, present)
	})

	t.Run("signature with secret", func(t *testing.T) {
		h := ComposeHeaders(&metadata.WebhookRegistration{Secret: "abc"}, body, "UA/1")
		assert.Equal(t, Sign("abc", body), h.Get(SignatureHeader))
	})
}

func TestTriggerWebhooks_FailedDeliveryEndToEnd(t *testing.T) {
	srv, requests := captureServer(t, http.StatusInternalServerError, "upstream exploded")
	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{{
		ID: "wh1", Name: "ops", URL: srv.URL, Events: "log.created,alert.raised", Enabled: true, Secret: "s3cr3t",
	}}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})

	d.TriggerWebhooks(context.Background(), "alert.raised", map[string]any{"level": "error"})

	deliveries := fs.deliveriesFor("wh1")
	require.Len(t, deliveries, 1)
	assert.Equal(t, metadata.DeliveryFailed, deliveries[0].DeliveryStatus)
	assert.Equal(t, 500, deliveries[0].ResponseCode)
	assert.Equal(t, "upstream exploded", deliveries[0].ResponseBody)
	assert.Equal(t, "HTTP 500", deliveries[0].ErrorMessage)

	hook := fs.hook("wh1")
	assert.Equal(t, int64(1), hook.FailureCount)
	assert.Equal(t, int64(0), hook.SuccessCount)
	assert.NotNil(t, hook.LastTriggered)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, Sign("s3cr3t", reqs[0].body), reqs[0].header.Get(SignatureHeader))
	assert.Equal(t, string(reqs[0].body), deliveries[0].Payload)
	assert.Equal(t, defaultUserAgent, reqs[0].header.Get("User-Agent"))

	var env Envelope
	require.NoError(t, json.Unmarshal(reqs[0].body, &env))
	assert.Equal(t, "alert.raised", env.Event)
	assert.Equal(t, "wh1", env.Webhook.ID)
	assert.Equal(t, "ops", env.Webhook.Name)
	assert.Equal(t, map[string]any{"level": "error"}, env.Data)
	assert.NotEmpty(t, env.Timestamp)
}

func TestTriggerWebhooks_OneAttemptPerMatchingRegistration(t *testing.T) {
	okSrv, okRequests := captureServer(t, http.StatusOK, "fine")
	badSrv, _ := captureServer(t, http.StatusBadGateway, "")

	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{
		{ID: "ok", URL: okSrv.URL, Events: "log.created", Enabled: true},
		{ID: "bad", URL: badSrv.URL, Events: "x,log.created", Enabled: true},
		{ID: "disabled", URL: okSrv.URL, Events: "log.created", Enabled: false},
		{ID: "other", URL: okSrv.URL, Events: "user.deleted", Enabled: true},
	}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})

	before := totalCount(fs)
	d.TriggerWebhooks(context.Background(), "log.created", "payload")

	assert.Equal(t, before+2, totalCount(fs))
	assert.Len(t, fs.deliveriesFor("ok"), 1)
	assert.Len(t, fs.deliveriesFor("bad"), 1)
	assert.Empty(t, fs.deliveriesFor("disabled"))
	assert.Empty(t, fs.deliveriesFor("other"))

	assert.Equal(t, metadata.DeliverySuccess, fs.deliveriesFor("ok")[0].DeliveryStatus)
	assert.Equal(t, "fine", fs.deliveriesFor("ok")[0].ResponseBody)
	assert.Equal(t, int64(1), fs.hook("ok").SuccessCount)
	assert.Equal(t, int64(1), fs.hook("bad").FailureCount)

	reqs := okRequests()
	require.Len(t, reqs, 1)
	_, present := reqs[0].header[SignatureHeader]
	assert.False(t, present)
}

func TestTriggerWebhooks_NoMatchesIsNoop(t *testing.T) {
	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{
		{ID: "a", URL: "http://127.0.0.1:1", Events: "user.deleted", Enabled: true},
	}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})

	d.TriggerWebhooks(context.Background(), "alert.raised", nil)

	assert.Empty(t, fs.deliveries)
	assert.Zero(t, fs.incCalls)
	assert.Nil(t, fs.hook("a").LastTriggered)
}

func TestTriggerWebhooks_ListErrorIsSwallowed(t *testing.T) {
	fs := &fakeWebhookStore{listErr: errors.New("db down")}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})

	assert.NotPanics(t, func() {
		d.TriggerWebhooks(context.Background(), "alert.raised", nil)
	})
	assert.Empty(t, fs.deliveries)
}

func TestTriggerWebhooks_NetworkErrorRecordsZeroCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{
		{ID: "gone", URL: url, Events: "alert.raised", Enabled: true},
	}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})
	d.TriggerWebhooks(context.Background(), "alert.raised", nil)

	deliveries := fs.deliveriesFor("gone")
	require.Len(t, deliveries, 1)
	assert.Equal(t, 0, deliveries[0].ResponseCode)
	assert.Equal(t, metadata.DeliveryFailed, deliveries[0].DeliveryStatus)
	assert.True(t, strings.HasPrefix(deliveries[0].ErrorMessage, "network error:"), deliveries[0].ErrorMessage)
	assert.Equal(t, int64(1), fs.hook("gone").FailureCount)
}

func TestTriggerWebhooks_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{
		{ID: "slow", URL: srv.URL, Events: "alert.raised", Enabled: true},
	}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{DeliveryTimeout: 50 * time.Millisecond})
	d.TriggerWebhooks(context.Background(), "alert.raised", nil)

	deliveries := fs.deliveriesFor("slow")
	require.Len(t, deliveries, 1)
	assert.Equal(t, 0, deliveries[0].ResponseCode)
	assert.True(t, strings.HasPrefix(deliveries[0].ErrorMessage, "timeout:"), deliveries[0].ErrorMessage)
}

func TestTriggerWebhooks_TruncatesResponseBody(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, strings.Repeat("é", 1500))
	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{
		{ID: "big", URL: srv.URL, Events: "alert.raised", Enabled: true},
	}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})
	d.TriggerWebhooks(context.Background(), "alert.raised", nil)

	deliveries := fs.deliveriesFor("big")
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1000, utf8.RuneCountInString(deliveries[0].ResponseBody))
	assert.True(t, utf8.ValidString(deliveries[0].ResponseBody))
}

func TestTriggerWebhooks_Conditions(t *testing.T) {
	srv, requests := captureServer(t, http.StatusOK, "")
	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{
		{ID: "errors-only", URL: srv.URL, Events: "log.created", Enabled: true, Condition: `data.level == "error"`},
		{ID: "broken", URL: srv.URL, Events: "log.created", Enabled: true, Condition: `data.level ==`},
	}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})

	d.TriggerWebhooks(context.Background(), "log.created", map[string]any{"level": "info"})
	assert.Empty(t, fs.deliveriesFor("errors-only"))
	assert.Empty(t, requests())

	broken := fs.deliveriesFor("broken")
	require.Len(t, broken, 1)
	assert.Equal(t, metadata.DeliveryFailed, broken[0].DeliveryStatus)
	assert.Contains(t, broken[0].ErrorMessage, "compile webhook condition")
	assert.Equal(t, int64(1), fs.hook("broken").FailureCount)

	d.TriggerWebhooks(context.Background(), "log.created", map[string]any{"level": "error"})
	require.Len(t, fs.deliveriesFor("errors-only"), 1)
	assert.Equal(t, metadata.DeliverySuccess, fs.deliveriesFor("errors-only")[0].DeliveryStatus)
	assert.Len(t, requests(), 1)
}

func TestTriggerWebhooks_BookkeepingFailuresAreIndependent(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	fs := &fakeWebhookStore{
		hooks:  []*metadata.WebhookRegistration{{ID: "a", URL: srv.URL, Events: "alert.raised", Enabled: true}},
		incErr: errors.New("counter update failed"),
	}
	rec := &fakeRecorder{}
	d := NewDispatcher(fs, rec, config.WebhookConfig{})
	d.TriggerWebhooks(context.Background(), "alert.raised", nil)

	assert.Equal(t, 1, fs.incCalls)
	assert.Len(t, fs.deliveriesFor("a"), 1)
	require.Len(t, rec.recorded(), 1)
	assert.Contains(t, rec.recorded()[0].Message, "counter update failed")
}

func TestTriggerWebhooks_BookkeepingFailuresAreRecorded(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	fs := &fakeWebhookStore{
		hooks:     []*metadata.WebhookRegistration{{ID: "a", URL: srv.URL, Events: "alert.raised", Enabled: true}},
		incErr:    errors.New("counter update failed"),
		insertErr: errors.New("insert delivery failed"),
	}
	// The recorder failing too must not stop the second write.
	rec := &fakeRecorder{err: errors.New("system errors unavailable")}
	d := NewDispatcher(fs, rec, config.WebhookConfig{})
	d.TriggerWebhooks(context.Background(), "alert.raised", nil)

	assert.Equal(t, 1, fs.incCalls)
	errs := rec.recorded()
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, instrument.CategoryWebhook, e.Category)
		assert.Equal(t, instrument.CodeBookkeeping, e.Code)
		assert.Equal(t, "Webhook", e.Component)
		assert.Equal(t, "record", e.Function)
	}
	assert.Contains(t, errs[0].Message, "counter update failed")
	assert.Contains(t, errs[1].Message, "insert delivery failed")
}

// orphanStore hands out a registration that has no row, so both bookkeeping
// writes fail against the real database.
type orphanStore struct {
	*store.Store
	url string
}

func (o orphanStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]*metadata.WebhookRegistration, error) {
	return []*metadata.WebhookRegistration{
		{ID: "4b0c2f7e-9d1a-4e55-8f3b-0a6c1d2e3f40", URL: o.url, Events: eventType, Enabled: true},
	}, nil
}

func TestTriggerWebhooks_BookkeepingFailuresPersistSystemErrors(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "webhooks"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))

	srv, _ := captureServer(t, http.StatusOK, "")
	d := NewDispatcher(orphanStore{Store: s, url: srv.URL}, instrument.NewStoreRecorder(s), config.WebhookConfig{})
	d.TriggerWebhooks(ctx, "alert.raised", nil)

	n, err := s.CountRows(ctx, "_system_errors")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountRows(ctx, "_webhook_deliveries")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTriggerWebhooks_RedirectIsNotFollowed(t *testing.T) {
	target, targetRequests := captureServer(t, http.StatusOK, "ok")
	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	t.Cleanup(redirect.Close)

	fs := &fakeWebhookStore{hooks: []*metadata.WebhookRegistration{
		{ID: "moved", URL: redirect.URL, Events: "log.created", Enabled: true},
	}}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})
	d.TriggerWebhooks(context.Background(), "log.created", nil)

	deliveries := fs.deliveriesFor("moved")
	require.Len(t, deliveries, 1)
	assert.Equal(t, http.StatusFound, deliveries[0].ResponseCode)
	assert.Equal(t, metadata.DeliveryFailed, deliveries[0].DeliveryStatus)
	assert.Equal(t, "HTTP 302", deliveries[0].ErrorMessage)
	assert.Empty(t, targetRequests())
	assert.Equal(t, int64(1), fs.hook("moved").FailureCount)
}

func TestGetWebhookStats(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeWebhookStore{
		hooks: []*metadata.WebhookRegistration{
			{ID: "a", Enabled: true, SuccessCount: 3, FailureCount: 1},
			{ID: "b", Enabled: false, FailureCount: 2},
		},
		deliveries: []*metadata.DeliveryAttempt{
			{WebhookID: "a", DeliveryStatus: metadata.DeliverySuccess, AttemptedAt: now.Add(-time.Hour)},
			{WebhookID: "a", DeliveryStatus: metadata.DeliveryFailed, AttemptedAt: now.Add(-48 * time.Hour)},
		},
	}
	d := NewDispatcher(fs, nil, config.WebhookConfig{})
	d.now = func() time.Time { return now }

	stats, err := d.GetWebhookStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(-24*time.Hour), fs.since)
	assert.Equal(t, int64(2), stats.TotalWebhooks)
	assert.Equal(t, int64(1), stats.ActiveWebhooks)
	assert.Equal(t, int64(3), stats.TotalSuccesses)
	assert.Equal(t, int64(3), stats.TotalFailures)
	assert.Equal(t, map[string]int64{metadata.DeliverySuccess: 1}, stats.Recent)
}

func totalCount(fs *fakeWebhookStore) int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var n int64
	for _, h := range fs.hooks {
		n += h.SuccessCount + h.FailureCount
	}
	return n
}
