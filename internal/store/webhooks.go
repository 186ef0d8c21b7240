package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"logging-server/internal/metadata"
)

const webhookColumns = `id, name, url, events, enabled, secret, headers, auth_type, auth_data, condition,
	success_count, failure_count, last_triggered`

const deliveryColumns = `id, webhook_id, event_type, payload, response_code, response_body,
	delivery_status, error_message, attempted_at`

// CreateWebhook inserts a registration. An empty ID is generated.
func (s *Store) CreateWebhook(ctx context.Context, wh *metadata.WebhookRegistration) error {
	if wh.ID == "" {
		wh.ID = uuid.New().String()
	}
	if wh.AuthType == "" {
		wh.AuthType = metadata.AuthNone
	}
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO _webhooks (id, name, url, events, enabled, secret, headers, auth_type, auth_data, condition)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(wh.ID), pb.Add(wh.Name), pb.Add(wh.URL), pb.Add(wh.Events), pb.Add(wh.Enabled),
			pb.Add(wh.Secret), pb.Add(encodeJSON(wh.Headers)), pb.Add(wh.AuthType),
			pb.Add(encodeJSON(wh.AuthData)), pb.Add(wh.Condition)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", s.Dialect.MapError(err))
	}
	return nil
}

// GetWebhook loads a registration by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (*metadata.WebhookRegistration, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM _webhooks WHERE id = %s", webhookColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return scanWebhook(row), nil
}

// ListWebhooksForEvent returns enabled registrations whose events column may
// reference eventType. The LIKE prefilter is a superset (wildcards in the
// event name, SQLite's case-insensitive LIKE); callers apply the exact match.
func (s *Store) ListWebhooksForEvent(ctx context.Context, eventType string) ([]*metadata.WebhookRegistration, error) {
	pb := s.Dialect.NewParamBuilder()
	query := fmt.Sprintf(`SELECT %s FROM _webhooks
		WHERE enabled = TRUE AND (events = %s OR events LIKE %s OR events LIKE %s OR events LIKE %s)`,
		webhookColumns,
		pb.Add(eventType), pb.Add("%"+eventType+"%"), pb.Add(eventType+",%"), pb.Add("%,"+eventType))
	rows, err := QueryRows(ctx, s.DB, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks for %s: %w", eventType, err)
	}
	hooks := make([]*metadata.WebhookRegistration, 0, len(rows))
	for _, row := range rows {
		hooks = append(hooks, scanWebhook(row))
	}
	return hooks, nil
}

// IncrementWebhookCounter bumps success_count or failure_count by one and
// stamps last_triggered in a single statement.
func (s *Store) IncrementWebhookCounter(ctx context.Context, id string, success bool, at time.Time) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	pb := s.Dialect.NewParamBuilder()
	ts := s.Dialect.TimeParam(at)
	n, err := Exec(ctx, s.DB,
		fmt.Sprintf("UPDATE _webhooks SET %s = %s + 1, last_triggered = %s, updated_at = %s WHERE id = %s",
			column, column, pb.Add(ts), pb.Add(ts), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("increment %s for webhook %s: %w", column, id, err)
	}
	if n == 0 {
		return fmt.Errorf("increment %s for webhook %s: %w", column, id, ErrNotFound)
	}
	return nil
}

// InsertDelivery records one delivery attempt.
func (s *Store) InsertDelivery(ctx context.Context, d *metadata.DeliveryAttempt) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO _webhook_deliveries (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			deliveryColumns,
			pb.Add(d.ID), pb.Add(d.WebhookID), pb.Add(d.EventType), pb.Add(d.Payload),
			pb.Add(d.ResponseCode), pb.Add(d.ResponseBody), pb.Add(d.DeliveryStatus),
			pb.Add(d.ErrorMessage), pb.Add(s.Dialect.TimeParam(d.AttemptedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert delivery for webhook %s: %w", d.WebhookID, err)
	}
	return nil
}

// ListDeliveries returns the most recent delivery attempts for a webhook.
func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*metadata.DeliveryAttempt, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf("SELECT %s FROM _webhook_deliveries WHERE webhook_id = %s ORDER BY attempted_at DESC LIMIT %s",
			deliveryColumns, pb.Add(webhookID), pb.Add(limit)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	out := make([]*metadata.DeliveryAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, scanDelivery(row))
	}
	return out, nil
}

// WebhookStats aggregates registration counters and groups deliveries
// attempted at or after since by status.
func (s *Store) WebhookStats(ctx context.Context, since time.Time) (*metadata.WebhookStats, error) {
	row, err := QueryRow(ctx, s.DB, fmt.Sprintf(
		`SELECT COUNT(*) AS total,
		        COALESCE(%s, 0) AS active,
		        COALESCE(SUM(success_count), 0) AS successes,
		        COALESCE(SUM(failure_count), 0) AS failures
		 FROM _webhooks`, s.Dialect.FilterCountExpr("enabled = TRUE")))
	if err != nil {
		return nil, fmt.Errorf("webhook totals: %w", err)
	}

	stats := &metadata.WebhookStats{
		TotalWebhooks:  toInt64(row["total"]),
		ActiveWebhooks: toInt64(row["active"]),
		TotalSuccesses: toInt64(row["successes"]),
		TotalFailures:  toInt64(row["failures"]),
		Recent:         map[string]int64{},
	}

	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf(`SELECT delivery_status, COUNT(*) AS count FROM _webhook_deliveries
		 WHERE attempted_at >= %s GROUP BY delivery_status`, pb.Add(s.Dialect.TimeParam(since))),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	for _, r := range rows {
		stats.Recent[toString(r["delivery_status"])] = toInt64(r["count"])
	}
	return stats, nil
}

func scanWebhook(row map[string]any) *metadata.WebhookRegistration {
	return &metadata.WebhookRegistration{
		ID:            toString(row["id"]),
		Name:          toString(row["name"]),
		URL:           toString(row["url"]),
		Events:        toString(row["events"]),
		Enabled:       toBool(row["enabled"]),
		Secret:        toString(row["secret"]),
		Headers:       decodeStringMap(row["headers"]),
		AuthType:      toString(row["auth_type"]),
		AuthData:      decodeStringMap(row["auth_data"]),
		Condition:     toString(row["condition"]),
		SuccessCount:  toInt64(row["success_count"]),
		FailureCount:  toInt64(row["failure_count"]),
		LastTriggered: toTimePtr(row["last_triggered"]),
	}
}

func scanDelivery(row map[string]any) *metadata.DeliveryAttempt {
	d := &metadata.DeliveryAttempt{
		ID:             toString(row["id"]),
		WebhookID:      toString(row["webhook_id"]),
		EventType:      toString(row["event_type"]),
		Payload:        toString(row["payload"]),
		ResponseCode:   toInt(row["response_code"]),
		ResponseBody:   toString(row["response_body"]),
		DeliveryStatus: toString(row["delivery_status"]),
		ErrorMessage:   toString(row["error_message"]),
	}
	if t, ok := toTime(row["attempted_at"]); ok {
		d.AttemptedAt = t
	}
	return d
}
