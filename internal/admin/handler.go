package admin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"logging-server/internal/engine"
	"logging-server/internal/metadata"
	"logging-server/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Store is the persistence surface behind the admin endpoints.
type Store interface {
	CreateWebhook(ctx context.Context, wh *metadata.WebhookRegistration) error
	GetWebhook(ctx context.Context, id string) (*metadata.WebhookRegistration, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*metadata.DeliveryAttempt, error)
	GetFailedOperation(ctx context.Context, id string) (*metadata.FailedOperation, error)
	ListFailedOperations(ctx context.Context, status string, limit int) ([]*metadata.FailedOperation, error)
	RequeueFailedOperation(ctx context.Context, id string, at time.Time) error
	LatestHealthSnapshots(ctx context.Context, limit int) ([]*metadata.HealthSnapshot, error)
}

// Dispatcher emits events and reports delivery stats.
type Dispatcher interface {
	TriggerWebhooks(ctx context.Context, eventType string, data any)
	GetWebhookStats(ctx context.Context) (*metadata.WebhookStats, error)
}

type Handler struct {
	store      Store
	dispatcher Dispatcher
	now        func() time.Time
	background func(func())
}

func NewHandler(s Store, d Dispatcher) *Handler {
	return &Handler{
		store:      s,
		dispatcher: d,
		now:        time.Now,
		background: func(fn func()) { go fn() },
	}
}

// RegisterAdminRoutes mounts the admin API behind authMW and adminMW, and the
// event emitter behind authMW only.
func RegisterAdminRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	app.Post("/api/_events", authMW, h.EmitEvent)

	admin := app.Group("/api/_admin", authMW, adminMW)

	admin.Post("/webhooks", h.CreateWebhook)
	admin.Get("/webhooks/stats", h.WebhookStats)
	admin.Get("/webhooks/:id", h.GetWebhook)
	admin.Get("/webhooks/:id/deliveries", h.ListDeliveries)

	admin.Get("/failed-operations", h.ListFailedOperations)
	admin.Post("/failed-operations/:id/retry", h.RetryFailedOperation)

	admin.Get("/health", h.ListHealthSnapshots)
}

// --- Webhook Endpoints ---

type createWebhookRequest struct {
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Events    string            `json:"events"`
	Enabled   *bool             `json:"enabled"`
	Secret    string            `json:"secret"`
	Headers   map[string]string `json:"headers"`
	AuthType  string            `json:"auth_type"`
	AuthData  map[string]string `json:"auth_data"`
	Condition string            `json:"condition"`
}

func (h *Handler) CreateWebhook(c *fiber.Ctx) error {
	var body createWebhookRequest
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if details := validateWebhook(&body); len(details) > 0 {
		return engine.ValidationError(details)
	}

	wh := &metadata.WebhookRegistration{
		Name:      body.Name,
		URL:       body.URL,
		Events:    body.Events,
		Enabled:   body.Enabled == nil || *body.Enabled,
		Secret:    body.Secret,
		Headers:   body.Headers,
		AuthType:  body.AuthType,
		AuthData:  body.AuthData,
		Condition: body.Condition,
	}
	if err := h.store.CreateWebhook(c.UserContext(), wh); err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return c.Status(201).JSON(fiber.Map{"data": wh})
}

func (h *Handler) GetWebhook(c *fiber.Ctx) error {
	id := c.Params("id")
	wh, err := h.store.GetWebhook(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.NotFoundError("Webhook", id)
		}
		return fmt.Errorf("get webhook: %w", err)
	}
	return c.JSON(fiber.Map{"data": wh})
}

func (h *Handler) WebhookStats(c *fiber.Ctx) error {
	stats, err := h.dispatcher.GetWebhookStats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

func (h *Handler) ListDeliveries(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.store.GetWebhook(c.UserContext(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.NotFoundError("Webhook", id)
		}
		return fmt.Errorf("get webhook: %w", err)
	}
	deliveries, err := h.store.ListDeliveries(c.UserContext(), id, queryLimit(c))
	if err != nil {
		return fmt.Errorf("list deliveries: %w", err)
	}
	return c.JSON(fiber.Map{"data": deliveries})
}

// --- Failed Operation Endpoints ---

func (h *Handler) ListFailedOperations(c *fiber.Ctx) error {
	status := c.Query("status")
	switch status {
	case "", metadata.OperationQueued, metadata.OperationSucceeded, metadata.OperationAbandoned:
	default:
		return engine.ValidationError([]engine.ErrorDetail{{Field: "status", Message: "unknown status: " + status}})
	}
	ops, err := h.store.ListFailedOperations(c.UserContext(), status, queryLimit(c))
	if err != nil {
		return fmt.Errorf("list failed operations: %w", err)
	}
	return c.JSON(fiber.Map{"data": ops})
}

// RetryFailedOperation makes a queued or abandoned operation due now.
func (h *Handler) RetryFailedOperation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")

	op, err := h.store.GetFailedOperation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.NotFoundError("Failed operation", id)
		}
		return fmt.Errorf("get failed operation: %w", err)
	}
	if op.Status == metadata.OperationSucceeded {
		return engine.NewAppError("INVALID_STATE", 422, "Operation already succeeded")
	}

	if err := h.store.RequeueFailedOperation(ctx, id, h.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.NewAppError("INVALID_STATE", 422, "Operation already succeeded")
		}
		return fmt.Errorf("requeue failed operation: %w", err)
	}

	op, err = h.store.GetFailedOperation(ctx, id)
	if err != nil {
		return fmt.Errorf("get failed operation: %w", err)
	}
	return c.JSON(fiber.Map{"data": op})
}

// --- Health Endpoints ---

func (h *Handler) ListHealthSnapshots(c *fiber.Ctx) error {
	snaps, err := h.store.LatestHealthSnapshots(c.UserContext(), queryLimit(c))
	if err != nil {
		return fmt.Errorf("list health snapshots: %w", err)
	}
	return c.JSON(fiber.Map{"data": snaps})
}

// --- Events ---

// EmitEvent handles POST /api/_events. Delivery happens in the background.
func (h *Handler) EmitEvent(c *fiber.Ctx) error {
	var body struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if strings.TrimSpace(body.Event) == "" {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "event", Message: "event is required"}})
	}

	h.background(func() {
		h.dispatcher.TriggerWebhooks(context.Background(), body.Event, body.Data)
	})
	return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"status": "accepted", "event": body.Event}})
}

func validateWebhook(w *createWebhookRequest) []engine.ErrorDetail {
	var details []engine.ErrorDetail
	if strings.TrimSpace(w.Name) == "" {
		details = append(details, engine.ErrorDetail{Field: "name", Message: "name is required"})
	}
	if u, err := url.Parse(w.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		details = append(details, engine.ErrorDetail{Field: "url", Message: "url must be an absolute http(s) URL"})
	}
	if strings.TrimSpace(w.Events) == "" {
		details = append(details, engine.ErrorDetail{Field: "events", Message: "events is required"})
	}
	switch w.AuthType {
	case "", metadata.AuthNone, metadata.AuthBearer, metadata.AuthBasic, metadata.AuthHeader:
	default:
		details = append(details, engine.ErrorDetail{Field: "auth_type", Message: "unknown auth_type: " + w.AuthType})
	}
	return details
}

func queryLimit(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
