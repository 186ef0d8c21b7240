package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"logging-server/internal/instrument"
	"logging-server/internal/metadata"
)

type fakeWebhookStore struct {
	mu         sync.Mutex
	hooks      []*metadata.WebhookRegistration
	deliveries []*metadata.DeliveryAttempt
	since      time.Time

	listErr   error
	incErr    error
	insertErr error
	incCalls  int
}

// ListWebhooksForEvent returns every registration, disabled ones included,
// so the dispatcher's own filtering is exercised.
func (f *fakeWebhookStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]*metadata.WebhookRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*metadata.WebhookRegistration, 0, len(f.hooks))
	for _, h := range f.hooks {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeWebhookStore) IncrementWebhookCounter(ctx context.Context, id string, success bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incCalls++
	if f.incErr != nil {
		return f.incErr
	}
	for _, h := range f.hooks {
		if h.ID == id {
			if success {
				h.SuccessCount++
			} else {
				h.FailureCount++
			}
			t := at
			h.LastTriggered = &t
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeWebhookStore) InsertDelivery(ctx context.Context, d *metadata.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.deliveries = append(f.deliveries, d)
	return nil
}

func (f *fakeWebhookStore) WebhookStats(ctx context.Context, since time.Time) (*metadata.WebhookStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = since
	stats := &metadata.WebhookStats{Recent: map[string]int64{}}
	for _, h := range f.hooks {
		stats.TotalWebhooks++
		if h.Enabled {
			stats.ActiveWebhooks++
		}
		stats.TotalSuccesses += h.SuccessCount
		stats.TotalFailures += h.FailureCount
	}
	for _, d := range f.deliveries {
		if !d.AttemptedAt.Before(since) {
			stats.Recent[d.DeliveryStatus]++
		}
	}
	return stats, nil
}

func (f *fakeWebhookStore) hook(id string) *metadata.WebhookRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hooks {
		if h.ID == id {
			return h
		}
	}
	return nil
}

func (f *fakeWebhookStore) deliveriesFor(id string) []*metadata.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*metadata.DeliveryAttempt
	for _, d := range f.deliveries {
		if d.WebhookID == id {
			out = append(out, d)
		}
	}
	return out
}

type fakeOperationStore struct {
	mu        sync.Mutex
	ops       map[string]*metadata.FailedOperation
	listErr   error
	lastLimit int
}

func newFakeOperationStore(ops ...*metadata.FailedOperation) *fakeOperationStore {
	f := &fakeOperationStore{ops: map[string]*metadata.FailedOperation{}}
	for _, op := range ops {
		f.ops[op.ID] = op
	}
	return f
}

func (f *fakeOperationStore) ListDueFailedOperations(ctx context.Context, now time.Time, limit int) ([]*metadata.FailedOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*metadata.FailedOperation
	for _, op := range f.ops {
		if op.Status == metadata.OperationQueued && !op.NextRetryAt.After(now) {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeOperationStore) MarkFailedOperationSucceeded(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[id]
	op.Status = metadata.OperationSucceeded
	t := at
	op.ResolvedAt = &t
	return nil
}

func (f *fakeOperationStore) RescheduleFailedOperation(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, status, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.ops[id]
	op.RetryCount = retryCount
	op.NextRetryAt = nextRetryAt
	op.Status = status
	op.LastError = lastError
	return nil
}

func (f *fakeOperationStore) get(id string) metadata.FailedOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.ops[id]
}

type fakeRecorder struct {
	mu     sync.Mutex
	errors []instrument.SystemError
	err    error
}

func (r *fakeRecorder) Record(ctx context.Context, e instrument.SystemError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
	return r.err
}

func (r *fakeRecorder) recorded() []instrument.SystemError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]instrument.SystemError(nil), r.errors...)
}
