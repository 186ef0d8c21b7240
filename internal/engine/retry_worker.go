package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"logging-server/internal/config"
	"logging-server/internal/instrument"
	"logging-server/internal/metadata"
	"logging-server/internal/store"
)

const (
	defaultRetryBatchSize     = 50
	defaultDeferredRetryDelay = 2 * time.Minute
)

// ReplayFunc re-executes the payload of a failed operation.
type ReplayFunc func(ctx context.Context, payload string) error

// HandlerRegistry maps operation types to replay functions. Types with no
// registered handler are deferred by the retry worker, never abandoned.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ReplayFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]ReplayFunc)}
}

// Register adds or replaces the handler for an operation type.
func (r *HandlerRegistry) Register(operationType string, fn ReplayFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operationType] = fn
}

// Lookup returns the handler for an operation type.
func (r *HandlerRegistry) Lookup(operationType string) (ReplayFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[operationType]
	return fn, ok
}

// LogWriter is the store surface the log_insert replay needs.
type LogWriter interface {
	InsertLogEntry(ctx context.Context, e *metadata.LogEntry) error
}

// LogInsertReplay re-inserts a log entry. A row that already exists counts
// as replayed.
func LogInsertReplay(w LogWriter) ReplayFunc {
	return func(ctx context.Context, payload string) error {
		var entry metadata.LogEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return fmt.Errorf("decode log entry: %w", err)
		}
		if err := w.InsertLogEntry(ctx, &entry); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return nil
			}
			return err
		}
		return nil
	}
}

// DefaultHandlers returns a registry with the built-in log_insert handler.
func DefaultHandlers(w LogWriter) *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register(metadata.OperationLogInsert, LogInsertReplay(w))
	return r
}

// FailedOperationStore is the persistence surface the retry worker needs.
type FailedOperationStore interface {
	ListDueFailedOperations(ctx context.Context, now time.Time, limit int) ([]*metadata.FailedOperation, error)
	MarkFailedOperationSucceeded(ctx context.Context, id string, at time.Time) error
	RescheduleFailedOperation(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, status, lastError string) error
}

// RetryWorker replays due failed operations with exponential backoff.
type RetryWorker struct {
	store      FailedOperationStore
	handlers   *HandlerRegistry
	recorder   instrument.Recorder
	batchSize  int
	deferDelay time.Duration
	now        func() time.Time
}

func NewRetryWorker(s FailedOperationStore, handlers *HandlerRegistry, rec instrument.Recorder, cfg config.WorkerConfig) *RetryWorker {
	batch := cfg.RetryBatchSize
	if batch <= 0 {
		batch = defaultRetryBatchSize
	}
	delay := cfg.DeferredRetryDelay
	if delay <= 0 {
		delay = defaultDeferredRetryDelay
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	if rec == nil {
		rec = instrument.NoopRecorder{}
	}
	return &RetryWorker{
		store:      s,
		handlers:   handlers,
		recorder:   rec,
		batchSize:  batch,
		deferDelay: delay,
		now:        time.Now,
	}
}

// Tick processes one batch of due operations, one at a time. Errors are
// logged and recorded; nothing escapes.
func (w *RetryWorker) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reportSystemError(ctx, w.recorder, instrument.CategoryBackgroundWorker, instrument.CodeRetryTickFailed, "RetryWorker", "Tick", fmt.Errorf("panic: %v", r))
		}
	}()

	ops, err := w.store.ListDueFailedOperations(ctx, w.now(), w.batchSize)
	if err != nil {
		reportSystemError(ctx, w.recorder, instrument.CategoryBackgroundWorker, instrument.CodeRetryTickFailed, "RetryWorker", "Tick", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	log.Debugf("[RetryWorker] processing %d due operation(s)", len(ops))
	for _, op := range ops {
		if err := w.process(ctx, op); err != nil {
			reportSystemError(ctx, w.recorder, instrument.CategoryBackgroundWorker, instrument.CodeRetryTickFailed, "RetryWorker", "process", err)
		}
	}
}

func (w *RetryWorker) process(ctx context.Context, op *metadata.FailedOperation) error {
	if op.IsTerminal() {
		return nil
	}
	now := w.now()

	replay, ok := w.handlers.Lookup(op.OperationType)
	if !ok {
		log.Warnf("[RetryWorker] no handler for %s (op %s), deferring", op.OperationType, op.ID)
		return w.store.RescheduleFailedOperation(ctx, op.ID, op.RetryCount+1, now.Add(w.deferDelay),
			metadata.OperationQueued, "unsupported operation type: "+op.OperationType)
	}

	if err := replay(ctx, op.Payload); err != nil {
		retryCount := op.RetryCount + 1
		status := metadata.OperationQueued
		if retryCount >= op.MaxRetries {
			status = metadata.OperationAbandoned
		}
		next := now.Add(backoffDelay(op.RetryCount))
		if status == metadata.OperationAbandoned {
			log.Errorf("[RetryWorker] %s %s abandoned after %d attempt(s): %v", op.OperationType, op.ID, retryCount, err)
		} else {
			log.Warnf("[RetryWorker] %s %s failed (attempt %d/%d), next at %s: %v",
				op.OperationType, op.ID, retryCount, op.MaxRetries, next.Format(time.RFC3339), err)
		}
		return w.store.RescheduleFailedOperation(ctx, op.ID, retryCount, next, status, err.Error())
	}

	log.Infof("[RetryWorker] %s %s replayed", op.OperationType, op.ID)
	return w.store.MarkFailedOperationSucceeded(ctx, op.ID, now)
}

// backoffDelay is 2^retryCount minutes, saturating at the largest Duration.
func backoffDelay(retryCount int) time.Duration {
	d := math.Pow(2, float64(retryCount)) * float64(time.Minute)
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// reportSystemError logs err and persists it as a system error. A failure to
// persist is only logged.
func reportSystemError(ctx context.Context, rec instrument.Recorder, category, code, component, function string, err error) {
	log.Errorf("[%s] %s: %v", component, function, err)
	se := instrument.NewSystemError(category, code, component, function, err)
	if rerr := rec.Record(context.WithoutCancel(ctx), se); rerr != nil {
		log.Errorf("[%s] %v", component, rerr)
	}
}
