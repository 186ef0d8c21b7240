package instrument

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"logging-server/internal/store"
)

// Categories and codes for structured system errors.
const (
	CategoryBackgroundWorker = "background_worker"
	CategoryWebhook          = "webhook"

	CodeRetryTickFailed  = "RETRY_TICK_FAILED"
	CodeHealthTickFailed = "HEALTH_TICK_FAILED"
	CodeBookkeeping      = "BOOKKEEPING_FAILED"
)

// SystemError is a structured error raised by a background component.
type SystemError struct {
	Category  string
	Code      string
	Message   string
	Stack     string
	Component string
	Function  string
}

// NewSystemError captures err together with the current goroutine stack.
func NewSystemError(category, code, component, function string, err error) SystemError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return SystemError{
		Category:  category,
		Code:      code,
		Message:   msg,
		Stack:     string(debug.Stack()),
		Component: component,
		Function:  function,
	}
}

// Recorder persists system errors. Record returns its own write error so
// callers can log it and move on.
type Recorder interface {
	Record(ctx context.Context, e SystemError) error
}

// SystemErrorWriter is the store surface a StoreRecorder writes through.
type SystemErrorWriter interface {
	InsertSystemError(ctx context.Context, e *store.SystemErrorRow) error
}

// StoreRecorder writes system errors to the _system_errors table.
type StoreRecorder struct {
	w   SystemErrorWriter
	now func() time.Time
}

func NewStoreRecorder(w SystemErrorWriter) *StoreRecorder {
	return &StoreRecorder{w: w, now: time.Now}
}

func (r *StoreRecorder) Record(ctx context.Context, e SystemError) error {
	row := &store.SystemErrorRow{
		Category:  e.Category,
		Code:      e.Code,
		Message:   e.Message,
		Stack:     e.Stack,
		Component: e.Component,
		Function:  e.Function,
		CreatedAt: r.now().UTC(),
	}
	if err := r.w.InsertSystemError(ctx, row); err != nil {
		return fmt.Errorf("record system error %s/%s: %w", e.Component, e.Code, err)
	}
	return nil
}
