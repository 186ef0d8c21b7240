package instrument

import "context"

// NoopRecorder discards system errors. Used when no store is available.
type NoopRecorder struct{}

func (NoopRecorder) Record(ctx context.Context, e SystemError) error { return nil }
