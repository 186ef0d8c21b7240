package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logging-server/internal/config"
	"logging-server/internal/instrument"
	"logging-server/internal/metadata"
	"logging-server/internal/store"
)

func TestStartWorkers_NilStoreReturnsNoop(t *testing.T) {
	w := StartWorkers(context.Background(), nil, instrument.NoopRecorder{}, WorkerOptions{
		Config: config.WorkerConfig{Enabled: true},
	})
	assert.False(t, w.Running())
	assert.NotPanics(t, func() {
		w.Cleanup()
		w.Cleanup()
	})
}

func TestStartWorkers_DisabledReturnsNoop(t *testing.T) {
	w := StartWorkers(context.Background(), &store.Store{}, instrument.NoopRecorder{}, WorkerOptions{})
	assert.False(t, w.Running())
	w.Cleanup()
}

func TestStartWorkers_UnreachableStoreReturnsNoop(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "closed"})
	require.NoError(t, err)
	s.Close()

	w := StartWorkers(ctx, s, instrument.NoopRecorder{}, WorkerOptions{Config: config.WorkerConfig{
		Enabled:        true,
		RetryInterval:  10 * time.Millisecond,
		HealthInterval: 10 * time.Millisecond,
	}})
	assert.False(t, w.Running())
	assert.NotPanics(t, func() {
		w.Cleanup()
		w.Cleanup()
	})
}

func TestStartWorkers_ReplaysAndSnapshots(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "workers"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))

	op := &metadata.FailedOperation{
		OperationType: metadata.OperationLogInsert,
		Payload:       `{"id":"7d5c2f0e-3b8e-4c1a-9f6e-2a4b8c0d1e2f","level":"error","source":"ingest","message":"replayed"}`,
		MaxRetries:    3,
		NextRetryAt:   time.Now().Add(-time.Minute),
	}
	require.NoError(t, s.InsertFailedOperation(ctx, op))

	w := StartWorkers(ctx, s, instrument.NewStoreRecorder(s), WorkerOptions{Config: config.WorkerConfig{
		Enabled:        true,
		RetryInterval:  20 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
	}})
	require.True(t, w.Running())
	defer w.Cleanup()

	require.Eventually(t, func() bool {
		got, err := s.GetFailedOperation(ctx, op.ID)
		return err == nil && got.Status == metadata.OperationSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		snaps, err := s.LatestHealthSnapshots(ctx, 1)
		return err == nil && len(snaps) == 1
	}, 5*time.Second, 20*time.Millisecond)

	snaps, err := s.LatestHealthSnapshots(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, snaps[0].SizeMB)
	assert.True(t, snaps[0].IntegrityOK)

	// Overlapping ticks may replay twice; the fixed id keeps the row unique.
	n, err := s.CountRows(ctx, "log_entries")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	w.Cleanup()
	w.Cleanup()
}
