package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"logging-server/internal/config"
	"logging-server/internal/instrument"
	"logging-server/internal/metadata"
	"logging-server/internal/store"
)

const defaultPrimaryLogTable = "log_entries"

// HealthStore is the persistence surface the health worker needs.
type HealthStore interface {
	DatabaseFilePath() string
	ListTables(ctx context.Context) ([]string, error)
	CountRows(ctx context.Context, table string) (int64, error)
	IntegrityCheck(ctx context.Context) (string, error)
	InsertHealthSnapshot(ctx context.Context, snap *metadata.HealthSnapshot) error
}

// HealthWorker samples store size, row counts and integrity.
type HealthWorker struct {
	store    HealthStore
	recorder instrument.Recorder
	logTable string
	now      func() time.Time
}

func NewHealthWorker(s HealthStore, rec instrument.Recorder, cfg config.WorkerConfig) *HealthWorker {
	table := cfg.PrimaryLogTable
	if table == "" {
		table = defaultPrimaryLogTable
	}
	if rec == nil {
		rec = instrument.NoopRecorder{}
	}
	return &HealthWorker{store: s, recorder: rec, logTable: table, now: time.Now}
}

// Tick takes and persists one snapshot. Errors are logged and recorded.
func (w *HealthWorker) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reportSystemError(ctx, w.recorder, instrument.CategoryBackgroundWorker, instrument.CodeHealthTickFailed, "HealthWorker", "Tick", fmt.Errorf("panic: %v", r))
		}
	}()

	snap, err := w.Snapshot(ctx)
	if err != nil {
		reportSystemError(ctx, w.recorder, instrument.CategoryBackgroundWorker, instrument.CodeHealthTickFailed, "HealthWorker", "Snapshot", err)
		return
	}
	if err := w.store.InsertHealthSnapshot(ctx, snap); err != nil {
		reportSystemError(ctx, w.recorder, instrument.CategoryBackgroundWorker, instrument.CodeHealthTickFailed, "HealthWorker", "Tick", err)
		return
	}
	log.Infof("[HealthWorker] snapshot: %d tables, %d records, integrity_ok=%t",
		snap.TableCount, snap.TotalRecords, snap.IntegrityOK)
}

// Snapshot observes the store without persisting anything.
func (w *HealthWorker) Snapshot(ctx context.Context) (*metadata.HealthSnapshot, error) {
	snap := &metadata.HealthSnapshot{
		IntegrityOK: true,
		Checks:      map[string]bool{},
		CreatedAt:   w.now().UTC(),
	}

	// Size stays nil when there is no file, so absent and empty differ.
	if path := w.store.DatabaseFilePath(); path != "" {
		if fi, err := os.Stat(path); err == nil {
			mb := math.Round(float64(fi.Size())/(1024*1024)*100) / 100
			snap.SizeMB = &mb
		}
	}
	snap.Checks[metadata.CheckFileSize] = snap.SizeMB != nil

	tables, err := w.store.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	for _, table := range tables {
		n, err := w.store.CountRows(ctx, table)
		if err != nil {
			log.Debugf("[HealthWorker] skip %s: %v", table, err)
			continue
		}
		snap.TableCount++
		snap.TotalRecords += n
		if table == w.logTable {
			snap.LogRecords = n
		}
	}
	snap.Checks[metadata.CheckTableCounts] = true

	result, err := w.store.IntegrityCheck(ctx)
	switch {
	case err == nil:
		snap.IntegrityOK = result == "ok"
		snap.Checks[metadata.CheckIntegrity] = true
	case errors.Is(err, store.ErrUnsupported):
		snap.Checks[metadata.CheckIntegrity] = false
	default:
		log.Warnf("[HealthWorker] integrity check: %v", err)
		snap.Checks[metadata.CheckIntegrity] = false
	}
	return snap, nil
}
