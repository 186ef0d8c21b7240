package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"logging-server/internal/metadata"
)

// InsertLogEntry writes a row to the primary log table.
func (s *Store) InsertLogEntry(ctx context.Context, e *metadata.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = "info"
	}
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO log_entries (id, timestamp, level, source, message, metadata)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(e.ID), pb.Add(s.Dialect.TimeParam(e.Timestamp)), pb.Add(e.Level),
			pb.Add(e.Source), pb.Add(e.Message), pb.Add(encodeJSON(e.Metadata))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", s.Dialect.MapError(err))
	}
	return nil
}
