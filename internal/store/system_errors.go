package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemErrorRow is a structured error record written by background workers.
type SystemErrorRow struct {
	ID        string
	Category  string
	Code      string
	Message   string
	Stack     string
	Component string
	Function  string
	CreatedAt time.Time
}

// InsertSystemError appends a row to _system_errors.
func (s *Store) InsertSystemError(ctx context.Context, e *SystemErrorRow) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO _system_errors (id, category, code, message, stack, component, function, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(e.ID), pb.Add(e.Category), pb.Add(e.Code), pb.Add(e.Message), pb.Add(e.Stack),
			pb.Add(e.Component), pb.Add(e.Function), pb.Add(s.Dialect.TimeParam(e.CreatedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert system error: %w", err)
	}
	return nil
}

// CountSystemErrors returns the number of rows for a component.
func (s *Store) CountSystemErrors(ctx context.Context, component string) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT COUNT(*) AS count FROM _system_errors WHERE component = %s", pb.Add(component)),
		pb.Params()...)
	if err != nil {
		return 0, err
	}
	return toInt64(row["count"]), nil
}
