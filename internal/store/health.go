package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"logging-server/internal/metadata"
)

// ListTables enumerates user tables.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := QueryRows(ctx, s.DB, s.Dialect.ListTablesSQL())
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, toString(row["name"]))
	}
	return tables, nil
}

// CountRows returns the number of rows in table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row, err := QueryRow(ctx, s.DB, fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", quoteIdent(table)))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return toInt64(row["count"]), nil
}

// IntegrityCheck runs the dialect's lightweight integrity query and returns
// its first result ("ok" when healthy).
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	q := s.Dialect.IntegrityCheckSQL()
	if q == "" {
		return "", ErrUnsupported
	}
	var result string
	if err := s.DB.QueryRowContext(ctx, q).Scan(&result); err != nil {
		return "", fmt.Errorf("integrity check: %w", err)
	}
	return result, nil
}

// InsertHealthSnapshot appends a snapshot.
func (s *Store) InsertHealthSnapshot(ctx context.Context, snap *metadata.HealthSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	var size any
	if snap.SizeMB != nil {
		size = *snap.SizeMB
	}
	pb := s.Dialect.NewParamBuilder()
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO _database_health (id, size_mb, table_count, total_records, log_records, integrity_ok, checks, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
			pb.Add(snap.ID), pb.Add(size), pb.Add(snap.TableCount), pb.Add(snap.TotalRecords),
			pb.Add(snap.LogRecords), pb.Add(snap.IntegrityOK), pb.Add(encodeJSON(snap.Checks)),
			pb.Add(s.Dialect.TimeParam(snap.CreatedAt))),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert health snapshot: %w", err)
	}
	return nil
}

// LatestHealthSnapshots returns the newest snapshots first.
func (s *Store) LatestHealthSnapshots(ctx context.Context, limit int) ([]*metadata.HealthSnapshot, error) {
	pb := s.Dialect.NewParamBuilder()
	rows, err := QueryRows(ctx, s.DB,
		fmt.Sprintf(`SELECT id, size_mb, table_count, total_records, log_records, integrity_ok, checks, created_at
		 FROM _database_health ORDER BY created_at DESC LIMIT %s`, pb.Add(limit)),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list health snapshots: %w", err)
	}
	out := make([]*metadata.HealthSnapshot, 0, len(rows))
	for _, row := range rows {
		snap := &metadata.HealthSnapshot{
			ID:           toString(row["id"]),
			SizeMB:       toFloatPtr(row["size_mb"]),
			TableCount:   toInt(row["table_count"]),
			TotalRecords: toInt64(row["total_records"]),
			LogRecords:   toInt64(row["log_records"]),
			IntegrityOK:  toBool(row["integrity_ok"]),
			Checks:       map[string]bool{},
		}
		_ = json.Unmarshal([]byte(toString(row["checks"])), &snap.Checks)
		if t, ok := toTime(row["created_at"]); ok {
			snap.CreatedAt = t
		}
		out = append(out, snap)
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
