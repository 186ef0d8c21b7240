package metadata

import "time"

// Keys of HealthSnapshot.Checks.
const (
	CheckFileSize    = "file_size"
	CheckTableCounts = "table_counts"
	CheckIntegrity   = "integrity_check"
)

// HealthSnapshot is an append-only point-in-time observation of the store.
// SizeMB is nil when the database file could not be found.
type HealthSnapshot struct {
	ID           string          `json:"id"`
	SizeMB       *float64        `json:"size_mb"`
	TableCount   int             `json:"table_count"`
	TotalRecords int64           `json:"total_records"`
	LogRecords   int64           `json:"log_records"`
	IntegrityOK  bool            `json:"integrity_ok"`
	Checks       map[string]bool `json:"checks"`
	CreatedAt    time.Time       `json:"created_at"`
}
