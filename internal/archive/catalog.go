package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Catalog mirrors part files into Postgres so operators can query the
// archive without walking the filesystem.
type Catalog struct {
	db      *sqlx.DB
	timeout time.Duration
}

// PartitionRow is one aggregated partition as served by the catalog.
type PartitionRow struct {
	Dataset   string    `db:"dataset" json:"dataset"`
	Partition string    `db:"partition" json:"partition"`
	Symbol    string    `db:"symbol" json:"symbol"`
	TF        string    `db:"tf" json:"tf"`
	Date      string    `db:"date" json:"date"`
	FileCount int       `db:"file_count" json:"file_count"`
	Bytes     int64     `db:"bytes" json:"bytes"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS archive_files (
	path       TEXT PRIMARY KEY,
	dataset    TEXT NOT NULL,
	partition  TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	tf         TEXT NOT NULL,
	date       TEXT NOT NULL,
	size       BIGINT NOT NULL,
	ext        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS archive_files_dataset_partition
	ON archive_files (dataset, partition);`

// NewCatalog wraps an open connection. The timeout bounds every query.
func NewCatalog(db *sqlx.DB, timeout time.Duration) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("catalog: nil db")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Catalog{db: db, timeout: timeout}, nil
}

// EnsureSchema creates the catalog tables when missing.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, catalogSchema); err != nil {
		return fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return nil
}

// RecordFile registers one part file; re-recording the same path is a
// no-op so the writer can retry freely.
func (c *Catalog) RecordFile(ctx context.Context, key PartitionKey, entry FileEntry) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := `
		INSERT INTO archive_files (path, dataset, partition, symbol, tf, date, size, ext)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (path) DO NOTHING`
	_, err := c.db.ExecContext(ctx, query,
		key.Path()+"/"+entry.Path, key.Dataset, key.Path(),
		key.Symbol, key.TF, key.Date, entry.Size, entry.Ext)
	if err != nil {
		return fmt.Errorf("catalog: record file: %w", err)
	}
	return nil
}

// ListPartitions aggregates the dataset's partitions newest-last.
func (c *Catalog) ListPartitions(ctx context.Context, dataset string) ([]PartitionRow, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := `
		SELECT dataset, partition, symbol, tf, date,
		       COUNT(*)        AS file_count,
		       SUM(size)       AS bytes,
		       MAX(created_at) AS updated_at
		FROM archive_files
		WHERE dataset = $1
		GROUP BY dataset, partition, symbol, tf, date
		ORDER BY partition`
	var rows []PartitionRow
	if err := c.db.SelectContext(ctx, &rows, query, dataset); err != nil {
		return nil, fmt.Errorf("catalog: list partitions: %w", err)
	}
	return rows, nil
}
