package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

const recordColumns = 7

// RecordSink upserts delivered records keyed by directory URL, which gives
// dedup across runs.
type RecordSink struct {
	pool  execCloser
	table string
}

// NewRecordSink constructs a sink from an existing pool.
func NewRecordSink(pool execCloser, table string) (*RecordSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "venues")
	if err != nil {
		return nil, err
	}
	return &RecordSink{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordSink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when it does not exist.
func (s *RecordSink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	dir_url    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	city       TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	run_id     TEXT NOT NULL,
	page       INTEGER NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Deliver writes the whole batch in one statement so it is accepted or
// rejected as a unit.
func (s *RecordSink) Deliver(ctx context.Context, batch crawler.DeliveryBatch) error {
	if s == nil || s.pool == nil {
		return &crawler.DeliveryError{Err: fmt.Errorf("record sink is not configured")}
	}
	if batch.Len() == 0 {
		return nil
	}
	query, args := s.upsertStatement(batch)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &crawler.DeliveryError{Err: fmt.Errorf("upsert records: %w", err)}
	}
	return nil
}

func (s *RecordSink) upsertStatement(batch crawler.DeliveryBatch) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (dir_url, name, city, source, fetched_at, run_id, page) VALUES ", s.table)
	args := make([]any, 0, batch.Len()*recordColumns)
	for i, rec := range batch.Records {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * recordColumns
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		args = append(args,
			rec.DirURL,
			rec.Name,
			rec.City,
			rec.Source,
			rec.FetchedAt.UTC(),
			batch.Lineage.RunID,
			batch.Lineage.FirstPage,
		)
	}
	fmt.Fprintf(&b, ` ON CONFLICT (dir_url) DO UPDATE SET
	name = EXCLUDED.name,
	city = COALESCE(NULLIF(EXCLUDED.city, ''), %s.city),
	source = EXCLUDED.source,
	fetched_at = EXCLUDED.fetched_at,
	run_id = EXCLUDED.run_id,
	page = EXCLUDED.page`, s.table)
	return b.String(), args
}
