package store

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"

	"github.com/vrsandeep/imdb-etl/internal/datasets"
)

// Load replaces the contents of the dataset's table with the COPY text rows
// read from r. Table and index creation, truncation and the copy share one
// transaction, so a failed load leaves the previous contents in place.
func (s *Store) Load(ctx context.Context, ds datasets.Dataset, r io.Reader) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, ds.CreateTableSQL()); err != nil {
		return 0, fmt.Errorf("creating table %s: %w", ds.Name, err)
	}
	for _, stmt := range ds.CreateIndexSQL() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, fmt.Errorf("creating index on %s: %w", ds.Name, err)
		}
	}
	if _, err := tx.Exec(ctx, ds.TruncateSQL()); err != nil {
		return 0, fmt.Errorf("truncating %s: %w", ds.Name, err)
	}

	tag, err := tx.Conn().PgConn().CopyFrom(ctx, r, ds.CopySQL())
	if err != nil {
		return 0, fmt.Errorf("copying into %s: %w", ds.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
