package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quiltmesh/quilt/internal/engine"
)

// schema holds the update log: one row per applied update, compacted to a
// single snapshot row at unbind
const schema = `
CREATE TABLE IF NOT EXISTS quilt_updates (
	id       BIGSERIAL PRIMARY KEY,
	doc_name TEXT  NOT NULL,
	data     BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS quilt_updates_doc ON quilt_updates (doc_name, id);
`

// PostgresStore is a Persistence backed by a Postgres update log.
//
// Bind replays a document's rows in insertion order, Update appends one row
// per applied update, and Unbind compacts the document's rows into a single
// snapshot inside a transaction. Multiple runtime instances may share one
// database as long as each document has one coordinator per instance; the
// append-only log tolerates replayed duplicates because engine applies are
// idempotent.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and ensures the schema exists
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// Bind replays the document's stored updates into the engine
func (p *PostgresStore) Bind(ctx context.Context, doc string, eng engine.Engine) (any, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT data FROM quilt_updates WHERE doc_name = $1 ORDER BY id`, doc)
	if err != nil {
		return nil, fmt.Errorf("persistence: load %q: %w", doc, err)
	}
	updates, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("persistence: load %q: %w", doc, err)
	}

	for i, update := range updates {
		if err := eng.ApplyUpdate(update); err != nil {
			return nil, fmt.Errorf("persistence: replay update %d of %q: %w", i, doc, err)
		}
	}
	return 0, nil
}

// Update appends one update row
func (p *PostgresStore) Update(ctx context.Context, state any, update []byte, doc string, eng engine.Engine) (any, error) {
	count, _ := state.(int)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO quilt_updates (doc_name, data) VALUES ($1, $2)`, doc, update)
	if err != nil {
		return nil, fmt.Errorf("persistence: append to %q: %w", doc, err)
	}
	return count + 1, nil
}

// Unbind compacts the document's rows into one snapshot of the final state
func (p *PostgresStore) Unbind(ctx context.Context, _ any, doc string, eng engine.Engine) error {
	snapshot, err := eng.Diff(nil)
	if err != nil {
		return fmt.Errorf("persistence: snapshot %q: %w", doc, err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persistence: compact %q: %w", doc, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM quilt_updates WHERE doc_name = $1`, doc); err != nil {
		return fmt.Errorf("persistence: compact %q: %w", doc, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO quilt_updates (doc_name, data) VALUES ($1, $2)`, doc, snapshot); err != nil {
		return fmt.Errorf("persistence: compact %q: %w", doc, err)
	}
	return tx.Commit(ctx)
}
