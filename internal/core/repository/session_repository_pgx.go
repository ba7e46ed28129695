package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duynhne/session-store/internal/core/domain"
)

const pgUniqueViolation = "23505"

// PgxSessionRepository implements domain.SessionRepository using pgxpool.
type PgxSessionRepository struct {
	pool   *pgxpool.Pool
	schema domain.Schema
	now    func() time.Time

	table, key, data string
}

// NewSessionRepository creates a PgxSessionRepository. The table layout is
// inspected once here; a legacy sessid key column is picked up automatically.
func NewSessionRepository(ctx context.Context, pool *pgxpool.Pool, opts Options) (*PgxSessionRepository, error) {
	opts = opts.withDefaults()

	query := `
		SELECT column_name, COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`
	rows, err := pool.Query(ctx, query, opts.Table)
	if err != nil {
		return nil, fmt.Errorf("inspect table %q: %w", opts.Table, err)
	}
	columns := make(map[string]int)
	for rows.Next() {
		var (
			name   string
			length int
		)
		if err := rows.Scan(&name, &length); err != nil {
			rows.Close()
			return nil, fmt.Errorf("inspect table %q: %w", opts.Table, err)
		}
		columns[name] = length
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect table %q: %w", opts.Table, err)
	}

	schema := resolveSchema(opts, columns)
	return &PgxSessionRepository{
		pool:   pool,
		schema: schema,
		now:    opts.Now,
		table:  pgx.Identifier{schema.Table}.Sanitize(),
		key:    pgx.Identifier{schema.KeyColumn}.Sanitize(),
		data:   pgx.Identifier{schema.DataColumn}.Sanitize(),
	}, nil
}

// Schema returns the resolved table layout.
func (r *PgxSessionRepository) Schema() domain.Schema {
	return r.schema
}

// CreateTable creates the sessions table and its unique key index if missing.
func (r *PgxSessionRepository) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			%s VARCHAR(255) NOT NULL,
			%s TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, r.table, r.key, r.data)
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return err
	}
	index := pgx.Identifier{"index_" + r.schema.Table + "_on_" + r.schema.KeyColumn}.Sanitize()
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)`, index, r.table, r.key))
	return err
}

// DropTable drops the sessions table.
func (r *PgxSessionRepository) DropTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, r.table))
	return err
}

// FindByStorageID looks up the row stored under id.
// Returns (nil, nil) when no row matches.
func (r *PgxSessionRepository) FindByStorageID(ctx context.Context, id string) (*domain.StoredSession, error) {
	query := fmt.Sprintf(`SELECT COALESCE(%s, '') FROM %s WHERE %s = $1`, r.data, r.table, r.key)

	row := domain.StoredSession{StorageID: id}
	err := r.pool.QueryRow(ctx, query, id).Scan(&row.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &row, nil
}

// Insert stores a new row.
func (r *PgxSessionRepository) Insert(ctx context.Context, id, data string) error {
	var (
		query string
		args  []any
	)
	if r.schema.Timestamps {
		query = fmt.Sprintf(`INSERT INTO %s (%s, %s, created_at, updated_at) VALUES ($1, $2, $3, $3)`, r.table, r.key, r.data)
		args = []any{id, data, r.now()}
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES ($1, $2)`, r.table, r.key, r.data)
		args = []any{id, data}
	}
	_, err := r.pool.Exec(ctx, query, args...)
	return pgWriteError(err)
}

// Update replaces the data of the row stored under id.
func (r *PgxSessionRepository) Update(ctx context.Context, id, data string) (bool, error) {
	var (
		query string
		args  []any
	)
	if r.schema.Timestamps {
		query = fmt.Sprintf(`UPDATE %s SET %s = $2, updated_at = $3 WHERE %s = $1`, r.table, r.data, r.key)
		args = []any{id, data, r.now()}
	} else {
		query = fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE %s = $1`, r.table, r.data, r.key)
		args = []any{id, data}
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Rekey moves a row to a new storage id.
func (r *PgxSessionRepository) Rekey(ctx context.Context, from, to string) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE %s = $1`, r.table, r.key, r.key)
	tag, err := r.pool.Exec(ctx, query, from, to)
	if err != nil {
		return pgWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionMissing
	}
	return nil
}

// Delete removes the row stored under id.
func (r *PgxSessionRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, r.table, r.key)
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// DeleteUpdatedBefore removes rows last written before cutoff.
func (r *PgxSessionRepository) DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if !r.schema.Timestamps {
		return 0, domain.ErrNoTimestamps
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE updated_at < $1`, r.table)
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// EachStorageID walks stored ids in key order, one page at a time.
func (r *PgxSessionRepository) EachStorageID(ctx context.Context, pageSize int, fn func(id string) error) error {
	if pageSize <= 0 {
		pageSize = domain.DefaultScanPageSize
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2`, r.key, r.table, r.key, r.key)

	after := ""
	for {
		rows, err := r.pool.Query(ctx, query, after, pageSize)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := fn(id); err != nil {
				return err
			}
		}
		if len(ids) < pageSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

func pgWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}
