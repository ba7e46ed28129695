package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/duynhne/session-store/internal/core/domain"
)

var declaredLength = regexp.MustCompile(`\((\d+)\)`)

// SQLiteSessionRepository is a bare SQL implementation of
// domain.SessionRepository on top of database/sql and go-sqlite3.
// Timestamps are stored as unix seconds.
type SQLiteSessionRepository struct {
	db     *sql.DB
	schema domain.Schema
	now    func() time.Time

	table, key, data string
}

// NewSQLiteSessionRepository creates a SQLiteSessionRepository, resolving the
// table layout once.
func NewSQLiteSessionRepository(ctx context.Context, db *sql.DB, opts Options) (*SQLiteSessionRepository, error) {
	opts = opts.withDefaults()

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteSQLite(opts.Table)))
	if err != nil {
		return nil, fmt.Errorf("inspect table %q: %w", opts.Table, err)
	}
	defer rows.Close()

	columns := make(map[string]int)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("inspect table %q: %w", opts.Table, err)
		}
		columns[name] = 0
		if m := declaredLength.FindStringSubmatch(typ); m != nil {
			columns[name], _ = strconv.Atoi(m[1])
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect table %q: %w", opts.Table, err)
	}

	schema := resolveSchema(opts, columns)
	return &SQLiteSessionRepository{
		db:     db,
		schema: schema,
		now:    opts.Now,
		table:  quoteSQLite(schema.Table),
		key:    quoteSQLite(schema.KeyColumn),
		data:   quoteSQLite(schema.DataColumn),
	}, nil
}

// Schema returns the resolved table layout.
func (r *SQLiteSessionRepository) Schema() domain.Schema {
	return r.schema
}

// CreateTable creates the sessions table and its unique key index if missing.
func (r *SQLiteSessionRepository) CreateTable(ctx context.Context) error {
	dataType := "TEXT"
	if r.schema.DataLimit > 0 {
		dataType = fmt.Sprintf("VARCHAR(%d)", r.schema.DataLimit)
	}
	index := quoteSQLite("index_" + r.schema.Table + "_on_" + r.schema.KeyColumn)
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			%s VARCHAR(255) NOT NULL,
			%s %s,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);
		CREATE INDEX IF NOT EXISTS %s ON %s (updated_at);
	`, r.table, r.key, r.data, dataType,
		index, r.table, r.key,
		quoteSQLite("index_"+r.schema.Table+"_on_updated_at"), r.table)
	_, err := r.db.ExecContext(ctx, stmt)
	return err
}

// DropTable drops the sessions table.
func (r *SQLiteSessionRepository) DropTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, r.table))
	return err
}

// FindByStorageID looks up the row stored under id.
// Returns (nil, nil) when no row matches.
func (r *SQLiteSessionRepository) FindByStorageID(ctx context.Context, id string) (*domain.StoredSession, error) {
	query := fmt.Sprintf(`SELECT COALESCE(%s, '') FROM %s WHERE %s = ?`, r.data, r.table, r.key)

	row := domain.StoredSession{StorageID: id}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&row.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// Insert stores a new row.
func (r *SQLiteSessionRepository) Insert(ctx context.Context, id, data string) error {
	var err error
	if r.schema.Timestamps {
		now := r.now().Unix()
		_, err = r.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (%s, %s, created_at, updated_at) VALUES (?, ?, ?, ?)`, r.table, r.key, r.data),
			id, data, now, now)
	} else {
		_, err = r.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (%s, %s) VALUES (?, ?)`, r.table, r.key, r.data),
			id, data)
	}
	return sqliteWriteError(err)
}

// Update replaces the data of the row stored under id.
func (r *SQLiteSessionRepository) Update(ctx context.Context, id, data string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if r.schema.Timestamps {
		res, err = r.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = ?, updated_at = ? WHERE %s = ?`, r.table, r.data, r.key),
			data, r.now().Unix(), id)
	} else {
		res, err = r.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, r.table, r.data, r.key),
			data, id)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Rekey moves a row to a new storage id.
func (r *SQLiteSessionRepository) Rekey(ctx context.Context, from, to string) error {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`, r.table, r.key, r.key),
		to, from)
	if err != nil {
		return sqliteWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSessionMissing
	}
	return nil
}

// Delete removes the row stored under id.
func (r *SQLiteSessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, r.table, r.key), id)
	return err
}

// DeleteUpdatedBefore removes rows last written before cutoff.
func (r *SQLiteSessionRepository) DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if !r.schema.Timestamps {
		return 0, domain.ErrNoTimestamps
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE updated_at < ?`, r.table), cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EachStorageID walks stored ids in key order, one page at a time.
func (r *SQLiteSessionRepository) EachStorageID(ctx context.Context, pageSize int, fn func(id string) error) error {
	if pageSize <= 0 {
		pageSize = domain.DefaultScanPageSize
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s > ? ORDER BY %s LIMIT ?`, r.key, r.table, r.key, r.key)

	after := ""
	for {
		ids, err := r.page(ctx, query, after, pageSize)
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

func (r *SQLiteSessionRepository) page(ctx context.Context, query, after string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func sqliteWriteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %v", domain.ErrDuplicateKey, sqliteErr)
	}
	return err
}

func quoteSQLite(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
