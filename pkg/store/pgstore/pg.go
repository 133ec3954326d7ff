// Package pgstore implements the store.Backend contract on PostgreSQL.
// Rows, index entries and unique claims live in three tables; transactions
// run at serializable isolation so lost races surface as store.ErrBusy and
// get retried by the caller instead of corrupting invariants.
package pgstore

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/relaymesh/relayd/pkg/store"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store is a PostgreSQL-backed store.Backend.
type Store struct {
	db *stdsql.DB
}

// DB returns the underlying pool for health checks and test plumbing.
func (s *Store) DB() *stdsql.DB {
	return s.db
}

// Open connects, configures the pool and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenDSN connects with a raw connection string and applies pending
// migrations. The database name for the migration journal is taken from
// the DSN itself.
func OpenDSN(ctx context.Context, dsn string) (*Store, error) {
	connCfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, connCfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenDB wraps an already-connected pool and applies pending migrations
// (useful for tests that manage their own database lifecycle).
func OpenDB(db *stdsql.DB, database string) (*Store, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// View runs fn in a read-only snapshot transaction.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, &stdsql.TxOptions{Isolation: stdsql.LevelRepeatableRead, ReadOnly: true}, fn)
}

// Update runs fn at serializable isolation. Serialization failures and
// deadlocks come back as store.ErrBusy.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, &stdsql.TxOptions{Isolation: stdsql.LevelSerializable}, fn)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) run(ctx context.Context, opts *stdsql.TxOptions, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return mapPgError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError translates SQLSTATEs into the store's error kinds. 40001 and
// 40P01 are retryable races; 23505 is a uniqueness violation that slipped
// past the explicit checks.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrBusy, pgErr.Code)
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}

// scanBatchSize bounds keyset-paginated scans. database/sql transactions
// hold one connection, so result sets are drained before callbacks run.
const scanBatchSize = 256

type pgTx struct {
	ctx context.Context
	tx  *stdsql.Tx
}

func (t *pgTx) Get(family, id string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM kv_rows WHERE family = $1 AND id = $2`,
		family, id,
	).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *pgTx) Put(family, id string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv_rows (family, id, value) VALUES ($1, $2, $3)
		 ON CONFLICT (family, id) DO UPDATE SET value = EXCLUDED.value`,
		family, id, value,
	)
	return err
}

func (t *pgTx) Delete(family, id string) error {
	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM kv_rows WHERE family = $1 AND id = $2`,
		family, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) Scan(family string, fn func(id string, value []byte) error) error {
	return t.scanRows(family, "ASC", fn)
}

func (t *pgTx) ScanReverse(family string, fn func(id string, value []byte) error) error {
	return t.scanRows(family, "DESC", fn)
}

type kvRow struct {
	id    string
	value []byte
}

func (t *pgTx) scanRows(family, dir string, fn func(id string, value []byte) error) error {
	first := `SELECT id, value FROM kv_rows WHERE family = $1 ORDER BY id ASC LIMIT $2`
	next := `SELECT id, value FROM kv_rows WHERE family = $1 AND id > $2 ORDER BY id ASC LIMIT $3`
	if dir == "DESC" {
		first = `SELECT id, value FROM kv_rows WHERE family = $1 ORDER BY id DESC LIMIT $2`
		next = `SELECT id, value FROM kv_rows WHERE family = $1 AND id < $2 ORDER BY id DESC LIMIT $3`
	}

	var cursor *string
	for {
		var batch []kvRow
		var err error
		if cursor == nil {
			batch, err = t.fetchBatch(first, family, scanBatchSize)
		} else {
			batch, err = t.fetchBatch(next, family, *cursor, scanBatchSize)
		}
		if err != nil {
			return err
		}
		for _, row := range batch {
			if err := fn(row.id, row.value); err != nil {
				if err == store.ErrStop {
					return nil
				}
				return err
			}
		}
		if len(batch) < scanBatchSize {
			return nil
		}
		cursor = &batch[len(batch)-1].id
	}
}

func (t *pgTx) fetchBatch(query string, args ...any) ([]kvRow, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := make([]kvRow, 0, scanBatchSize)
	for rows.Next() {
		var row kvRow
		if err := rows.Scan(&row.id, &row.value); err != nil {
			return nil, err
		}
		batch = append(batch, row)
	}
	return batch, rows.Err()
}

func (t *pgTx) SetIndex(family, index, key, id string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv_index (family, idx, key, id) VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		family, index, key, id,
	)
	return err
}

func (t *pgTx) UnsetIndex(family, index, key, id string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM kv_index WHERE family = $1 AND idx = $2 AND key = $3 AND id = $4`,
		family, index, key, id,
	)
	return err
}

func (t *pgTx) ScanIndex(family, index, key string, fn func(id string) error) error {
	cursor := ""
	for {
		ids, err := t.fetchIndexBatch(family, index, key, cursor)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := fn(id); err != nil {
				if err == store.ErrStop {
					return nil
				}
				return err
			}
		}
		if len(ids) < scanBatchSize {
			return nil
		}
		cursor = ids[len(ids)-1]
	}
}

func (t *pgTx) fetchIndexBatch(family, index, key, cursor string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM kv_index
		 WHERE family = $1 AND idx = $2 AND key = $3 AND id > $4
		 ORDER BY id ASC LIMIT $5`,
		family, index, key, cursor, scanBatchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, scanBatchSize)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetUnique claims key via read-then-insert. Under serializable isolation
// a concurrent claim of the same key aborts one transaction with a
// serialization failure rather than poisoning this one mid-flight.
func (t *pgTx) SetUnique(family, index, key, id string) error {
	var holder string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT id FROM kv_unique WHERE family = $1 AND idx = $2 AND key = $3`,
		family, index, key,
	).Scan(&holder)
	switch {
	case err == nil:
		if holder == id {
			return nil
		}
		return store.ErrConflict
	case errors.Is(err, stdsql.ErrNoRows):
		_, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO kv_unique (family, idx, key, id) VALUES ($1, $2, $3, $4)`,
			family, index, key, id,
		)
		return err
	default:
		return err
	}
}

func (t *pgTx) UnsetUnique(family, index, key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM kv_unique WHERE family = $1 AND idx = $2 AND key = $3`,
		family, index, key,
	)
	return err
}

func (t *pgTx) LookupUnique(family, index, key string) (string, error) {
	var id string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT id FROM kv_unique WHERE family = $1 AND idx = $2 AND key = $3`,
		family, index, key,
	).Scan(&id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}
