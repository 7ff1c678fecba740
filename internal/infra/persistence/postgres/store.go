// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics while writing each commit's key changes to a kv_state table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"identitycore/internal/infra/persistence/memory"
	"identitycore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// DefaultDSN is used when no DSN is configured.
	DefaultDSN = "postgres://localhost/identitycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const stateDDL = `CREATE TABLE IF NOT EXISTS kv_state (
	bucket TEXT NOT NULL,
	key BYTEA NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to DefaultDSN).
// It ensures the state table exists and hydrates the in-memory store from it.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s, err := hydrate(context.Background(), db, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func hydrate(ctx context.Context, db *sql.DB, engine *domain.RulesEngine) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	entries, err := loadEntries(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	if err := mem.ImportState(memory.SnapshotOf(entries)); err != nil {
		return nil, err
	}
	s := &Store{Store: mem, db: db}
	mem.SetCommitHook(s.persist)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, stateDDL); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func loadEntries(ctx context.Context, db *sql.DB) ([]memory.Mutation, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, key, value FROM kv_state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []memory.Mutation
	for rows.Next() {
		var (
			bucket     string
			key, value []byte
		)
		if err := rows.Scan(&bucket, &key, &value); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		entries = append(entries, memory.Mutation{Bucket: domain.Bucket(bucket), Key: key, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return entries, nil
}

func (s *Store) persist(ctx context.Context, mutations []memory.Mutation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return applyMutations(ctx, tx, mutations)
	})
}

// ImportState replaces both the table contents and the in-memory state.
func (s *Store) ImportState(snapshot memory.Snapshot) error {
	return s.ReplaceState(snapshot, func(puts []memory.Mutation) error {
		ctx := context.Background()
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv_state`); err != nil {
				return fmt.Errorf("clear state: %w", err)
			}
			return applyMutations(ctx, tx, puts)
		})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func applyMutations(ctx context.Context, tx *sql.Tx, mutations []memory.Mutation) error {
	for _, m := range mutations {
		if m.Deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv_state WHERE bucket = $1 AND key = $2`, string(m.Bucket), m.Key); err != nil {
				return fmt.Errorf("delete %s: %w", m.Bucket, err)
			}
			continue
		}
		value := m.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_state(bucket, key, value) VALUES($1, $2, $3) ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value`, string(m.Bucket), m.Key, value); err != nil {
			return fmt.Errorf("upsert %s: %w", m.Bucket, err)
		}
	}
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
