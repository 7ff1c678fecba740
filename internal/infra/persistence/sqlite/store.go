// Package sqlite persists the key-value registry state in an embedded SQLite
// database. The in-memory store stays authoritative for reads; every commit
// writes its net key changes to the kv_state table first.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"identitycore/internal/infra/persistence/memory"
	"identitycore/pkg/domain"
)

// DefaultPath is used when no database path is configured.
const DefaultPath = "identitycore.db"

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ domain.PersistentStore = (*Store)(nil)

// Store is a memory.Store whose commits are written through to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path, applies migrations and
// loads the persisted state.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.SetCommitHook(s.persist)
	return s, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	// m.Close would close db as well; the source is an embed.FS with nothing to release.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, key, value FROM kv_state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var entries []memory.Mutation
	for rows.Next() {
		var (
			bucket     string
			key, value []byte
		)
		if err := rows.Scan(&bucket, &key, &value); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, memory.Mutation{Bucket: domain.Bucket(bucket), Key: key, Value: value})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	return s.Store.ImportState(memory.SnapshotOf(entries))
}

func (s *Store) persist(ctx context.Context, mutations []memory.Mutation) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := applyMutations(ctx, tx, mutations); err != nil {
		return err
	}
	return tx.Commit()
}

func applyMutations(ctx context.Context, tx *sql.Tx, mutations []memory.Mutation) error {
	for _, m := range mutations {
		if m.Deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv_state WHERE bucket = ? AND key = ?`, string(m.Bucket), m.Key); err != nil {
				return fmt.Errorf("delete %s: %w", m.Bucket, err)
			}
			continue
		}
		value := m.Value
		if value == nil {
			value = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_state(bucket, key, value) VALUES(?, ?, ?)
			ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value`, string(m.Bucket), m.Key, value); err != nil {
			return fmt.Errorf("upsert %s: %w", m.Bucket, err)
		}
	}
	return nil
}

// ImportState replaces both the table contents and the in-memory state.
func (s *Store) ImportState(snapshot memory.Snapshot) error {
	return s.ReplaceState(snapshot, func(puts []memory.Mutation) (retErr error) {
		ctx := context.Background()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if retErr != nil {
				_ = tx.Rollback()
			}
		}()
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_state`); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
		if err := applyMutations(ctx, tx, puts); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
