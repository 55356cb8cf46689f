// Package replica implements the downstream SQLite-compatible store: DDL
// generation from pkg/schema.LiteTableSpec, batched row writes, and the
// _zero.* bookkeeping tables spec.md §6 names but does not detail in Go
// terms.
package replica

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/edgeflare/pgreplicate/pkg/schema"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a single-writer SQLite-compatible replica file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the replica file at path and ensures the
// _zero bookkeeping tables exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("replica: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer, per spec.md §5

	s := &Store{db: db}
	if err := s.ensureZeroTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (e.g. pkg/initsync's batch copy)
// that need transaction control beyond what Store's own methods offer.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ensureZeroTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS "_zero.replicationConfig" (
			publications TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS "_zero.replicationState" (
			stateVersion TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS "_zero.changeLog" (
			watermark TEXT NOT NULL,
			"schema" TEXT NOT NULL,
			"table" TEXT NOT NULL,
			op TEXT NOT NULL,
			row TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("replica: ensure zero tables: %w", err)
	}
	return nil
}

// CreateTable issues the SQLite-compatible CREATE TABLE for t, spelling
// every column's declared type verbatim (the "<base>|<suffix>[|<suffix>]"
// encoding schema.StorageType produces) - SQLite has no real type system,
// so the suffix-laden string is simply stored as the column's type name
// and interpreted by readers, never enforced by the store itself.
func (s *Store) CreateTable(ctx context.Context, t schema.LiteTableSpec) error {
	return s.createTableTx(ctx, s.db, t)
}

// execer is the subset of *sql.DB and *sql.Tx that createTableTx and
// createIndexTx need, so the same DDL-issuing code serves both the plain
// Store methods (run outside any transaction, during initial sync) and
// Applier's DDL handling (run inside the transaction a pending commit will
// close).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) createTableTx(ctx context.Context, ex execer, t schema.LiteTableSpec) error {
	var cols []string
	for _, name := range t.Columns.Names() {
		col, _ := t.Columns.Get(name)
		cols = append(cols, fmt.Sprintf(`%q %q`, name, col.DataType))
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (%s)`, t.QualifiedName(), strings.Join(cols, ", "))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("replica: create table %s: %w", t.QualifiedName(), err)
	}
	return nil
}

// CreateIndex issues an index (UNIQUE when unique is set) covering cols on
// table, named name -
// used after initial sync's data load and after schema-change DDL.
func (s *Store) CreateIndex(ctx context.Context, table, name string, cols []string, unique bool) error {
	return s.createIndexTx(ctx, s.db, table, name, cols, unique)
}

func (s *Store) createIndexTx(ctx context.Context, ex execer, table, name string, cols []string, unique bool) error {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	uniqueKeyword := ""
	if unique {
		uniqueKeyword = "UNIQUE "
	}
	stmt := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %q ON %q (%s)`, uniqueKeyword, name, table, strings.Join(quoted, ", "))
	if _, err := ex.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("replica: create index %s on %s: %w", name, table, err)
	}
	return nil
}

// DropTable drops a replica table, used by the change maker's drop-table
// DDL translation.
func (s *Store) DropTable(ctx context.Context, qualifiedName string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, qualifiedName))
	if err != nil {
		return fmt.Errorf("replica: drop table %s: %w", qualifiedName, err)
	}
	return nil
}

// PersistReplicationConfig writes _zero.replicationConfig and
// _zero.replicationState after a successful initial sync, per spec.md
// §4.6 step 6.
func (s *Store) PersistReplicationConfig(ctx context.Context, publicationsJSON, stateVersion string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replica: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM "_zero.replicationConfig"`); err != nil {
		return fmt.Errorf("replica: clear replicationConfig: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO "_zero.replicationConfig" (publications) VALUES (?)`, publicationsJSON); err != nil {
		return fmt.Errorf("replica: insert replicationConfig: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM "_zero.replicationState"`); err != nil {
		return fmt.Errorf("replica: clear replicationState: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO "_zero.replicationState" (stateVersion) VALUES (?)`, stateVersion); err != nil {
		return fmt.Errorf("replica: insert replicationState: %w", err)
	}

	return tx.Commit()
}

// StateVersion reads the current stateVersion watermark.
func (s *Store) StateVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT stateVersion FROM "_zero.replicationState"`).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("replica: read state version: %w", err)
	}
	return v, nil
}
