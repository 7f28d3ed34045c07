// Package db provides durable storage operations for the sync engine.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Execer is the subset of database/sql operations the Store needs for
// mutations. Both *sql.DB and *sql.Tx satisfy it, which is what lets the
// Transaction Coordinator commit local row mutations, queue inserts and
// audit appends as one unit.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store provides persistence for the queue, conflict log, dead-letter queue
// and audit log. Read paths go through a prepared statement cache;
// statements are prepared on first use and reused.
type Store struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the Transaction Coordinator.
func (s *Store) DB() *sql.DB {
	return s.db
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// nullable maps an empty string to NULL, used for dependency_group.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
