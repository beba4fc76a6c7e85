package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskforge/internal/scheduler"
)

// Store defines the persistence interface for tasks and the outcome log.
type Store interface {
	// Task operations
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	ListApproved(ctx context.Context) ([]*scheduler.Task, error)
	CompletedIDs(ctx context.Context) (map[string]bool, error)
	Approve(ctx context.Context, taskID string) error
	UpdateStatus(ctx context.Context, taskID string, status scheduler.Status) error
	RequeueInterrupted(ctx context.Context) (int, error)

	// Outcome log
	RecordOutcome(ctx context.Context, outcome scheduler.Outcome) error
	ListOutcomes(ctx context.Context, taskID string, limit int) ([]scheduler.Outcome, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// pragmas are applied to every pooled connection. modernc.org/sqlite takes
// them as _pragma parameters; a one-off PRAGMA would only reach one connection.
const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath, pragmas)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each call gets its own named database; the shared cache lets the pool's
// connections see the same data.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas)
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for dependency lookups while iterating.
	db.SetMaxOpenConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
