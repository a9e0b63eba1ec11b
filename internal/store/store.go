// Package store persists all governance state in a single embedded
// relational database. Every mutation is serialized through one writer
// and executes inside one transaction; readers see committed snapshots.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store owns the governance database: tasks, products, activities,
// approvals, capabilities, ext_calls, notifications, topics, messages.
type Store struct {
	db         *sql.DB
	isPostgres bool // true when connected to PostgreSQL
	dir        string
	writeMu    sync.Mutex // serializes all write transactions
}

// Config configures the store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// Takes effect when DSN is empty.
	DBPath string

	// DSN is the data-source name. When it starts with "postgres://" or
	// "postgresql://", the PostgreSQL backend (pgx) is used; otherwise the
	// value is treated as a SQLite file path. If both DSN and DBPath are
	// provided, DSN takes precedence.
	DSN string
}

// DBTX is satisfied by both *sql.DB and *sql.Tx so query helpers can run
// standalone or inside a write transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *Store) IsPostgres() bool { return s.isPostgres }

// rebind rewrites a query that uses ? placeholders into one using $N
// placeholders when the store is backed by PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (s *Store) q(query string) string { return rebind(s.isPostgres, query) }

// Open creates a store with the given configuration.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.DBPath
	}
	if dsn == "" {
		dsn = "opsplane.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	var dir string

	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		// SQLite: ensure directory exists.
		dir = filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open store database: %w", err)
		}
		// WAL for concurrent readers, strict FK enforcement, and a busy
		// timeout so the single writer never surfaces SQLITE_BUSY to callers.
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", p, err)
			}
		}
	}

	if err := createTables(db, isPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, isPostgres: isPostgres, dir: dir}, nil
}

func createTables(db *sql.DB, isPostgres bool) error {
	// Primary-key definition differs between SQLite and PostgreSQL.
	pkDef := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if isPostgres {
		pkDef = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		risk_level TEXT NOT NULL DEFAULT 'normal',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		task_type TEXT NOT NULL,
		state TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'P2',
		scope TEXT NOT NULL DEFAULT 'COMPANY',
		product_id TEXT REFERENCES products(id),
		assigned_group TEXT NOT NULL,
		executor TEXT,
		created_by TEXT NOT NULL,
		gate TEXT NOT NULL DEFAULT 'None',
		dod_required INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS activities (
		id %[1]s,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		action TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT,
		actor TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approvals (
		id %[1]s,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		gate_type TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(task_id, gate_type)
	);

	CREATE TABLE IF NOT EXISTS capabilities (
		id %[1]s,
		group_folder TEXT NOT NULL,
		provider TEXT NOT NULL,
		access_level INTEGER NOT NULL,
		allowed_actions TEXT,
		denied_actions TEXT,
		granted_by TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		expires_at TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		UNIQUE(group_folder, provider)
	);

	CREATE TABLE IF NOT EXISTS capability_approvals (
		id %[1]s,
		group_folder TEXT NOT NULL,
		provider TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ext_calls (
		id %[1]s,
		request_id TEXT UNIQUE NOT NULL,
		group_folder TEXT NOT NULL,
		provider TEXT NOT NULL,
		action TEXT NOT NULL,
		access_level INTEGER NOT NULL DEFAULT 0,
		params_hmac TEXT,
		params_summary TEXT,
		status TEXT NOT NULL,
		denial_reason TEXT,
		result_summary TEXT,
		response_data TEXT,
		task_id TEXT,
		product_id TEXT,
		idempotency_key TEXT,
		duration_ms INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id %[1]s,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		target_group TEXT NOT NULL,
		actor TEXT NOT NULL,
		snippet TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		last_activity TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id %[1]s,
		topic_id TEXT,
		group_folder TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);
	`, pkDef)

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(assigned_group);
	CREATE INDEX IF NOT EXISTS idx_activities_task ON activities(task_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_task ON approvals(task_id);
	CREATE INDEX IF NOT EXISTS idx_capabilities_lookup ON capabilities(group_folder, provider);
	CREATE INDEX IF NOT EXISTS idx_ext_calls_status ON ext_calls(status);
	CREATE INDEX IF NOT EXISTS idx_ext_calls_group ON ext_calls(group_folder);
	CREATE INDEX IF NOT EXISTS idx_ext_calls_idem ON ext_calls(idempotency_key, provider, action);
	CREATE INDEX IF NOT EXISTS idx_notifications_target ON notifications(target_group, read);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_folder, timestamp);
	`
	_, err := db.Exec(indexes)
	return err
}

// WithTx runs fn inside a single write transaction. Writes are serialized
// process-wide; either every statement in fn commits or none do.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DB returns the underlying database connection for read-only access.
func (s *Store) DB() *sql.DB { return s.db }

// Dir returns the directory holding the SQLite database file, or "" for
// the PostgreSQL backend.
func (s *Store) Dir() string { return s.dir }

// Close closes the store and releases resources.
func (s *Store) Close() error { return s.db.Close() }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
