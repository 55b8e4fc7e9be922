package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the queue documents and the attempt log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "fieldsync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// --- Documents ---

// GetDocument returns the document stored under key, or ErrNotFound.
func (s *Store) GetDocument(key string) (Document, error) {
	var d Document
	var updatedAt string
	err := s.db.QueryRow(`SELECT key, value, updated_at FROM documents WHERE key = ?`, key).
		Scan(&d.Key, &d.Value, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(timeFormat, updatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	d.UpdatedAt = t
	return d, nil
}

// PutDocument overwrites the whole value stored under key.
func (s *Store) PutDocument(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO documents (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(timeFormat),
	)
	return err
}

// --- Attempt log ---

func (s *Store) RecordAttempt(a Attempt) error {
	_, err := s.db.Exec(`
		INSERT INTO attempt_log (id, entry_id, attempted_at, success, status_code, duplicate, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EntryID, a.AttemptedAt.UTC().Format(timeFormat),
		boolToInt(a.Success), a.StatusCode, boolToInt(a.Duplicate), a.Error,
	)
	return err
}

// RecentAttempts returns up to limit attempts, newest first. An empty entryID
// returns attempts for all entries.
func (s *Store) RecentAttempts(entryID string, limit int) ([]Attempt, error) {
	query := `SELECT id, entry_id, attempted_at, success, status_code, duplicate, error FROM attempt_log`
	var args []interface{}
	if entryID != "" {
		query += ` WHERE entry_id = ?`
		args = append(args, entryID)
	}
	query += ` ORDER BY attempted_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attempt
	for rows.Next() {
		var a Attempt
		var attemptedAt string
		var success, duplicate int
		if err := rows.Scan(&a.ID, &a.EntryID, &attemptedAt, &success, &a.StatusCode, &duplicate, &a.Error); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeFormat, attemptedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing attempted_at: %w", err)
		}
		a.AttemptedAt = t
		a.Success = success != 0
		a.Duplicate = duplicate != 0
		results = append(results, a)
	}
	return results, rows.Err()
}

// PruneAttempts deletes log rows older than cutoff and returns how many were removed.
func (s *Store) PruneAttempts(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM attempt_log WHERE attempted_at < ?`, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
