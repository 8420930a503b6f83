package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	// Timestamps are compared as text; keep them all in UTC.
	entry.Timestamp = entry.Timestamp.UTC()

	query := `
		INSERT INTO audit (action, outcome, session_id, peer_address, fingerprint, batch_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Outcome,
		entry.SessionID,
		entry.PeerAddress,
		entry.Fingerprint,
		entry.BatchID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, outcome, session_id, peer_address, fingerprint, batch_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR session_id = ?)
		  AND (? IS NULL OR timestamp >= ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	var since *time.Time
	if filter.Since != nil {
		t := filter.Since.UTC()
		since = &t
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Action, filter.Action,
		filter.SessionID, filter.SessionID,
		since, since,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Outcome,
			&entry.SessionID,
			&entry.PeerAddress,
			&entry.Fingerprint,
			&entry.BatchID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// DeleteAuditEntriesBefore removes entries older than before.
func (s *SQLiteStore) DeleteAuditEntriesBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit entries: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
