// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Persists one row per domain with the tool list as a JSON column.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLite store at the given path. The schema
// is created if missing, and parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS domain_snapshots (
			domain TEXT PRIMARY KEY,
			tools TEXT NOT NULL,
			last_updated DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot upserts the snapshot row for the domain.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *DomainSnapshot) error {
	toolsJSON, err := json.Marshal(snap.Tools)
	if err != nil {
		return fmt.Errorf("marshaling tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO domain_snapshots (domain, tools, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			tools = excluded.tools,
			last_updated = excluded.last_updated
	`, snap.Domain, string(toolsJSON), snap.LastUpdated.UTC())
	if err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", snap.Domain, err)
	}
	return nil
}

// LoadSnapshots returns every stored snapshot.
func (s *SQLiteStore) LoadSnapshots(ctx context.Context) ([]*DomainSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, tools, last_updated
		FROM domain_snapshots
		ORDER BY domain
	`)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*DomainSnapshot
	for rows.Next() {
		var (
			snap      DomainSnapshot
			toolsJSON string
			updated   time.Time
		)
		if err := rows.Scan(&snap.Domain, &toolsJSON, &updated); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(toolsJSON), &snap.Tools); err != nil {
			// A corrupt row should not block startup; skip it.
			s.logger.Warn("skipping corrupt snapshot row",
				"domain", snap.Domain,
				"error", err,
			)
			continue
		}
		snap.LastUpdated = updated
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return snaps, nil
}

// DeleteSnapshot removes the snapshot row for a domain.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, domain string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM domain_snapshots WHERE domain = ?`, domain); err != nil {
		return fmt.Errorf("deleting snapshot for %s: %w", domain, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
