package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tvwall-proxy/work/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schema holds the probe history table. Every availability probe writes
// one row, so operators can see how a stream behaved over time instead
// of only its latest verdict.
const schema = `
CREATE TABLE IF NOT EXISTS probe_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	playable INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	checked_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_probe_results_url ON probe_results(url, checked_at DESC);
CREATE INDEX IF NOT EXISTS idx_probe_results_checked_at ON probe_results(checked_at DESC);
`

// DB wraps the sql.DB with probe history operations
type DB struct {
	*sql.DB
}

// ProbeRow represents one recorded availability probe
type ProbeRow struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Playable  bool      `json:"playable"`
	Reason    string    `json:"reason"`
	ElapsedMs int64     `json:"elapsed_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Open creates a new database connection with WAL mode and applies the schema
func Open(path string) (*DB, error) {

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open with optimized pragmas
	dsn := fmt.Sprintf("file:%s?_timefmt=sqlite&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Debug("{database - Open} SQLite database opened with WAL mode: %s", path)

	return &DB{DB: db}, nil
}

// RecordProbes stores a batch of probe outcomes in one transaction
func (db *DB) RecordProbes(rows []ProbeRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO probe_results (url, playable, reason, elapsed_ms, checked_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, row := range rows {
		if _, err := stmt.Exec(row.URL, row.Playable, row.Reason, row.ElapsedMs, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record probe for %s: %w", row.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit probe batch: %w", err)
	}

	logger.Debug("{database - RecordProbes} Recorded %d probe result(s)", len(rows))
	return nil
}

// RecentProbes returns the most recent probe results, newest first
func (db *DB) RecentProbes(limit int) ([]ProbeRow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(
		`SELECT id, url, playable, reason, elapsed_ms, checked_at
		 FROM probe_results ORDER BY checked_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query probes: %w", err)
	}
	defer rows.Close()

	var results []ProbeRow
	for rows.Next() {
		var row ProbeRow
		if err := rows.Scan(&row.ID, &row.URL, &row.Playable, &row.Reason, &row.ElapsedMs, &row.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan probe row: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// ProbeHistory returns all recorded probes for one URL, newest first
func (db *DB) ProbeHistory(url string, limit int) ([]ProbeRow, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(
		`SELECT id, url, playable, reason, elapsed_ms, checked_at
		 FROM probe_results WHERE url = ? ORDER BY checked_at DESC, id DESC LIMIT ?`, url, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe history: %w", err)
	}
	defer rows.Close()

	var results []ProbeRow
	for rows.Next() {
		var row ProbeRow
		if err := rows.Scan(&row.ID, &row.URL, &row.Playable, &row.Reason, &row.ElapsedMs, &row.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan probe row: %w", err)
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Prune deletes probe rows older than the retention window
func (db *DB) Prune(olderThan time.Duration) (int64, error) {
	res, err := db.Exec(
		`DELETE FROM probe_results WHERE checked_at < ?`,
		time.Now().Add(-olderThan).UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune probes: %w", err)
	}
	return res.RowsAffected()
}

// GetStats returns database statistics
func (db *DB) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total, playable int
	if err := db.QueryRow(`SELECT COUNT(*) FROM probe_results`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count probes: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM probe_results WHERE playable = 1`).Scan(&playable); err != nil {
		return nil, fmt.Errorf("failed to count playable probes: %w", err)
	}
	stats["probe_count"] = total
	stats["probe_playable_count"] = playable

	var pageCount, pageSize int
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	stats["database_size_bytes"] = pageCount * pageSize

	return stats, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	logger.Debug("{database - Close} Closing database connection")
	return db.DB.Close()
}
