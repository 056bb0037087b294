package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
)

// SQLiteCollector implements Collector using SQLite as the backend.
type SQLiteCollector struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS selections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_addr TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	proxy_name TEXT NOT NULL,
	outcome TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_selections_proxy ON selections(proxy_name);

CREATE TABLE IF NOT EXISTS tunnels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	proxy_name TEXT NOT NULL,
	target_addr TEXT NOT NULL,
	result TEXT NOT NULL,
	detail TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnels_proxy ON tunnels(proxy_name);
`

// NewSQLiteCollector creates a new SQLite-based statistics collector.
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite stats collector at %s", dbPath)
	return &SQLiteCollector{db: db}, nil
}

// RecordSelection records one upstream selection decision.
func (s *SQLiteCollector) RecordSelection(ctx context.Context, clientAddr, targetHost string, targetPort uint16, proxyName, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selections (client_addr, target_host, target_port, proxy_name, outcome, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		clientAddr, targetHost, targetPort, proxyName, outcome, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record selection: %w", err)
	}
	return nil
}

// RecordTunnel records one tunnel negotiation outcome.
func (s *SQLiteCollector) RecordTunnel(ctx context.Context, proxyName, targetAddr, result, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tunnels (proxy_name, target_addr, result, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		proxyName, targetAddr, result, detail, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record tunnel outcome: %w", err)
	}
	return nil
}

// SelectionCount returns the number of recorded selections for a proxy.
func (s *SQLiteCollector) SelectionCount(ctx context.Context, proxyName string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM selections WHERE proxy_name = ?`, proxyName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count selections: %w", err)
	}
	return count, nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
