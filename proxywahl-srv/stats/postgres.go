package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
)

// PostgreSQLCollector implements Collector using PostgreSQL as the backend.
type PostgreSQLCollector struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS selections (
	id BIGSERIAL PRIMARY KEY,
	client_addr TEXT NOT NULL,
	target_host TEXT NOT NULL,
	target_port INTEGER NOT NULL,
	proxy_name TEXT NOT NULL,
	outcome TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_selections_proxy ON selections(proxy_name);

CREATE TABLE IF NOT EXISTS tunnels (
	id BIGSERIAL PRIMARY KEY,
	proxy_name TEXT NOT NULL,
	target_addr TEXT NOT NULL,
	result TEXT NOT NULL,
	detail TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnels_proxy ON tunnels(proxy_name);
`

// NewPostgreSQLCollector creates a new PostgreSQL-based statistics collector.
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres stats collector")
	return &PostgreSQLCollector{db: db}, nil
}

// RecordSelection records one upstream selection decision.
func (p *PostgreSQLCollector) RecordSelection(ctx context.Context, clientAddr, targetHost string, targetPort uint16, proxyName, outcome string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO selections (client_addr, target_host, target_port, proxy_name, outcome, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		clientAddr, targetHost, int(targetPort), proxyName, outcome, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record selection: %w", err)
	}
	return nil
}

// RecordTunnel records one tunnel negotiation outcome.
func (p *PostgreSQLCollector) RecordTunnel(ctx context.Context, proxyName, targetAddr, result, detail string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tunnels (proxy_name, target_addr, result, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		proxyName, targetAddr, result, detail, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record tunnel outcome: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the underlying database.
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
