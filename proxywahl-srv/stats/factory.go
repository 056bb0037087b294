package stats

import "fmt"

// BackendConfig selects and configures a statistics backend.
type BackendConfig struct {
	Backend     string // "dummy", "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
}

// NewCollector creates a statistics collector for the configured backend.
// An empty backend means statistics are disabled and a dummy collector is
// returned.
func NewCollector(cfg BackendConfig) (Collector, error) {
	switch cfg.Backend {
	case "", "dummy":
		return NewDummyCollector(), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "proxywahl_stats.db"
		}
		return NewSQLiteCollector(path)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres DSN is required for postgres backend")
		}
		return NewPostgreSQLCollector(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
}
