package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codefionn/proxywahl/proxywahl-srv/config"
	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
	"github.com/codefionn/proxywahl/proxywahl-srv/proxy"
	"github.com/codefionn/proxywahl/proxywahl-srv/router"
	"github.com/codefionn/proxywahl/proxywahl-srv/stats"
)

var version string

func main() {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	listenAddr := flag.String("addr", ":8080", "Proxy listen address")
	configDir := flag.String("config-dir", "conf", "Directory scanned for upstream proxy configuration (*.yaml, *.yml, *.json)")
	timeout := flag.Duration("timeout", 30*time.Second, "Dial and handshake timeout for upstream connections")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	logLevel := flag.String("log-level", "", "Log level (trace, debug, info, warn, error, fatal)")
	metricsAddr := flag.String("metrics-addr", "", "Listen address for Prometheus metrics (empty disables)")
	statsBackend := flag.String("stats-backend", "", "Statistics backend: dummy, sqlite or postgres (empty disables)")
	statsSQLitePath := flag.String("stats-sqlite-path", "", "Path to the SQLite statistics database")
	statsPostgresDSN := flag.String("stats-postgres-dsn", "", "PostgreSQL DSN for the statistics database")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("proxywahl version:", version)
		os.Exit(0)
	}

	if *logLevel != "" {
		logger.SetLevel(logger.GetLevelFromString(*logLevel))
	} else if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting proxywahl proxy server")

	collector, err := stats.NewCollector(stats.BackendConfig{
		Backend:     *statsBackend,
		SQLitePath:  *statsSQLitePath,
		PostgresDSN: *statsPostgresDSN,
	})
	if err != nil {
		logger.Fatal("Failed to initialize statistics backend: %v", err)
	}
	defer func() {
		if closeErr := collector.Close(); closeErr != nil {
			logger.Error("Error closing statistics backend: %v", closeErr)
		}
	}()

	selector := router.NewSelector()
	loadConfiguration(selector, *configDir)

	hooks := router.NewHooks(selector, collector)
	proxyInstance := proxy.NewProxy(*listenAddr, *timeout, hooks, collector)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	watcher := watchConfigDir(*configDir)
	if watcher != nil {
		defer func() {
			if closeErr := watcher.Close(); closeErr != nil {
				logger.Error("Error closing config watcher: %v", closeErr)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		logger.Info("Starting proxy server on %s", *listenAddr)
		if err := proxyInstance.Start(); err != nil {
			logger.Fatal("Proxy server error: %v", err)
		}
	}()

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading upstream configuration...")
				loadConfiguration(selector, *configDir)
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				if err := proxyInstance.Stop(); err != nil {
					logger.Error("Error during shutdown: %v", err)
				}
				logger.Info("Proxy server shutdown complete")
				return
			}
		case event, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if !isConfigEvent(event) {
				continue
			}
			logger.Info("Configuration change detected (%s), reloading...", event.Name)
			loadConfiguration(selector, *configDir)
		case err, ok := <-watcherErrors(watcher):
			if ok && err != nil {
				logger.Error("Config watcher error: %v", err)
			}
		}
	}
}

// loadConfiguration loads the directory and swaps the selector's registry.
// A load or build failure unloads the registry, as does a missing directory
// or one without configuration files; all traffic then goes direct.
func loadConfiguration(selector *router.Selector, dir string) {
	cfg, err := config.LoadDirectory(dir)
	if err != nil {
		logger.Error("Failed to load upstream configuration: %v; all traffic goes direct", err)
		selector.SetRegistry(router.NewRegistry())
		return
	}
	if cfg == nil {
		logger.Warn("No upstream configuration found in %s; all traffic goes direct", dir)
		selector.SetRegistry(router.NewRegistry())
		return
	}
	reg, err := router.BuildRegistry(cfg)
	if err != nil {
		logger.Error("Failed to build upstream registry: %v; all traffic goes direct", err)
		selector.SetRegistry(router.NewRegistry())
		return
	}
	selector.SetRegistry(reg)
}

// watchConfigDir sets up a filesystem watcher on the configuration directory
// so edits take effect without a SIGHUP. Returns nil when the directory
// cannot be watched; the proxy still works, reloads then need SIGHUP.
func watchConfigDir(dir string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Could not create config watcher: %v", err)
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		logger.Warn("Could not watch configuration directory %s: %v", dir, err)
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("Error closing config watcher: %v", closeErr)
		}
		return nil
	}
	logger.Info("Watching configuration directory %s for changes", dir)
	return watcher
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func watcherErrors(w *fsnotify.Watcher) chan error {
	if w == nil {
		return nil
	}
	return w.Errors
}

func isConfigEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	switch strings.ToLower(filepath.Ext(event.Name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Serving Prometheus metrics on %s/metrics", addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server error: %v", err)
	}
}
