package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaychat/pkg/protocol"
	"relaychat/pkg/server"
	"relaychat/pkg/storage"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.relaychat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	storageKind := flag.String("storage", "", "Storage backend: memory or sqlite (overrides config)")
	codecKind := flag.String("codec", "", "Wire codec: json or compact (overrides config)")
	metricsPort := flag.Int("metrics-port", 0, "HTTP port for /metrics and /health (overrides config)")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("relaychat server %s\n", Version)
		os.Exit(0)
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config := tomlConfig.ToConfig()

	// Command-line flags override the config file.
	if *port != 0 {
		config.TCPPort = *port
	}
	if *dbPath != "" {
		config.DatabasePath = *dbPath
	}
	if *storageKind != "" {
		config.Storage = *storageKind
	}
	if *codecKind != "" {
		config.Codec = *codecKind
	}
	if *metricsPort != 0 {
		config.MetricsPort = *metricsPort
	}

	store, err := openStore(config)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	codec, err := selectCodec(config.Codec)
	if err != nil {
		log.Fatalf("Failed to select codec: %v", err)
	}

	srv := server.NewServer(store, codec, config)
	srv.SetMetrics(server.NewMetrics())

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("relaychat server %s started (storage=%s codec=%s)", Version, config.Storage, config.Codec)

	if config.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", srv.HealthHandler(time.Now()))
		go func() {
			addr := fmt.Sprintf(":%d", config.MetricsPort)
			log.Printf("Metrics server listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Block until interrupted, then stop gracefully.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// openStore builds the configured storage backend.
func openStore(config server.Config) (storage.Store, error) {
	switch config.Storage {
	case "memory":
		return storage.NewMemoryStore(config.TokenTTL), nil
	case "sqlite":
		path, err := server.ExpandPath(config.DatabasePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return storage.OpenSQLiteStore(path, config.TokenTTL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Storage)
	}
}

// selectCodec builds the configured wire codec.
func selectCodec(kind string) (protocol.Codec, error) {
	switch kind {
	case "json":
		return protocol.JSONCodec{}, nil
	case "compact":
		return protocol.CompactCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", kind)
	}
}
