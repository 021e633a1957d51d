package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/photo-sync/internal/discovery"
	"github.com/alexjbarnes/photo-sync/internal/photosync"
	"github.com/alexjbarnes/photo-sync/internal/state"
	"github.com/alexjbarnes/photo-sync/internal/transport"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for photo-sync.
type Config struct {
	// Root directory scanned for photos and videos.
	MediaDir string `env:"PHOTOSYNC_MEDIA_DIR"`

	// bbolt database path. Defaults to ~/.photo-sync/state.db.
	StatePath string `env:"PHOTOSYNC_STATE_PATH"`

	// Device identity presented to the server. When empty a UUID is
	// generated once and persisted in the state database.
	DeviceID   string `env:"DEVICE_ID"`
	DeviceName string `env:"DEVICE_NAME"`

	// Token used for the first pairing handshake. Not needed once paired.
	PairingToken string `env:"PAIRING_TOKEN"`

	// Static host:port of the server. Bypasses discovery when set.
	ServerAddr string `env:"SERVER_ADDR"`

	DiscoveryPort     int           `env:"DISCOVERY_PORT" envDefault:"50505"`
	DiscoveryTimeout  time.Duration `env:"DISCOVERY_TIMEOUT" envDefault:"10s"`
	DiscoveryInterval time.Duration `env:"DISCOVERY_INTERVAL" envDefault:"30s"`
	ScanInterval      time.Duration `env:"SCAN_INTERVAL" envDefault:"15s"`
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"1m"`

	BatchSize      int           `env:"BATCH_SIZE" envDefault:"20"`
	ChunkSize      int           `env:"CHUNK_SIZE" envDefault:"1048576"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	IOTimeout      time.Duration `env:"IO_TIMEOUT" envDefault:"30s"`

	// When false, scans insert items as DISCOVERED and nothing uploads
	// until they are queued.
	AutoSync bool `env:"AUTO_SYNC" envDefault:"true"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Rotating log file. Logs go to stdout when empty.
	LogFile string `env:"LOG_FILE"`

	StatusEnabled    bool   `env:"STATUS_ENABLED" envDefault:"true"`
	StatusListenAddr string `env:"STATUS_LISTEN_ADDR" envDefault:"127.0.0.1:8095"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the pairing token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "photo-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The scanner builds media ids relative to this root, so it must be
	// stable across working directories.
	absDir, err := filepath.Abs(cfg.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("resolving media dir to absolute path: %w", err)
	}

	cfg.MediaDir = absDir

	if cfg.StatePath == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MediaDir == "" {
		return fmt.Errorf("PHOTOSYNC_MEDIA_DIR is required")
	}

	if c.ServerAddr != "" {
		if _, _, err := net.SplitHostPort(c.ServerAddr); err != nil {
			return fmt.Errorf("SERVER_ADDR must be host:port: %w", err)
		}
	}

	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("DISCOVERY_PORT must be between 1 and 65535, got %d", c.DiscoveryPort)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}

	for name, d := range map[string]time.Duration{
		"DISCOVERY_TIMEOUT":  c.DiscoveryTimeout,
		"DISCOVERY_INTERVAL": c.DiscoveryInterval,
		"SCAN_INTERVAL":      c.ScanInterval,
		"SYNC_INTERVAL":      c.SyncInterval,
		"CONNECT_TIMEOUT":    c.ConnectTimeout,
		"IO_TIMEOUT":         c.IOTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.StatusEnabled && c.StatusListenAddr == "" {
		return fmt.Errorf("STATUS_LISTEN_ADDR is required when the status server is enabled")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// OrchestratorConfig returns the upload settings for deviceID.
func (c *Config) OrchestratorConfig(deviceID string) photosync.Config {
	return photosync.Config{
		DeviceID:  deviceID,
		Token:     c.PairingToken,
		BatchSize: c.BatchSize,
		ChunkSize: c.ChunkSize,
		Reconcile: true,
	}
}

// ServiceConfig returns the connection settings for deviceID.
func (c *Config) ServiceConfig(deviceID string) photosync.ServiceConfig {
	return photosync.ServiceConfig{
		StaticAddr:   c.ServerAddr,
		DeviceID:     deviceID,
		Token:        c.PairingToken,
		UserName:     c.DeviceName,
		SyncInterval: c.SyncInterval,
	}
}

// DiscoveryConfig returns the announcement listener settings.
func (c *Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		Port:    c.DiscoveryPort,
		Timeout: c.DiscoveryTimeout,
	}
}

// DialOptions returns the transport timeouts.
func (c *Config) DialOptions() transport.DialOptions {
	return transport.DialOptions{
		ConnectTimeout: c.ConnectTimeout,
		IOTimeout:      c.IOTimeout,
	}
}
