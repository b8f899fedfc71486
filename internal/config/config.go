package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"vpnlink/internal/logging"
	"vpnlink/internal/models"
)

// Config represents configuration data for the connectivity service.
type Config struct {
	ListenAddr    string            `yaml:"listen_addr"`
	DataDirectory string            `yaml:"data_directory"`
	Storage       Storage           `yaml:"storage"`
	Logging       logging.Config    `yaml:"logging"`
	Backend       Backend           `yaml:"backend"`
	Connectivity  Connectivity      `yaml:"connectivity"`
	Transport     Transport         `yaml:"transport"`
	Ping          Ping              `yaml:"ping"`
	Locations     []models.Location `yaml:"locations"`
}

// Storage selects the key-value backend used for persisted state.
type Storage struct {
	Backend string `yaml:"backend"`
}

// Backend describes the credentials and locations service.
type Backend struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	AppID          string `yaml:"app_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Prefix and Token are static credentials used when no base_url is set.
	Prefix string `yaml:"prefix"`
	Token  string `yaml:"token"`
	// LocationRefreshMinutes controls how often the location list is refetched.
	LocationRefreshMinutes int `yaml:"location_refresh_minutes"`
}

// Connectivity tunes the state machine retry policy.
type Connectivity struct {
	ReconnectFloorMs   int64   `yaml:"reconnect_floor_ms"`
	ReconnectCeilingMs int64   `yaml:"reconnect_ceiling_ms"`
	BackoffMultiplier  float64 `yaml:"backoff_multiplier"`
	RefreshAfterMs     int64   `yaml:"refresh_after_ms"`
	PersistIntervalMs  int64   `yaml:"persist_interval_ms"`
	HistorySize        int     `yaml:"history_size"`
	AutoConnect        bool    `yaml:"auto_connect"`
}

// Transport configures the endpoint control channel.
type Transport struct {
	URLTemplate      string `yaml:"url_template"`
	HandshakeSeconds int    `yaml:"handshake_seconds"`
	MaxRetries       int    `yaml:"max_retries"`
	RetryDelayMs     int64  `yaml:"retry_delay_ms"`
}

// Ping configures endpoint latency measurement.
type Ping struct {
	Mode              string `yaml:"mode"`
	IntervalSeconds   int    `yaml:"interval_seconds"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	HTTPAttempts      int    `yaml:"http_attempts"`
	HTTPPath          string `yaml:"http_path"`
	PersistIntervalMs int64  `yaml:"persist_interval_ms"`
}

// Ping measurement modes.
const (
	PingModeAuto      = "auto"
	PingModeWebSocket = "websocket"
	PingModeHTTP      = "http"
)

// Storage backends.
const (
	StorageBadger = "badger"
	StorageFile   = "file"
	StorageMemory = "memory"
)

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:8484",
		DataDirectory: filepath.Join(".dist", "data"),
		Storage:       Storage{Backend: StorageBadger},
		Logging:       logging.DefaultConfig(),
		Backend: Backend{
			TimeoutSeconds:         10,
			LocationRefreshMinutes: 30,
		},
		Connectivity: Connectivity{
			ReconnectFloorMs:   1000,
			ReconnectCeilingMs: 60000,
			BackoffMultiplier:  2,
			RefreshAfterMs:     60000,
			PersistIntervalMs:  500,
			HistorySize:        2048,
		},
		Transport: Transport{
			URLTemplate:      "wss://{host}:443/user",
			HandshakeSeconds: 10,
			MaxRetries:       2,
			RetryDelayMs:     250,
		},
		Ping: Ping{
			Mode:              PingModeAuto,
			IntervalSeconds:   300,
			TimeoutSeconds:    3,
			HTTPAttempts:      3,
			HTTPPath:          "/generate_204",
			PersistIntervalMs: 2000,
		},
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalise() error {
	def := DefaultConfig()

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.DataDirectory == "" {
		cfg.DataDirectory = def.DataDirectory
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = def.Storage.Backend
	case StorageBadger, StorageFile, StorageMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Logging.Output == nil {
		cfg.Logging.Output = def.Logging.Output
	}

	if cfg.Backend.TimeoutSeconds <= 0 {
		cfg.Backend.TimeoutSeconds = def.Backend.TimeoutSeconds
	}
	if cfg.Backend.LocationRefreshMinutes <= 0 {
		cfg.Backend.LocationRefreshMinutes = def.Backend.LocationRefreshMinutes
	}
	cfg.Backend.BaseURL = strings.TrimSuffix(cfg.Backend.BaseURL, "/")
	if cfg.Backend.BaseURL == "" && len(cfg.Locations) == 0 {
		return errors.New("configuration must define backend.base_url or static locations")
	}

	c := &cfg.Connectivity
	if c.ReconnectFloorMs < def.Connectivity.ReconnectFloorMs {
		c.ReconnectFloorMs = def.Connectivity.ReconnectFloorMs
	}
	if c.ReconnectCeilingMs < c.ReconnectFloorMs {
		c.ReconnectCeilingMs = c.ReconnectFloorMs
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.Connectivity.BackoffMultiplier
	}
	if c.RefreshAfterMs <= 0 {
		c.RefreshAfterMs = def.Connectivity.RefreshAfterMs
	}
	if c.PersistIntervalMs < 0 {
		c.PersistIntervalMs = def.Connectivity.PersistIntervalMs
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.Connectivity.HistorySize
	}

	tr := &cfg.Transport
	if tr.URLTemplate == "" {
		tr.URLTemplate = def.Transport.URLTemplate
	}
	if !strings.Contains(tr.URLTemplate, "{host}") {
		return errors.New("transport.url_template must contain {host}")
	}
	if tr.HandshakeSeconds <= 0 {
		tr.HandshakeSeconds = def.Transport.HandshakeSeconds
	}
	if tr.MaxRetries < 0 {
		tr.MaxRetries = 0
	}
	if tr.RetryDelayMs < 0 {
		tr.RetryDelayMs = def.Transport.RetryDelayMs
	}

	p := &cfg.Ping
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	switch p.Mode {
	case "":
		p.Mode = def.Ping.Mode
	case PingModeAuto, PingModeWebSocket, PingModeHTTP:
	default:
		return fmt.Errorf("unknown ping mode %q", p.Mode)
	}
	if p.IntervalSeconds <= 0 {
		p.IntervalSeconds = def.Ping.IntervalSeconds
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = def.Ping.TimeoutSeconds
	}
	if p.HTTPAttempts <= 0 {
		p.HTTPAttempts = def.Ping.HTTPAttempts
	}
	if p.HTTPPath == "" {
		p.HTTPPath = def.Ping.HTTPPath
	}
	if !strings.HasPrefix(p.HTTPPath, "/") {
		p.HTTPPath = "/" + p.HTTPPath
	}
	if p.PersistIntervalMs < 0 {
		p.PersistIntervalMs = def.Ping.PersistIntervalMs
	}

	for i, loc := range cfg.Locations {
		if loc.ID == "" {
			return fmt.Errorf("location %d is missing id", i)
		}
		if len(loc.Endpoints) == 0 {
			return fmt.Errorf("location %s must define at least one endpoint", loc.ID)
		}
		for _, ep := range loc.Endpoints {
			if ep.ID == "" || ep.DomainName == "" {
				return fmt.Errorf("location %s has an endpoint without id or domain_name", loc.ID)
			}
		}
	}
	return nil
}
