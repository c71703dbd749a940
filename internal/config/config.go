package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EndpointConfig is one configured remote cluster. Credentials are never
// logged or returned verbatim by any API surface.
type EndpointConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	User        string `json:"user"`
	Password    string `json:"password"`
	Realm       string `json:"realm,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	VerifySSL   bool   `json:"verifySSL"`
}

// Validate checks the fields required to build a client.
func (e EndpointConfig) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if e.Host == "" {
		return fmt.Errorf("endpoint host is required")
	}
	if e.User == "" || e.Password == "" {
		return fmt.Errorf("endpoint credentials are required")
	}
	return nil
}

// Addr returns the dialable address. Hosts that already carry a scheme or
// an explicit port pass through untouched; bare hostnames get the standard
// API port appended.
func (e EndpointConfig) Addr() string {
	if strings.HasPrefix(e.Host, "http://") || strings.HasPrefix(e.Host, "https://") {
		return e.Host
	}
	if strings.Contains(e.Host, ":") {
		return e.Host
	}
	port := e.Port
	if port == 0 {
		port = 8006
	}
	return fmt.Sprintf("%s:%d", e.Host, port)
}

// Config is the static runtime configuration.
type Config struct {
	ListenAddr       string
	MetricsAddr      string
	DataDir          string
	EndpointsFile    string
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	MaxRetries       int
	BatchConcurrency int
	BatchTimeout     time.Duration
	LogLevel         string
}

// Defaults mirrors the operating assumptions of the core: tens-of-seconds
// polling, ~10s per HTTP call, small batch fan-out.
func Defaults() Config {
	return Config{
		ListenAddr:       ":7655",
		MetricsAddr:      ":9155",
		DataDir:          "/var/lib/proxmux",
		PollInterval:     30 * time.Second,
		RequestTimeout:   10 * time.Second,
		MaxRetries:       3,
		BatchConcurrency: 5,
		BatchTimeout:     60 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads configuration from the environment, with an optional .env file.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	cfg := Defaults()

	if v := os.Getenv("PROXMUX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PROXMUX_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PROXMUX_METRICS_LISTEN"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("PROXMUX_ENDPOINTS_FILE"); v != "" {
		cfg.EndpointsFile = v
	}
	if v := os.Getenv("PROXMUX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.PollInterval = envDuration("PROXMUX_POLL_INTERVAL", cfg.PollInterval)
	cfg.RequestTimeout = envDuration("PROXMUX_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.BatchTimeout = envDuration("PROXMUX_BATCH_TIMEOUT", cfg.BatchTimeout)
	cfg.MaxRetries = envInt("PROXMUX_MAX_RETRIES", cfg.MaxRetries)
	cfg.BatchConcurrency = envInt("PROXMUX_BATCH_CONCURRENCY", cfg.BatchConcurrency)

	if cfg.EndpointsFile == "" {
		cfg.EndpointsFile = filepath.Join(cfg.DataDir, "endpoints.json")
	}

	return cfg
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, using default")
		return fallback
	}
	return n
}

// LoadEndpoints reads the endpoints file. A missing file is an empty set,
// not an error.
func LoadEndpoints(path string) ([]EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}

	var endpoints []EndpointConfig
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file: %w", err)
	}

	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ep.ID, err)
		}
		if seen[ep.ID] {
			return nil, fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}
		seen[ep.ID] = true
	}

	return endpoints, nil
}

// SaveEndpoints writes the endpoints file with restrictive permissions, since
// it carries cluster credentials.
func SaveEndpoints(path string, endpoints []EndpointConfig) error {
	data, err := json.MarshalIndent(endpoints, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
