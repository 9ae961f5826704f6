package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

var ErrUnknownBackend = errors.New("unknown session backend")

type Config struct {
	ListenAddr   string              `json:"listen_addr" yaml:"listen_addr"`
	MetricsAddr  string              `json:"metrics_addr" yaml:"metrics_addr"`
	Log          LogConfig           `json:"log" yaml:"log"`
	Session      SessionConfig       `json:"session" yaml:"session"`
	Relay        RelayConfig         `json:"relay" yaml:"relay"`
	Assets       AssetsConfig        `json:"assets" yaml:"assets"`
	RemotePanels []RemotePanelConfig `json:"remote_panels" yaml:"remote_panels"`
	Limits       LimitsConfig        `json:"limits" yaml:"limits"`
	Shutdown     ShutdownConfig      `json:"shutdown" yaml:"shutdown"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

type SessionConfig struct {
	Backend           string `json:"backend" yaml:"backend"`
	SQLitePath        string `json:"sqlite_path" yaml:"sqlite_path"`
	CookieName        string `json:"cookie_name" yaml:"cookie_name"`
	CookieSecure      bool   `json:"cookie_secure" yaml:"cookie_secure"`
	HistoryManagement bool   `json:"history_management" yaml:"history_management"`
	IdleTimeoutMS     int    `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
}

type RelayConfig struct {
	FreshnessMS  int    `json:"freshness_ms" yaml:"freshness_ms"`
	MaxRedirects int    `json:"max_redirects" yaml:"max_redirects"`
	Charset      string `json:"charset" yaml:"charset"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
	AssetParam   string `json:"asset_param" yaml:"asset_param"`
	ShowErrors   bool   `json:"show_errors" yaml:"show_errors"`
}

type AssetsConfig struct {
	CSS []string `json:"css" yaml:"css"`
	JS  []string `json:"js" yaml:"js"`
}

// RemotePanelConfig points at a panel served over gRPC by another process.
type RemotePanelConfig struct {
	ID        string `json:"id" yaml:"id"`
	Addr      string `json:"addr" yaml:"addr"`
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms"`
}

type LimitsConfig struct {
	MaxHeaderBytes      int    `json:"max_header_bytes" yaml:"max_header_bytes"`
	MaxHeaderCount      int    `json:"max_header_count" yaml:"max_header_count"`
	MaxURLBytes         int    `json:"max_url_bytes" yaml:"max_url_bytes"`
	MaxBodyBytes        *int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
	ReadHeaderTimeoutMS int    `json:"read_header_timeout_ms" yaml:"read_header_timeout_ms"`
	ReadTimeoutMS       int    `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	WriteTimeoutMS      int    `json:"write_timeout_ms" yaml:"write_timeout_ms"`
	IdleTimeoutMS       int    `json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
}

type ShutdownConfig struct {
	DrainMS           int `json:"drain_ms" yaml:"drain_ms"`
	GracefulTimeoutMS int `json:"graceful_timeout_ms" yaml:"graceful_timeout_ms"`
	ForceCloseMS      int `json:"force_close_ms" yaml:"force_close_ms"`
}

func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8080",
		Log:        LogConfig{Level: "info"},
		Session:    SessionConfig{Backend: BackendMemory},
	}
}

// Load reads a config file, choosing the decoder by extension, and applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".json", ".jsonc":
		cfg, err = ParseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	ApplyEnv(cfg, os.Getenv)
	return cfg, nil
}

// ParseJSON accepts JSON with comments and trailing commas.
func ParseJSON(data []byte) (*Config, error) {
	cfg := Default()
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment. Empty values are
// ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv("RELAY_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(getenv("RELAY_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(getenv("RELAY_SESSION_BACKEND")); v != "" {
		cfg.Session.Backend = v
	}
	if v := strings.TrimSpace(getenv("RELAY_SQLITE_PATH")); v != "" {
		cfg.Session.SQLitePath = v
	}
	if v := strings.TrimSpace(getenv("RELAY_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	cfg.Relay.FreshnessMS = parseIntEnv(getenv("RELAY_FRESHNESS_MS"), cfg.Relay.FreshnessMS)
	cfg.Relay.MaxBodyBytes = int64(parseIntEnv(getenv("RELAY_MAX_BODY_BYTES"), int(cfg.Relay.MaxBodyBytes)))
}

func parseIntEnv(value string, fallback int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// YAML renders the effective configuration.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
