package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
)

var assetParamPattern = regexp.MustCompile(`^\w+$`)

// Validate returns advisory warnings and the first hard error.
func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validateSession(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateRelay(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateRemotePanels(cfg); err != nil {
		return warnings, err
	}
	if err := validateLimits(cfg); err != nil {
		return warnings, err
	}
	if err := validateShutdown(cfg); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// validateSession also normalises the backend name, which callers switch on
// verbatim afterwards.
func validateSession(cfg *Config, warnings *[]string) error {
	cfg.Session.Backend = strings.ToLower(strings.TrimSpace(cfg.Session.Backend))
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = BackendMemory
	}
	switch cfg.Session.Backend {
	case BackendMemory:
		if strings.TrimSpace(cfg.Session.SQLitePath) != "" {
			*warnings = append(*warnings, "session.sqlite_path ignored by the memory backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(cfg.Session.SQLitePath) == "" {
			return errors.New("session.sqlite_path required for the sqlite backend")
		}
		if cfg.Session.HistoryManagement {
			*warnings = append(*warnings, "session.history_management not supported by the sqlite backend")
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownBackend, cfg.Session.Backend)
	}
	if cfg.Session.IdleTimeoutMS < 0 {
		return errors.New("session.idle_timeout_ms must be >= 0")
	}
	return nil
}

func validateRelay(cfg *Config, warnings *[]string) error {
	relay := cfg.Relay
	if relay.FreshnessMS < 0 {
		return errors.New("relay.freshness_ms must be >= 0")
	}
	if time.Duration(relay.FreshnessMS)*time.Millisecond > 10*time.Minute {
		*warnings = append(*warnings, "relay.freshness_ms above 10m keeps stale bars around")
	}
	if relay.MaxRedirects < 0 {
		return errors.New("relay.max_redirects must be >= 0")
	}
	if relay.MaxBodyBytes < 0 {
		return errors.New("relay.max_body_bytes must be >= 0")
	}
	if relay.Charset != "" {
		if _, err := htmlindex.Get(relay.Charset); err != nil {
			return fmt.Errorf("relay.charset %q: %w", relay.Charset, err)
		}
	}
	if relay.AssetParam != "" && !assetParamPattern.MatchString(relay.AssetParam) {
		return fmt.Errorf("relay.asset_param %q must be a word", relay.AssetParam)
	}
	if relay.ShowErrors && isPublicAddr(cfg.ListenAddr) {
		*warnings = append(*warnings, "relay.show_errors exposes stack traces on a public listener")
	}
	return nil
}

func validateRemotePanels(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.RemotePanels))
	for i, remote := range cfg.RemotePanels {
		if strings.TrimSpace(remote.ID) == "" {
			return fmt.Errorf("remote_panels[%d].id required", i)
		}
		if _, dup := seen[remote.ID]; dup {
			return fmt.Errorf("remote panel %q declared twice", remote.ID)
		}
		seen[remote.ID] = struct{}{}
		if strings.TrimSpace(remote.Addr) == "" {
			return fmt.Errorf("remote panel %q addr required", remote.ID)
		}
		if remote.TimeoutMS < 0 {
			return fmt.Errorf("remote panel %q timeout_ms must be >= 0", remote.ID)
		}
	}
	return nil
}

func validateLimits(cfg *Config) error {
	limits := cfg.Limits
	if limits.MaxBodyBytes != nil && *limits.MaxBodyBytes <= 0 {
		return errors.New("limits.max_body_bytes must be > 0")
	}
	if limitsConfigured(limits) && limits.ReadHeaderTimeoutMS <= 0 {
		return errors.New("limits.read_header_timeout_ms must be > 0")
	}
	return nil
}

func validateShutdown(cfg *Config) error {
	if cfg.Shutdown.DrainMS < 0 || cfg.Shutdown.GracefulTimeoutMS < 0 || cfg.Shutdown.ForceCloseMS < 0 {
		return errors.New("shutdown durations must be >= 0")
	}
	return nil
}

func limitsConfigured(cfg LimitsConfig) bool {
	if cfg.MaxHeaderBytes != 0 || cfg.MaxHeaderCount != 0 || cfg.MaxURLBytes != 0 {
		return true
	}
	if cfg.MaxBodyBytes != nil {
		return true
	}
	return cfg.ReadHeaderTimeoutMS != 0 || cfg.ReadTimeoutMS != 0 || cfg.WriteTimeoutMS != 0 || cfg.IdleTimeoutMS != 0
}

func isPublicAddr(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return false
	}
	return true
}
