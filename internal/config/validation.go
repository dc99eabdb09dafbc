package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidBackendURL indicates the backend URL is malformed.
	ErrInvalidBackendURL = errors.New("invalid backend URL")

	// ErrInvalidLiveURL indicates the live channel URL is malformed.
	ErrInvalidLiveURL = errors.New("invalid live URL")

	// ErrInvalidTimeout indicates the request timeout is out of range.
	ErrInvalidTimeout = errors.New("invalid request timeout")

	// ErrInvalidReconnectInterval indicates the reconnect interval is out of range.
	ErrInvalidReconnectInterval = errors.New("invalid reconnect interval")

	// ErrInvalidRateLimit indicates the rate limit settings are out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidHistoryLimit indicates a history limit is out of range.
	ErrInvalidHistoryLimit = errors.New("invalid history limit")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

var validSSLModes = map[string]bool{
	"disable":     true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks all configuration values and returns the first
// violation found.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if err := validateURL(c.BackendURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidBackendURL, c.BackendURL)
	}
	if err := validateURL(c.LiveURL, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLiveURL, c.LiveURL)
	}

	if c.RequestTimeoutSeconds < 1 || c.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("%w: %d (must be 1-600 seconds)", ErrInvalidTimeout, c.RequestTimeoutSeconds)
	}
	if c.ReconnectIntervalSeconds < 1 || c.ReconnectIntervalSeconds > 300 {
		return fmt.Errorf("%w: %d (must be 1-300 seconds)", ErrInvalidReconnectInterval, c.ReconnectIntervalSeconds)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("%w: rps=%g burst=%d", ErrInvalidRateLimit, c.RateLimitRPS, c.RateLimitBurst)
	}

	if c.MaxHistoryMessages < MinHistoryMessages || c.MaxHistoryMessages > MaxAllowedHistoryMessages {
		return fmt.Errorf("%w: max_history_messages=%d (must be %d-%d)",
			ErrInvalidHistoryLimit, c.MaxHistoryMessages, MinHistoryMessages, MaxAllowedHistoryMessages)
	}
	if c.HistoryLogLimit < 0 {
		return fmt.Errorf("%w: history_log_limit=%d", ErrInvalidHistoryLimit, c.HistoryLogLimit)
	}

	if c.PersistenceEnabled {
		if strings.TrimSpace(c.PostgresHost) == "" {
			return ErrInvalidPostgresHost
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
		}
		if strings.TrimSpace(c.PostgresDBName) == "" {
			return ErrInvalidPostgresDBName
		}
		if !validSSLModes[c.PostgresSSLMode] {
			return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
		}
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unexpected scheme %q", u.Scheme)
}
