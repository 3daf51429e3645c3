package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseDatabaseURL parses a postgres:// or postgresql:// URL into a
// DatabaseConfig. Credentials are URL-decoded (managed platforms emit
// percent-encoded passwords), and a hostname ending in internalSuffix is
// rewritten by appending externalSuffix so the pooler stays reachable from
// outside the platform network.
func ParseDatabaseURL(raw, internalSuffix, externalSuffix string) (DatabaseConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme in DATABASE_URL: %q", u.Scheme)
	}

	cfg := DatabaseConfig{
		Host:    u.Hostname(),
		Port:    5432,
		SSLMode: "require",
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port in DATABASE_URL: %q", p)
		}
		cfg.Port = port
	}

	if u.User != nil {
		// url.User already stores the decoded form; Username() and
		// Password() return it without re-encoding.
		cfg.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
	}

	cfg.Database = strings.TrimPrefix(u.Path, "/")
	if cfg.Database == "" {
		return DatabaseConfig{}, fmt.Errorf("DATABASE_URL missing database name")
	}

	if mode := u.Query().Get("sslmode"); mode != "" {
		cfg.SSLMode = mode
	}

	if internalSuffix != "" && externalSuffix != "" && strings.HasSuffix(cfg.Host, internalSuffix) {
		cfg.Host = cfg.Host + externalSuffix
	}

	return cfg, nil
}
