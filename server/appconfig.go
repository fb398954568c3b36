package server

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// AppConfig defines application configuration loaded from files and environment.
type AppConfig struct {
	Env      string         `koanf:"env"`
	Listen   string         `koanf:"listen"`
	Database DatabaseConfig `koanf:"database"`
	Audit    AuditConfig    `koanf:"audit"`
	Cache    CacheConfig    `koanf:"cache"`
	Policy   PolicyConfig   `koanf:"policy"`
	Scopes   ScopesConfig   `koanf:"scopes"`
	JWT      JWTConfig      `koanf:"jwt"`
	Geo      GeoConfig      `koanf:"geo"`
}

type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type AuditConfig struct {
	// QueuePath is the local durable queue file; ":memory:" keeps it in RAM.
	QueuePath string `koanf:"queue_path"`
}

type CacheConfig struct {
	// ValkeyAddr enables the revoked-token cache when set.
	ValkeyAddr string `koanf:"valkey_addr"`
}

type PolicyConfig struct {
	// File is the yaml rule set loaded at start and on SIGHUP.
	File string `koanf:"file"`
}

type ScopesConfig struct {
	// File is the yaml scope catalog definition.
	File string `koanf:"file"`
}

type JWTConfig struct {
	Kid    string `koanf:"kid"`
	Secret string `koanf:"secret"`
}

type GeoConfig struct {
	// Enabled turns on country resolution of the client IP for policy
	// conditions and the audit trail.
	Enabled bool `koanf:"enabled"`
}

var (
	cfgOnce sync.Once
	cfgInst *AppConfig
)

// GetConfig loads and returns the singleton AppConfig. Loading order:
// 1) config/config.yaml (optional)
// 2) config/config.<APP_ENV>.yaml (optional), APP_ENV defaults to "local"
// 3) Environment variables with prefix AGENTGATE_ mapped using __ as nested separator, e.g. AGENTGATE_DATABASE__DSN
func GetConfig() *AppConfig {
	cfgOnce.Do(func() {
		k := koanf.New(".")
		// Config directory (CONFIG_DIR) default ./config
		configDir := os.Getenv("CONFIG_DIR")
		if configDir == "" {
			configDir = "config"
		}
		// Whether to load files (default: disabled to keep tests isolated)
		loadFiles := strings.EqualFold(os.Getenv("APP_CONFIG_FILES"), "1") || strings.EqualFold(os.Getenv("APP_CONFIG_FILES"), "true")
		// 1) base file
		if loadFiles {
			base := filepath.Join(configDir, "config.yaml")
			if _, err := os.Stat(base); err == nil {
				if err := k.Load(file.Provider(base), yaml.Parser()); err != nil {
					log.Printf("config: failed loading base: %v", err)
				}
			}
		}
		// 2) env-specific file
		envName := os.Getenv("APP_ENV")
		if envName == "" {
			envName = "local"
		}
		if loadFiles {
			envFile := filepath.Join(configDir, "config."+envName+".yaml")
			if _, err := os.Stat(envFile); err == nil {
				if err := k.Load(file.Provider(envFile), yaml.Parser()); err != nil {
					log.Printf("config: failed loading env file: %v", err)
				}
			}
		}
		// 3) env vars: AGENTGATE_ prefix, __ delim for nesting
		_ = k.Load(env.Provider("AGENTGATE_", "__", func(s string) string {
			// AGENTGATE_DATABASE__DSN -> database.dsn
			return s
		}), nil)

		var c AppConfig
		if err := k.Unmarshal("", &c); err != nil {
			log.Printf("config: unmarshal error: %v", err)
		}
		if c.Env == "" {
			c.Env = envName
		}
		if c.Listen == "" {
			c.Listen = ":9096"
		}
		if c.Audit.QueuePath == "" {
			c.Audit.QueuePath = "audit-queue.db"
		}
		cfgInst = &c
	})
	return cfgInst
}

// DBDSN returns the effective postgres DSN (config first, then env).
func (c *AppConfig) DBDSN() string {
	if c != nil && c.Database.DSN != "" {
		return strings.TrimSpace(c.Database.DSN)
	}
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("MIGRATE_DSN"))
	}
	return dsn
}
