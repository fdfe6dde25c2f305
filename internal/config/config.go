// Package config loads the daemon's TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/recfleet/internal/logger"
	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/store"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Listen      string         `toml:"listen" mapstructure:"listen"`
	Log         logger.Config  `toml:"log" mapstructure:"log"`
	Store       StoreConfig    `toml:"store" mapstructure:"store"`
	HistoryDSN  string         `toml:"history_dsn" mapstructure:"history_dsn"`
	Archive     ArchiveConfig  `toml:"archive" mapstructure:"archive"`
	Connection  ConnConfig     `toml:"connection" mapstructure:"connection"`
	MetadataDir string         `toml:"metadata_dir" mapstructure:"metadata_dir"`
	Targets     []TargetConfig `toml:"targets" mapstructure:"targets"`
	Rules       []rule.Rule    `toml:"rules" mapstructure:"rules"`
}

type StoreConfig struct {
	Type string `toml:"type" mapstructure:"type"` // memory|sqlite|postgres
	Path string `toml:"path" mapstructure:"path"` // sqlite file
	DSN  string `toml:"dsn" mapstructure:"dsn"`   // postgres DSN
}

type ArchiveConfig struct {
	Dir string `toml:"dir" mapstructure:"dir"`
}

type ConnConfig struct {
	IdleTTL time.Duration `toml:"idle_ttl" mapstructure:"idle_ttl"`
}

// TargetConfig seeds the static discovery client at startup.
type TargetConfig struct {
	ConnectURL  string            `toml:"connect_url" mapstructure:"connect_url"`
	Alias       string            `toml:"alias" mapstructure:"alias"`
	Annotations map[string]string `toml:"annotations" mapstructure:"annotations"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("listen", ":8090")
	v.SetDefault("archive.dir", "archives")
	v.SetDefault("metadata_dir", "metadata")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) validate() error {
	for i, t := range fc.Targets {
		if t.ConnectURL == "" {
			return fmt.Errorf("targets[%d]: connect_url is required", i)
		}
	}
	for i, r := range fc.Rules {
		if _, err := r.Validate(); err != nil {
			return fmt.Errorf("rules[%d] (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

// StoreSettings converts the file section into the store factory's config.
func (fc *FileConfig) StoreSettings() store.Config {
	return store.Config{Type: fc.Store.Type, Path: fc.Store.Path, DSN: fc.Store.DSN}
}
