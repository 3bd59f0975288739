// Copyright 2024-2026 Aiku AI

// Package config loads the mattermost-intercom configuration file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-intercom/pkg/intercom"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	EnvToken     = "MATTERMOST_INTERCOM_TOKEN"
	EnvServerURL = "MATTERMOST_INTERCOM_SERVER_URL"
)

// signupPath is where Mattermost team invite links point.
const signupPath = "/signup_user_complete/"

// MattermostConfig holds the connection settings of the relay agent.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// RedisConfig configures the shared pending request set. An empty Addr
// keeps pending requests in memory.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Config is the whole configuration file.
type Config struct {
	Mattermost   MattermostConfig  `yaml:"mattermost"`
	Database     DatabaseConfig    `yaml:"database"`
	Intercom     intercom.Config   `yaml:"intercom"`
	Redis        RedisConfig       `yaml:"redis"`
	AdminAPIAddr string            `yaml:"admin_api_addr"`
	Logging      zeroconfig.Config `yaml:"logging"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Str, "intercom", "command_prefix")
	helper.Copy(up.Str, "intercom", "handshake_timeout")
	helper.Copy(up.Int, "intercom", "failure_threshold")
	helper.Copy(up.Str, "intercom", "directory_refresh")
	helper.Copy(up.Str, "intercom", "ban_refresh")
	helper.Copy(up.Int, "intercom", "relay_concurrency")
	helper.Copy(up.Int, "intercom", "endpoint_cache_size")
	helper.Copy(up.List, "intercom", "invite_prefixes")
	helper.Copy(up.Str, "intercom", "display_template")

	helper.Copy(up.Str, "redis", "addr")
	helper.Copy(up.Str, "redis", "password")
	helper.Copy(up.Int, "redis", "db")
	helper.Copy(up.Str, "redis", "key_prefix")

	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges an existing config file into the current example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"mattermost"},
		{"database"},
		{"intercom"},
		{"redis"},
		{"admin_api_addr"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Load reads the config file at path, upgrading it to the current format.
// The upgraded file is written back when save is true. A missing file is
// created from the example config.
func Load(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return Parse(data)
}

// Parse decodes an already upgraded config, applies environment overrides
// and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if token := os.Getenv(EnvToken); token != "" {
		c.Mattermost.Token = token
	}
	if serverURL := os.Getenv(EnvServerURL); serverURL != "" {
		c.Mattermost.ServerURL = serverURL
	}
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	c.Mattermost.ServerURL = strings.TrimRight(c.Mattermost.ServerURL, "/")
	if c.Mattermost.ServerURL == "" {
		return errors.New("mattermost.server_url is required")
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite3"
	}
	if c.Database.URI == "" {
		return errors.New("database.uri is required")
	}
	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = intercom.DefaultAdminAPIAddr
	}
	// Team invite links of the server itself are always filtered.
	if invite := c.Mattermost.ServerURL + signupPath; !slices.Contains(c.Intercom.InvitePrefixes, invite) {
		c.Intercom.InvitePrefixes = append(c.Intercom.InvitePrefixes, invite)
	}
	if err := c.Intercom.PostProcess(); err != nil {
		return fmt.Errorf("invalid intercom.display_template: %w", err)
	}
	return nil
}
