// Copyright 2024-2026 Aiku AI

package intercom

import (
	"strings"
	"text/template"
	"time"
)

const (
	DefaultCommandPrefix     = "!intercom"
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultFailureThreshold  = 3
	DefaultDirectoryRefresh  = 5 * time.Minute
	DefaultBanRefresh        = 24 * time.Hour
	DefaultRelayConcurrency  = 8
	DefaultEndpointCacheSize = 1024
	DefaultDisplayTemplate   = "{{.Author}} @ {{.Community}}"
)

// Config holds the bridge engine configuration.
type Config struct {
	CommandPrefix    string        `yaml:"command_prefix"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// FailureThreshold is the number of timed out link requests after which
	// the target community silences the requester community.
	FailureThreshold  int           `yaml:"failure_threshold"`
	DirectoryRefresh  time.Duration `yaml:"directory_refresh"`
	BanRefresh        time.Duration `yaml:"ban_refresh"`
	RelayConcurrency  int           `yaml:"relay_concurrency"`
	EndpointCacheSize int           `yaml:"endpoint_cache_size"`
	// InvitePrefixes lists message prefixes that mark invite links, which
	// are never relayed.
	InvitePrefixes  []string `yaml:"invite_prefixes"`
	DisplayTemplate string   `yaml:"display_template"`

	displayTemplate *template.Template `yaml:"-"`
}

// DisplayNameParams holds the parameters for rendering the relay display name.
type DisplayNameParams struct {
	Author    string
	Community string
	Channel   string
}

// PostProcess fills in defaults and compiles the display template.
func (c *Config) PostProcess() error {
	if c.CommandPrefix == "" {
		c.CommandPrefix = DefaultCommandPrefix
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.DirectoryRefresh <= 0 {
		c.DirectoryRefresh = DefaultDirectoryRefresh
	}
	if c.BanRefresh <= 0 {
		c.BanRefresh = DefaultBanRefresh
	}
	if c.RelayConcurrency <= 0 {
		c.RelayConcurrency = DefaultRelayConcurrency
	}
	if c.EndpointCacheSize <= 0 {
		c.EndpointCacheSize = DefaultEndpointCacheSize
	}
	if c.DisplayTemplate == "" {
		c.DisplayTemplate = DefaultDisplayTemplate
	}
	var err error
	c.displayTemplate, err = template.New("display").Parse(c.DisplayTemplate)
	return err
}

// FormatDisplayName renders the identity a relayed message is posted under.
func (c *Config) FormatDisplayName(params DisplayNameParams) string {
	fallback := params.Author + " @ " + params.Community
	if c.displayTemplate == nil {
		return fallback
	}
	var buf strings.Builder
	if err := c.displayTemplate.Execute(&buf, params); err != nil {
		return fallback
	}
	return buf.String()
}

// IsInvite reports whether content starts with one of the invite prefixes.
func (c *Config) IsInvite(content string) bool {
	for _, prefix := range c.InvitePrefixes {
		if prefix != "" && strings.HasPrefix(content, prefix) {
			return true
		}
	}
	return false
}
