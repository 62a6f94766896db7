// Package srt provides the public API for sandboxing commands behind an
// egress-filtering network boundary.
package srt

import (
	"github.com/srtbox/srt/internal/config"
	"github.com/srtbox/srt/internal/sandbox"
)

// Config is a sandbox policy: filesystem, network, and command rules for
// one sandboxed invocation.
type Config = config.Config

// NetworkConfig defines network restrictions, including domain filtering
// and MITM routing.
type NetworkConfig = config.NetworkConfig

// FilesystemConfig defines filesystem read/write restrictions.
type FilesystemConfig = config.FilesystemConfig

// Manager handles sandbox initialization, proxy lifecycle, and command
// wrapping for a policy.
type Manager = sandbox.Manager

// NewManager creates a new sandbox manager for cfg.
// If debug is true, verbose logging is enabled.
// If monitor is true, only policy violations are logged.
func NewManager(cfg *Config, debug, monitor bool) *Manager {
	return sandbox.NewManager(cfg, debug, monitor)
}

// DefaultConfig returns the default configuration: empty domain lists (so
// the proxy filter allows every domain) and no extra write paths.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig loads and validates configuration from a JSONC file, resolving
// any extends chain.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfigPath returns the default config file path (~/.srt.json).
func DefaultConfigPath() string {
	return config.DefaultConfigPath()
}
