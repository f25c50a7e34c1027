// Package config implements the node's TOML configuration file:
// validated sub-structs, BurntSushi/toml unmarshal, and defaulting.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel           = "NOTICE"
	defaultNodeDBFlushSeconds = 300 // 5-minute flush interval
	defaultBuildCooldownMS    = 500 // minimum interval between path builds through one edge
	defaultMaxHops            = 4
	defaultAliveTimeoutSec    = 60
	defaultLatencyIntervalSec = 30
)

// Role is the node's operating mode.
type Role string

const (
	RoleClient Role = "client"
	RoleRelay  Role = "relay"
	RoleExit   Role = "exit"
)

// Logging is the logging sub-configuration.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

func (l *Logging) setDefaults() {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

func (l *Logging) validate() error {
	switch strings.ToUpper(l.Level) {
	case "ERROR", "WARNING", "WARN", "NOTICE", "INFO", "DEBUG":
		return nil
	default:
		return fmt.Errorf("config: invalid logging level %q", l.Level)
	}
}

// NodeDB is the router-catalog sub-configuration.
type NodeDB struct {
	// RootDir is the on-disk NodeDB root.
	RootDir string

	// FlushIntervalSeconds is how often the RC/RID fetch round runs.
	FlushIntervalSeconds int

	// BootstrapAddrs lists fallback bootstrap node addresses. It is
	// parsed but not read anywhere: cmd/node passes no bootstrap
	// sources to the fetcher.
	BootstrapAddrs []string

	// PinnedEdges restricts allowed first hops when non-empty.
	PinnedEdges []string

	// FetchListenAddr is the address the catalog-sync RPC listens on,
	// separate from ListenAddr's onion-relay traffic. Catalog sync is
	// disabled when empty.
	FetchListenAddr string
}

func (n *NodeDB) setDefaults() {
	if n.FlushIntervalSeconds == 0 {
		n.FlushIntervalSeconds = defaultNodeDBFlushSeconds
	}
}

func (n *NodeDB) validate() error {
	if n.RootDir == "" {
		return fmt.Errorf("config: NodeDB.RootDir is required")
	}
	return nil
}

// PathBuild is the path-builder sub-configuration.
type PathBuild struct {
	NumHops             int
	NumPathsDesired     int
	BuildCooldownMS     int
	AliveTimeoutSeconds int
	LatencyIntervalSecs int
}

func (p *PathBuild) setDefaults() {
	if p.NumHops == 0 {
		p.NumHops = defaultMaxHops
	}
	if p.NumPathsDesired == 0 {
		p.NumPathsDesired = 4
	}
	if p.BuildCooldownMS == 0 {
		p.BuildCooldownMS = defaultBuildCooldownMS
	}
	if p.AliveTimeoutSeconds == 0 {
		p.AliveTimeoutSeconds = defaultAliveTimeoutSec
	}
	if p.LatencyIntervalSecs == 0 {
		p.LatencyIntervalSecs = defaultLatencyIntervalSec
	}
}

func (p *PathBuild) validate() error {
	if p.NumHops < 1 || p.NumHops > 8 {
		return fmt.Errorf("config: PathBuild.NumHops must be in [1,8]")
	}
	return nil
}

// Exit is the exit-capability sub-configuration, consulted only when
// Role is RoleExit.
type Exit struct {
	// CIDR is the address range this node allocates exit addresses
	// from (e.g. "10.90.0.0/16").
	CIDR string

	// PermitInternet allows AllocateExit grants to request open
	// Internet egress rather than policy-restricted egress only.
	PermitInternet bool

	// AllowedRanges restricts egress to these CIDRs when non-empty;
	// an empty list paired with PermitInternet allows everything.
	AllowedRanges []string
}

func (e *Exit) validate(role Role) error {
	if role != RoleExit {
		return nil
	}
	if e.CIDR == "" {
		return fmt.Errorf("config: Exit.CIDR is required when role is %q", RoleExit)
	}
	return nil
}

// Config is the top-level node configuration.
type Config struct {
	Role          Role
	IdentityKey   string // path to identity.key
	EncryptionKey string // path to encryption.key
	ListenAddr    string
	MetricsAddr   string
	Nickname      string

	Logging   Logging
	NodeDB    NodeDB
	PathBuild PathBuild
	Exit      Exit
}

// LoadFile reads and validates a TOML config file.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Logging.setDefaults()
	c.NodeDB.setDefaults()
	c.PathBuild.setDefaults()
	if c.Role == "" {
		c.Role = RoleClient
	}
}

func (c *Config) validate() error {
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.NodeDB.validate(); err != nil {
		return err
	}
	if err := c.PathBuild.validate(); err != nil {
		return err
	}
	if err := c.Exit.validate(c.Role); err != nil {
		return err
	}
	switch c.Role {
	case RoleClient, RoleRelay, RoleExit:
	default:
		return fmt.Errorf("config: invalid role %q", c.Role)
	}
	if c.IdentityKey == "" {
		return fmt.Errorf("config: IdentityKey path is required")
	}
	return nil
}

// NodeDBFlushInterval returns the configured NodeDB refresh cadence as a
// time.Duration.
func (c *Config) NodeDBFlushInterval() time.Duration {
	return time.Duration(c.NodeDB.FlushIntervalSeconds) * time.Second
}

// BuildCooldown returns the configured minimum path-build interval.
func (c *Config) BuildCooldown() time.Duration {
	return time.Duration(c.PathBuild.BuildCooldownMS) * time.Millisecond
}
