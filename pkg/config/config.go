// Package config loads the arpinspectd daemon configuration using viper.
//
// The YAML file is read first, then environment variables prefixed with
// ARPINSPECT_ override individual keys (for example
// ARPINSPECT_INSPECT_MAX_ENTRIES), then defaults fill anything unset.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psaab/arpinspect/pkg/logging"
)

// Config is the daemon configuration.
type Config struct {
	Unit      int             `mapstructure:"unit"`
	Stack     StackConfig     `mapstructure:"stack"`
	Ports     []PortConfig    `mapstructure:"ports"`
	Inspect   InspectConfig   `mapstructure:"inspect"`
	DHCP      DHCPConfig      `mapstructure:"dhcp"`
	Dataplane DataplaneConfig `mapstructure:"dataplane"`
	State     StateConfig     `mapstructure:"state"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	LinkPoll  time.Duration   `mapstructure:"link_poll"`
}

// StackConfig describes the stack membership.
type StackConfig struct {
	// Primary is the unit id acting as primary. Role election belongs to
	// the stack manager; the daemon takes its decision from here.
	Primary int          `mapstructure:"primary"`
	Listen  string       `mapstructure:"listen"`
	Peers   []PeerConfig `mapstructure:"peers"`
	// Resync is how often the primary re-sends its configuration so units
	// that restarted catch up.
	Resync time.Duration `mapstructure:"resync"`
}

// PeerConfig is another unit of the stack.
type PeerConfig struct {
	Unit    int    `mapstructure:"unit"`
	Address string `mapstructure:"address"`
}

// PortConfig maps a switch port to its interface and VLAN membership.
type PortConfig struct {
	Unit      int      `mapstructure:"unit"`
	Port      int      `mapstructure:"port"`
	Interface string   `mapstructure:"interface"`
	PVID      uint16   `mapstructure:"pvid"`
	Tagged    []uint16 `mapstructure:"tagged"`
	TPID      uint16   `mapstructure:"tpid"`

	// DHCPTrusted marks a port facing the DHCP server. Server replies
	// seen anywhere else are ignored by the snooper.
	DHCPTrusted bool `mapstructure:"dhcp_trusted"`
}

// InspectConfig sizes the inspection engine.
type InspectConfig struct {
	MaxEntries   int    `mapstructure:"max_entries"`
	RingSlots    int    `mapstructure:"ring_slots"`
	CustomTPID   uint16 `mapstructure:"custom_tpid"`
	EventLogSize int    `mapstructure:"event_log_size"`

	// EventSyslog receives deny/permit records, empty for none.
	EventSyslog string `mapstructure:"event_syslog"`

	// EventSyslogSeverity is the least severe level forwarded to
	// EventSyslog.
	EventSyslogSeverity string `mapstructure:"event_syslog_severity"`
}

// DHCPConfig controls the lease table.
type DHCPConfig struct {
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
}

// DataplaneConfig selects the packet-filter backend.
type DataplaneConfig struct {
	// PinDir holds pinned allow/deny maps. Empty keeps rules in memory.
	PinDir string `mapstructure:"pin_dir"`
}

// StateConfig locates the persisted inspection state.
type StateConfig struct {
	File string `mapstructure:"file"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Syslog     string `mapstructure:"syslog"`
}

// LoggingOptions converts the log section for logging.Setup.
func (c LogConfig) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
		Syslog:     c.Syslog,
	}
}

// Load reads the configuration file at path. An empty path uses defaults
// and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARPINSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("unit", 1)
	v.SetDefault("link_poll", "1s")

	v.SetDefault("stack.primary", 1)
	v.SetDefault("stack.listen", "")
	v.SetDefault("stack.resync", "30s")

	v.SetDefault("inspect.max_entries", 256)
	v.SetDefault("inspect.ring_slots", 64)
	v.SetDefault("inspect.custom_tpid", 0)
	v.SetDefault("inspect.event_log_size", 1024)
	v.SetDefault("inspect.event_syslog", "")
	v.SetDefault("inspect.event_syslog_severity", "notice")

	v.SetDefault("dhcp.expire_interval", "30s")
	v.SetDefault("dataplane.pin_dir", "")
	v.SetDefault("state.file", "/var/lib/arpinspect/state.yaml")

	v.SetDefault("metrics.listen", "127.0.0.1:9180")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.syslog", "")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Unit < 0 {
		return fmt.Errorf("unit: must not be negative, got %d", c.Unit)
	}
	if c.Inspect.MaxEntries <= 0 {
		return fmt.Errorf("inspect.max_entries: must be positive, got %d", c.Inspect.MaxEntries)
	}
	if c.Inspect.RingSlots <= 0 {
		return fmt.Errorf("inspect.ring_slots: must be positive, got %d", c.Inspect.RingSlots)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseSeverity(c.Inspect.EventSyslogSeverity); err != nil {
		return fmt.Errorf("inspect.event_syslog_severity: %w", err)
	}

	units := map[int]bool{c.Unit: true}
	for i, p := range c.Stack.Peers {
		if p.Unit == c.Unit {
			return fmt.Errorf("stack.peers[%d]: unit %d is the local unit", i, p.Unit)
		}
		if units[p.Unit] {
			return fmt.Errorf("stack.peers[%d]: unit %d listed twice", i, p.Unit)
		}
		if p.Address == "" {
			return fmt.Errorf("stack.peers[%d]: address is required", i)
		}
		units[p.Unit] = true
	}
	if !units[c.Stack.Primary] {
		return fmt.Errorf("stack.primary: unit %d is not a member", c.Stack.Primary)
	}
	if len(c.Stack.Peers) > 0 && c.Stack.Listen == "" {
		return fmt.Errorf("stack.listen: required when peers are configured")
	}

	type portKey struct{ unit, port int }
	seen := make(map[portKey]bool)
	ifaces := make(map[string]bool)
	for i, p := range c.Ports {
		if !units[p.Unit] {
			return fmt.Errorf("ports[%d]: unit %d is not a stack member", i, p.Unit)
		}
		if p.Port < 0 || p.Port >= 64 {
			return fmt.Errorf("ports[%d]: port %d out of range 0-63", i, p.Port)
		}
		k := portKey{p.Unit, p.Port}
		if seen[k] {
			return fmt.Errorf("ports[%d]: %d/%d defined twice", i, p.Unit, p.Port)
		}
		seen[k] = true
		if p.Interface != "" && p.Unit == c.Unit {
			if ifaces[p.Interface] {
				return fmt.Errorf("ports[%d]: interface %s used twice", i, p.Interface)
			}
			ifaces[p.Interface] = true
		}
		for _, vid := range append([]uint16{p.PVID}, p.Tagged...) {
			if vid > 4095 {
				return fmt.Errorf("ports[%d]: vlan %d out of range", i, vid)
			}
		}
	}
	return nil
}
