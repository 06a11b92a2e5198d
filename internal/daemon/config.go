// Package daemon implements the appliance agent: the serialized tick
// loop that checks in with the control plane, scans for drift, heals,
// and emits chained evidence through the durable queue.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the appliance configuration, loaded from a single YAML
// file (0600, root) with a few environment overrides on top.
type Config struct {
	// Required
	SiteID            string `yaml:"site_id"`
	PlaneBaseURL      string `yaml:"plane_base_url"`
	PlaneIssuerPubkey string `yaml:"plane_issuer_pubkey"`

	// Identity. Empty appliance_id is derived from site_id + primary MAC.
	ApplianceID string `yaml:"appliance_id"`

	// Timing
	TickSeconds  int `yaml:"tick_seconds"`
	NTPMaxSkewMs int `yaml:"ntp_max_skew_ms"`

	// Healing policy
	MaintenanceWindow            string `yaml:"maintenance_window"`
	AllowDisruptiveOutsideWindow bool   `yaml:"allow_disruptive_outside_window"`
	HealingDryRun                bool   `yaml:"healing_dry_run"`

	// Fleet attribution, stamped into every evidence bundle.
	DeploymentMode string `yaml:"deployment_mode"`
	ResellerID     string `yaml:"reseller_id"`

	// Durable journal
	QueueDir        string `yaml:"queue_dir"`
	QueueHardCapMB  int    `yaml:"queue_hard_cap_mb"`
	QueueRetainDays int    `yaml:"queue_retain_days"`

	// Orders
	OrderTTLMaxSeconds int `yaml:"order_ttl_max_seconds"`

	// Paths
	StateDir string `yaml:"state_dir"`

	// mTLS client identity
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	// Clock sanity
	NTPServers []string `yaml:"ntp_servers"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Monitored surface
	Monitors Monitors `yaml:"monitors"`

	// L2 planner spend limits
	PlannerBudget PlannerBudget `yaml:"planner_budget"`
}

// Monitors declares what the drift scanner watches. Checks whose
// parameters are empty are not registered.
type Monitors struct {
	// Local systemd units that must stay active.
	ServiceUnits []string `yaml:"service_units"`
	// Expected hash of the local nftables ruleset.
	FirewallBaseline string `yaml:"firewall_baseline"`
	// Per-host expected hashes for Windows firewall rule exports,
	// keyed by the host name credentials arrive under.
	WindowsFirewallBaselines map[string]string `yaml:"windows_firewall_baselines"`
	// Target system store digest; empty accepts whatever is running.
	PatchTargetDigest string `yaml:"patch_target_digest"`
	// Vendor backup status file and how stale it may be.
	BackupStatusFile  string `yaml:"backup_status_file"`
	BackupMaxAgeHours int    `yaml:"backup_max_age_hours"`
	// Mountpoints that must sit on encrypted block devices.
	EncryptedMounts []string `yaml:"encrypted_mounts"`
	// Spool directory for the log canary round-trip.
	LogSpoolDir string `yaml:"log_spool_dir"`
}

// PlannerBudget caps L2 planner spend. Zero values take the planner
// package defaults.
type PlannerBudget struct {
	DailyBudgetUSD     float64 `yaml:"daily_budget_usd"`
	MaxCallsPerHour    int     `yaml:"max_calls_per_hour"`
	MaxConcurrentCalls int     `yaml:"max_concurrent_calls"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		TickSeconds:        60,
		NTPMaxSkewMs:       5000,
		MaintenanceWindow:  "02:00-06:00,Sun",
		HealingDryRun:      false,
		DeploymentMode:     "reseller",
		QueueDir:           "/var/lib/msp/queue",
		QueueHardCapMB:     256,
		QueueRetainDays:    90,
		OrderTTLMaxSeconds: 900,
		StateDir:           "/var/lib/msp",
		NTPServers: []string{
			"0.pool.ntp.org", "1.pool.ntp.org",
			"2.pool.ntp.org", "3.pool.ntp.org",
		},
		LogLevel: "INFO",
		Monitors: Monitors{
			BackupMaxAgeHours: 26,
			LogSpoolDir:       "/var/log/osiris",
		},
	}
}

// LoadConfig loads configuration from a YAML file, applies env
// overrides, validates required fields, and clamps ranges.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("HEALING_DRY_RUN"); v != "" {
		cfg.HealingDryRun = !isFalsy(v)
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	if cfg.SiteID == "" {
		return nil, fmt.Errorf("site_id is required")
	}
	if cfg.PlaneBaseURL == "" {
		return nil, fmt.Errorf("plane_base_url is required")
	}
	if cfg.PlaneIssuerPubkey == "" {
		return nil, fmt.Errorf("plane_issuer_pubkey is required")
	}
	if cfg.ApplianceID == "" {
		cfg.ApplianceID = deriveApplianceID(cfg.SiteID)
	}
	if cfg.TickSeconds < 10 {
		cfg.TickSeconds = 10
	}
	if cfg.TickSeconds > 3600 {
		cfg.TickSeconds = 3600
	}
	if cfg.QueueDir == "" {
		cfg.QueueDir = filepath.Join(cfg.StateDir, "queue")
	}

	return &cfg, nil
}

// SeedPath is where the appliance Ed25519 seed lives.
func (c *Config) SeedPath() string {
	return filepath.Join(c.StateDir, "signing.seed")
}

// StatePath is the atomic state.json location.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.json")
}

// RulesDir holds operator-dropped L1 rule files.
func (c *Config) RulesDir() string {
	return filepath.Join(c.StateDir, "rules")
}

// KnownHostsPath pins SSH host keys for managed Linux targets.
func (c *Config) KnownHostsPath() string {
	return filepath.Join(c.StateDir, "ssh_known_hosts")
}

// OverflowDir receives bundles when the queue is full and nothing is
// evictable. Files here do not count against the queue cap.
func (c *Config) OverflowDir() string {
	return filepath.Join(c.StateDir, "overflow")
}

// deriveApplianceID builds the default identity from the first
// non-loopback MAC: "<site_id>-AA:BB:CC:DD:EE:FF" uppercased.
func deriveApplianceID(siteID string) string {
	mac := primaryMAC()
	if mac == "" {
		host, _ := os.Hostname()
		return siteID + "-" + host
	}
	return siteID + "-" + strings.ToUpper(mac)
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "" || strings.HasPrefix(mac, "00:00:00") {
			continue
		}
		return mac
	}
	return ""
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
