package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
site_id: site-001
plane_base_url: https://plane.osiris.example
plane_issuer_pubkey: aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.TickSeconds != 60 {
		t.Fatalf("tick_seconds = %d", cfg.TickSeconds)
	}
	if cfg.NTPMaxSkewMs != 5000 {
		t.Fatalf("ntp_max_skew_ms = %d", cfg.NTPMaxSkewMs)
	}
	if cfg.MaintenanceWindow != "02:00-06:00,Sun" {
		t.Fatalf("maintenance_window = %q", cfg.MaintenanceWindow)
	}
	if cfg.QueueHardCapMB != 256 || cfg.QueueRetainDays != 90 {
		t.Fatalf("queue caps = %d/%d", cfg.QueueHardCapMB, cfg.QueueRetainDays)
	}
	if cfg.OrderTTLMaxSeconds != 900 {
		t.Fatalf("order_ttl_max_seconds = %d", cfg.OrderTTLMaxSeconds)
	}
	if len(cfg.NTPServers) != 4 {
		t.Fatalf("ntp_servers = %v", cfg.NTPServers)
	}
	if cfg.Monitors.BackupMaxAgeHours != 26 {
		t.Fatalf("backup_max_age_hours = %d", cfg.Monitors.BackupMaxAgeHours)
	}
	if cfg.HealingDryRun {
		t.Fatal("dry run must default off")
	}

	// Identity is derived when the file does not set one.
	if cfg.ApplianceID == "" || !strings.HasPrefix(cfg.ApplianceID, "site-001-") {
		t.Fatalf("appliance_id = %q", cfg.ApplianceID)
	}
}

func TestLoadConfigRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing site", `
plane_base_url: https://plane.osiris.example
plane_issuer_pubkey: aa
`, "site_id"},
		{"missing plane url", `
site_id: site-001
plane_issuer_pubkey: aa
`, "plane_base_url"},
		{"missing issuer key", `
site_id: site-001
plane_base_url: https://plane.osiris.example
`, "plane_issuer_pubkey"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("incomplete config accepted")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not name %s", err, tc.want)
			}
		})
	}
}

func TestLoadConfigClampsTick(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+"tick_seconds: 3\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickSeconds != 10 {
		t.Fatalf("tick_seconds = %d, want clamped to 10", cfg.TickSeconds)
	}

	cfg, err = LoadConfig(writeConfig(t, minimalConfig+"tick_seconds: 7200\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickSeconds != 3600 {
		t.Fatalf("tick_seconds = %d, want clamped to 3600", cfg.TickSeconds)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HEALING_DRY_RUN", "1")
	t.Setenv("STATE_DIR", "/tmp/osiris-test-state")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.HealingDryRun {
		t.Fatal("HEALING_DRY_RUN=1 ignored")
	}
	if cfg.StateDir != "/tmp/osiris-test-state" {
		t.Fatalf("state_dir = %q", cfg.StateDir)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}

	t.Setenv("HEALING_DRY_RUN", "false")
	cfg, err = LoadConfig(writeConfig(t, minimalConfig+"healing_dry_run: true\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HealingDryRun {
		t.Fatal("HEALING_DRY_RUN=false must override the file")
	}
}

func TestLoadConfigMonitorsSection(t *testing.T) {
	body := minimalConfig + `
monitors:
  service_units: [postgresql.service, nginx.service]
  firewall_baseline: 9f2d1c3344556677
  windows_firewall_baselines:
    dc01.clinic.lan: aabb001122334455
  backup_status_file: /var/lib/backup/status.json
  backup_max_age_hours: 30
  encrypted_mounts: [/srv/ehr]
  log_spool_dir: /var/log/clinic
`
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Monitors.ServiceUnits) != 2 {
		t.Fatalf("service_units = %v", cfg.Monitors.ServiceUnits)
	}
	if cfg.Monitors.WindowsFirewallBaselines["dc01.clinic.lan"] != "aabb001122334455" {
		t.Fatalf("windows baselines = %v", cfg.Monitors.WindowsFirewallBaselines)
	}
	if cfg.Monitors.BackupMaxAgeHours != 30 {
		t.Fatalf("backup_max_age_hours = %d", cfg.Monitors.BackupMaxAgeHours)
	}
	if cfg.Monitors.LogSpoolDir != "/var/log/clinic" {
		t.Fatalf("log_spool_dir = %q", cfg.Monitors.LogSpoolDir)
	}
}

func TestConfigPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/msp"

	if got := cfg.SeedPath(); got != "/var/lib/msp/signing.seed" {
		t.Fatalf("seed path = %q", got)
	}
	if got := cfg.StatePath(); got != "/var/lib/msp/state.json" {
		t.Fatalf("state path = %q", got)
	}
	if got := cfg.RulesDir(); got != "/var/lib/msp/rules" {
		t.Fatalf("rules dir = %q", got)
	}
	if got := cfg.KnownHostsPath(); got != "/var/lib/msp/ssh_known_hosts" {
		t.Fatalf("known hosts = %q", got)
	}
	if got := cfg.OverflowDir(); got != "/var/lib/msp/overflow" {
		t.Fatalf("overflow dir = %q", got)
	}
}

func TestQueueDirFollowsStateDir(t *testing.T) {
	body := `
site_id: site-001
plane_base_url: https://plane.osiris.example
plane_issuer_pubkey: aa
state_dir: /data/appliance
queue_dir: ""
`
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueDir != "/data/appliance/queue" {
		t.Fatalf("queue_dir = %q", cfg.QueueDir)
	}
}

func TestIsFalsy(t *testing.T) {
	for _, v := range []string{"false", "FALSE", " 0 ", "no"} {
		if !isFalsy(v) {
			t.Fatalf("isFalsy(%q) = false", v)
		}
	}
	for _, v := range []string{"true", "1", "yes", "on"} {
		if isFalsy(v) {
			t.Fatalf("isFalsy(%q) = true", v)
		}
	}
}
