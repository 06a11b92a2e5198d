package healing

// Builtin rules ship with the appliance so a site that has never
// synced still self-heals the common drift classes. The control plane
// promotes learned rules at priority 5; builtins sit at 10 so synced
// knowledge always wins.

const builtinPriority = 10

func builtinRules() []*Rule {
	return []*Rule{
		// Firewall baseline drift. Windows targets restore from the
		// exported baseline profile, the appliance itself re-applies
		// the generated nftables ruleset.
		{
			ID:   "L1-FW-001",
			Name: "Restore Windows firewall baseline",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "firewall_baseline"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
				{Field: "scope", Operator: OpNotEquals, Value: "local"},
			},
			RunbookID:     "RB-WIN-SEC-001",
			HIPAAControls: []string{"164.312(a)(1)", "164.312(e)(1)"},
			Enabled:       true,
			Priority:      builtinPriority,
			Source:        SourceBuiltin,
		},
		{
			ID:   "L1-FW-002",
			Name: "Re-apply local nftables ruleset",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "firewall_baseline"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
				{Field: "scope", Operator: OpEquals, Value: "local"},
			},
			RunbookID:     "RB-LIN-FW-001",
			HIPAAControls: []string{"164.312(a)(1)", "164.312(e)(1)"},
			Enabled:       true,
			Priority:      builtinPriority,
			Source:        SourceBuiltin,
		},

		// Service health.
		{
			ID:   "L1-SVC-001",
			Name: "Restart failed service",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "service_health"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
			},
			RunbookID:     "RB-LIN-SVC-001",
			Args:          map[string]string{"unit": "{{scope}}"},
			HIPAAControls: []string{"164.312(b)"},
			Enabled:       true,
			Priority:      builtinPriority,
			Source:        SourceBuiltin,
		},

		// Patch state. Switching generations interrupts service, so the
		// runbook is disruptive and gets deferred outside the window.
		{
			ID:   "L1-PATCH-001",
			Name: "Converge to approved system generation",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "patch_state"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
			},
			RunbookID:       "RB-NIX-PATCH-001",
			HIPAAControls:   []string{"164.308(a)(5)(ii)(B)"},
			Enabled:         true,
			Priority:        builtinPriority,
			CooldownSeconds: 3600,
			Source:          SourceBuiltin,
		},

		// Backups.
		{
			ID:   "L1-BACKUP-001",
			Name: "Trigger backup run after missed window",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "backup_status"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
			},
			RunbookID:       "RB-BACKUP-001",
			HIPAAControls:   []string{"164.308(a)(7)(ii)(A)"},
			Enabled:         true,
			Priority:        builtinPriority,
			CooldownSeconds: 3600,
			Source:          SourceBuiltin,
		},

		// Log pipeline.
		{
			ID:   "L1-LOG-001",
			Name: "Restart log shipper on broken continuity",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "log_continuity"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
			},
			RunbookID:     "RB-LOG-SHIP-001",
			HIPAAControls: []string{"164.312(b)"},
			Enabled:       true,
			Priority:      builtinPriority,
			Source:        SourceBuiltin,
		},

		// Clock skew.
		{
			ID:   "L1-TIME-001",
			Name: "Resync system clock",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "time_sync"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
			},
			RunbookID:     "RB-TIME-SYNC-001",
			HIPAAControls: []string{"164.312(b)"},
			Enabled:       true,
			Priority:      builtinPriority,
			Source:        SourceBuiltin,
		},

		// Disk encryption state is never auto-remediated. Encrypting or
		// unlocking a volume needs hands and a key ceremony.
		{
			ID:   "L1-ENC-001",
			Name: "Escalate unencrypted sensitive volume",
			Conditions: []RuleCondition{
				{Field: "check_type", Operator: OpEquals, Value: "disk_encryption"},
				{Field: "status", Operator: OpEquals, Value: "drift"},
			},
			Escalate:      true,
			HIPAAControls: []string{"164.312(a)(2)(iv)"},
			Enabled:       true,
			Priority:      builtinPriority,
			Source:        SourceBuiltin,
		},
	}
}

func builtinRunbooks() []*Runbook {
	return []*Runbook{
		{
			ID:                "RB-WIN-SEC-001",
			Name:              "Restore Windows firewall baseline",
			Description:       "Reset Windows Firewall and import the site baseline profile.",
			Version:           1,
			Platform:          "windows",
			RollbackAvailable: true,
			CaptureSteps: []Step{
				{Type: StepCommand, Name: "export current policy",
					Command: `netsh advfirewall export "C:\ProgramData\osiris\fw-rollback.wfw"`},
			},
			Steps: []Step{
				{Type: StepCommand, Name: "import baseline",
					Command: `netsh advfirewall import "C:\ProgramData\osiris\fw-baseline.wfw"`},
				{Type: StepVerify, Name: "profiles enabled",
					Command: `netsh advfirewall show allprofiles state`},
			},
			RollbackSteps: []Step{
				{Type: StepCommand, Name: "restore captured policy",
					Command: `netsh advfirewall import "C:\ProgramData\osiris\fw-rollback.wfw"`},
			},
			HIPAAControls: []string{"164.312(a)(1)"},
		},
		{
			ID:                "RB-LIN-FW-001",
			Name:              "Re-apply nftables ruleset",
			Description:       "Restart the nftables unit so the generated ruleset replaces ad-hoc edits.",
			Version:           1,
			Platform:          "linux",
			RollbackAvailable: true,
			CaptureSteps: []Step{
				{Type: StepCommand, Name: "snapshot ruleset",
					Command: "nft list ruleset > /var/lib/osiris/rollback/ruleset.nft"},
			},
			Steps: []Step{
				{Type: StepServiceRestart, Name: "restart nftables", Unit: "nftables.service"},
				{Type: StepVerify, Name: "nftables active", Command: "systemctl is-active nftables.service"},
			},
			RollbackSteps: []Step{
				{Type: StepCommand, Name: "restore snapshot",
					Command: "nft -f /var/lib/osiris/rollback/ruleset.nft"},
			},
			HIPAAControls: []string{"164.312(a)(1)"},
		},
		{
			ID:          "RB-LIN-SVC-001",
			Name:        "Restart service unit",
			Description: "Restart a failed or inactive systemd unit and confirm it comes back.",
			Version:     1,
			Platform:    "linux",
			Steps: []Step{
				{Type: StepServiceRestart, Name: "restart unit", Unit: "{{unit}}", TimeoutSeconds: 120},
				{Type: StepVerify, Name: "unit active", Command: "systemctl is-active {{unit}}"},
			},
			HIPAAControls: []string{"164.312(b)"},
		},
		{
			ID:                "RB-NIX-PATCH-001",
			Name:              "Switch to approved generation",
			Description:       "Activate the approved system generation. Interrupts service briefly.",
			Version:           1,
			Platform:          "linux",
			Disruptive:        true,
			RollbackAvailable: true,
			CaptureSteps: []Step{
				{Type: StepCommand, Name: "record running generation", Command: "readlink /run/current-system"},
			},
			Steps: []Step{
				{Type: StepCommand, Name: "activate approved generation",
					Command: "/nix/var/nix/profiles/system/bin/switch-to-configuration switch", TimeoutSeconds: 600},
				{Type: StepVerify, Name: "generation current", Command: "readlink /run/current-system"},
			},
			RollbackSteps: []Step{
				{Type: StepCommand, Name: "roll back generation",
					Command: "nixos-rebuild switch --rollback", TimeoutSeconds: 600},
			},
			HIPAAControls: []string{"164.308(a)(5)(ii)(B)"},
		},
		{
			ID:          "RB-BACKUP-001",
			Name:        "Run backup now",
			Description: "Start the backup unit outside its schedule and wait for a clean result.",
			Version:     1,
			Platform:    "linux",
			Steps: []Step{
				{Type: StepCommand, Name: "start backup", Command: "systemctl start restic-backup.service", TimeoutSeconds: 1800},
				{Type: StepVerify, Name: "backup result clean",
					Command: `test "$(systemctl show restic-backup.service --property=Result --value)" = success`},
			},
			HIPAAControls: []string{"164.308(a)(7)(ii)(A)"},
		},
		{
			ID:          "RB-LOG-SHIP-001",
			Name:        "Restart log shipper",
			Description: "Restart the log shipping pipeline when canaries stop arriving.",
			Version:     1,
			Platform:    "linux",
			Steps: []Step{
				{Type: StepServiceRestart, Name: "restart shipper", Unit: "vector.service"},
				{Type: StepVerify, Name: "shipper active", Command: "systemctl is-active vector.service"},
			},
			HIPAAControls: []string{"164.312(b)"},
		},
		{
			ID:          "RB-TIME-SYNC-001",
			Name:        "Force clock resync",
			Description: "Re-enable NTP and restart timesyncd to pull the clock back.",
			Version:     1,
			Platform:    "linux",
			Steps: []Step{
				{Type: StepCommand, Name: "enable ntp", Command: "timedatectl set-ntp true"},
				{Type: StepServiceRestart, Name: "restart timesyncd", Unit: "systemd-timesyncd.service"},
				{Type: StepVerify, Name: "timesyncd active", Command: "systemctl is-active systemd-timesyncd.service"},
			},
			HIPAAControls: []string{"164.312(b)"},
		},
		// Chain recovery is not a step sequence. The daemon handles it
		// directly when an operator-approved order names it: the local
		// head is re-anchored to the server head and a chain_recovery
		// bundle records the gap.
		{
			ID:          "RB-CHAIN-RECOVER",
			Name:        "Re-anchor evidence chain",
			Description: "Adopt the server chain head after a verified divergence.",
			Version:     1,
			Platform:    "linux",
			Internal:    true,
		},
	}
}
