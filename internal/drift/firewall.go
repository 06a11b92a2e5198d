package drift

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// FirewallBaselineCheck hashes a host's firewall ruleset listing and
// compares it against the signed baseline hash distributed with the
// appliance configuration. Volatile counters and rule handles are
// stripped before hashing so packet counts don't register as drift.
//
// The same check covers the appliance itself (nft over the local
// runner) and Windows targets (netsh over a WinRM-backed runner).
type FirewallBaselineCheck struct {
	Scope        string
	BaselineHash string
	Runner       Runner
	Argv         []string
}

// NewFirewallBaselineCheck probes the local nftables ruleset.
func NewFirewallBaselineCheck(baselineHash string, runner Runner) *FirewallBaselineCheck {
	return &FirewallBaselineCheck{
		Scope:        "local",
		BaselineHash: baselineHash,
		Runner:       runner,
		Argv:         []string{"nft", "list", "ruleset"},
	}
}

// NewWindowsFirewallCheck probes a Windows target's firewall rules
// through a runner that executes on that host.
func NewWindowsFirewallCheck(host, baselineHash string, runner Runner) *FirewallBaselineCheck {
	return &FirewallBaselineCheck{
		Scope:        host,
		BaselineHash: baselineHash,
		Runner:       runner,
		Argv:         []string{"netsh", "advfirewall", "firewall", "show", "rule", "name=all", "verbose"},
	}
}

func (c *FirewallBaselineCheck) Name() string { return CheckFirewallBaseline + ":" + c.Scope }

func (c *FirewallBaselineCheck) Run(ctx context.Context) Finding {
	out, err := c.Runner.Run(ctx, c.Argv[0], c.Argv[1:]...)
	if err != nil {
		return errorFinding(CheckFirewallBaseline, c.Scope, fmt.Errorf("read ruleset: %w", err))
	}

	actual := HashRuleset(out)
	pre := map[string]any{
		"expected_hash": c.BaselineHash,
		"actual_hash":   actual,
	}

	if actual == c.BaselineHash {
		pre["status"] = "ok"
		return Finding{
			CheckType: CheckFirewallBaseline,
			Scope:     c.Scope,
			Status:    StatusOK,
			Severity:  SeverityInfo,
			PreState:  pre,
		}
	}

	pre["status"] = "drift"
	return Finding{
		CheckType: CheckFirewallBaseline,
		Scope:     c.Scope,
		Status:    StatusDrift,
		Severity:  SeverityFail,
		PreState:  pre,
	}
}

// HashRuleset normalizes a ruleset listing and returns its SHA-256.
// The same normalization runs on the plane when a baseline is signed,
// so both sides agree byte for byte.
func HashRuleset(ruleset string) string {
	var norm []string
	for _, line := range strings.Split(ruleset, "\n") {
		// Strip volatile handle annotations before tokenizing.
		if i := strings.Index(line, "# handle "); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var kept []string
		for i := 0; i < len(fields); i++ {
			// Collapse "counter packets N bytes N" to "counter".
			if fields[i] == "counter" && i+4 < len(fields) &&
				fields[i+1] == "packets" && fields[i+3] == "bytes" {
				kept = append(kept, "counter")
				i += 4
				continue
			}
			kept = append(kept, fields[i])
		}
		norm = append(norm, strings.Join(kept, " "))
	}
	sum := sha256.Sum256([]byte(strings.Join(norm, "\n")))
	return hex.EncodeToString(sum[:])
}
