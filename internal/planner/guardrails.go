package planner

import (
	"regexp"
	"strings"

	"github.com/osiriscare/fleet/internal/healing"
)

// Guardrails vets planner decisions before anything executes. The
// plane applies its own checks before responding; these run again on
// the appliance so a compromised or confused upstream cannot push a
// destructive command through runbook args.
type Guardrails struct {
	dangerous      []*regexp.Regexp
	allowedActions map[string]bool
}

var defaultAllowedActions = []string{
	healing.PlanActionRunbook,
	healing.PlanActionEscalate,
}

// dangerousPatternDefs flag commands no remediation should ever need.
var dangerousPatternDefs = []string{
	// Filesystem destruction
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,

	// Permission destruction
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,

	// Remote code execution via pipe
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`curl\s+.*\|\s*python`,
	`wget\s+.*\|\s*python`,

	// SQL destruction
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bDELETE\s+FROM\b`,
	`(?i)\bTRUNCATE\b`,

	// Credential material
	`/etc/shadow`,
	`\bid_rsa\b`,
	`(?i)\bapi[_\s]?key\b`,
	`\.env\b`,

	// Reverse shells
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,

	// System destruction
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`>\s*/dev/sda`,

	// Windows destruction
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Stop-Computer\s+-Force`,
}

func NewGuardrails(allowedActions []string) *Guardrails {
	if allowedActions == nil {
		allowedActions = defaultAllowedActions
	}
	allowed := make(map[string]bool, len(allowedActions))
	for _, a := range allowedActions {
		allowed[strings.ToLower(a)] = true
	}
	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return &Guardrails{dangerous: patterns, allowedActions: allowed}
}

// CheckResult says whether a decision may execute and, if not, why.
type CheckResult struct {
	Allowed  bool
	Reason   string
	Category string
}

// Check vets one decision: action allowlist first, then a dangerous
// pattern scan over every arg value.
func (g *Guardrails) Check(d *healing.PlanDecision) CheckResult {
	if !g.allowedActions[strings.ToLower(d.Action)] {
		return CheckResult{
			Reason:   "action not in allowed list: " + d.Action,
			Category: "unknown_action",
		}
	}
	for key, value := range d.Args {
		if reason := g.checkDangerous(value); reason != "" {
			return CheckResult{
				Reason:   "arg " + key + ": " + reason,
				Category: "dangerous_pattern",
			}
		}
	}
	if reason := g.checkDangerous(d.RunbookID); reason != "" {
		return CheckResult{Reason: reason, Category: "dangerous_pattern"}
	}
	return CheckResult{Allowed: true}
}

func (g *Guardrails) checkDangerous(input string) string {
	for _, p := range g.dangerous {
		if p.MatchString(input) {
			return "dangerous pattern detected: " + p.String()
		}
	}
	return ""
}
