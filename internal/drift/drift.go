// Package drift implements the appliance's periodic compliance checks.
// Each check probes one deterministic source of local or network state
// and reports a typed finding; the registry fans checks out over a
// bounded worker pool and deduplicates findings by fingerprint within
// a tick.
package drift

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// Check types. Each maps to one deterministic data source; the HIPAA
// citation it covers travels in the finding's pre_state.
const (
	CheckServiceHealth    = "service_health"
	CheckFirewallBaseline = "firewall_baseline"
	CheckPatchState       = "patch_state"
	CheckBackupStatus     = "backup_status"
	CheckDiskEncryption   = "disk_encryption"
	CheckLogContinuity    = "log_continuity"
	CheckTimeSync         = "time_sync"
)

// Severity of a finding.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityFail Severity = "fail"
)

// Status of one check run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusDrift   Status = "drift"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Finding is the output of one check run against one scope. Passing
// runs produce a StatusOK finding so the evidence stream records the
// observation; a check that cannot run produces a StatusError finding
// carrying the cause rather than masking earlier state.
type Finding struct {
	CheckType   string
	Scope       string
	Status      Status
	Severity    Severity
	Fingerprint string
	PreState    map[string]any
	Flapping    bool
}

// Failed reports whether the finding needs healing.
func (f Finding) Failed() bool {
	return f.Status == StatusDrift || f.Status == StatusError
}

// Fingerprint returns the stable hash over (check_type, scope): first
// 16 hex chars of SHA-256. Stable across ticks so the plane can group
// incidents and the healer can rate-limit per target.
func Fingerprint(checkType, scope string) string {
	sum := sha256.Sum256([]byte(checkType + "\x00" + scope))
	return hex.EncodeToString(sum[:])[:16]
}

// Check is the plugin contract. Run must be safe to call concurrently
// with other checks and must honor ctx cancellation.
type Check interface {
	Name() string
	Run(ctx context.Context) Finding
}

// severityRank orders findings for healing: fail first, then warn.
var severityRank = map[Severity]int{SeverityFail: 0, SeverityWarn: 1, SeverityInfo: 2}

// Registry holds the enabled checks for one appliance.
type Registry struct {
	mu             sync.RWMutex
	checks         []Check
	maxConcurrency int
}

// NewRegistry creates an empty registry. maxConcurrency bounds the
// worker pool; values < 1 mean one worker per check.
func NewRegistry(maxConcurrency int) *Registry {
	return &Registry{maxConcurrency: maxConcurrency}
}

// Register appends a check.
func (r *Registry) Register(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// Names lists registered check names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for _, c := range r.checks {
		names = append(names, c.Name())
	}
	return names
}

// RunAll executes every registered check over the worker pool and
// returns findings with fingerprints filled, deduplicated by
// fingerprint (highest severity wins), sorted fail-first then by
// check type for a deterministic healing order.
func (r *Registry) RunAll(ctx context.Context) []Finding {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	sem := r.maxConcurrency
	if sem < 1 {
		sem = len(checks)
	}
	slots := make(chan struct{}, sem)
	resultChan := make(chan Finding, len(checks))

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()
			resultChan <- c.Run(ctx)
		}(check)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	byPrint := make(map[string]Finding)
	for f := range resultChan {
		if f.Fingerprint == "" {
			f.Fingerprint = Fingerprint(f.CheckType, f.Scope)
		}
		prev, seen := byPrint[f.Fingerprint]
		if !seen || severityRank[f.Severity] < severityRank[prev.Severity] {
			byPrint[f.Fingerprint] = f
		}
	}

	findings := make([]Finding, 0, len(byPrint))
	for _, f := range byPrint {
		findings = append(findings, f)
	}
	sort.Slice(findings, func(i, j int) bool {
		ri, rj := severityRank[findings[i].Severity], severityRank[findings[j].Severity]
		if ri != rj {
			return ri < rj
		}
		if findings[i].CheckType != findings[j].CheckType {
			return findings[i].CheckType < findings[j].CheckType
		}
		return findings[i].Scope < findings[j].Scope
	})
	return findings
}

// Runner abstracts subprocess invocation so checks can read system
// state in tests without a live host. Shelling out is only ever used
// to read deterministic state, never to compose logic.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

// errorFinding builds the StatusError finding for a check that could
// not run.
func errorFinding(checkType, scope string, err error) Finding {
	return Finding{
		CheckType: checkType,
		Scope:     scope,
		Status:    StatusError,
		Severity:  SeverityWarn,
		PreState: map[string]any{
			"status": "error",
			"error":  err.Error(),
		},
	}
}
