package healing

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/osiriscare/fleet/internal/drift"
)

// StepRunner executes a single runbook step on a target. The daemon
// supplies an implementation that routes by platform and scope: local
// shell for the appliance itself, WinRM or SSH for managed hosts.
type StepRunner interface {
	RunStep(ctx context.Context, platform, scope string, step Step) (string, error)
}

const (
	defaultCooldown  = 10 * time.Minute
	maxStepOutputLen = 4096
)

// StepResult records one executed step for the evidence trail.
type StepResult struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// RunbookResult is the outcome of one runbook execution attempt.
type RunbookResult struct {
	RunbookID  string       `json:"runbook_id"`
	Capture    []StepResult `json:"capture,omitempty"`
	Steps      []StepResult `json:"steps"`
	Failed     bool         `json:"failed"`
	FailedStep string       `json:"failed_step,omitempty"`
}

// RuleMatch pairs a matched rule with its resolved runbook and
// rendered args. Runbook is nil for escalation rules.
type RuleMatch struct {
	Rule    *Rule
	Runbook *Runbook
	Args    map[string]string
}

// Engine owns the rule table and runs runbooks step by step. Matching
// walks rules in precedence order and skips any rule still cooling
// down for the same scope, so one flapping host cannot hot-loop a
// remediation.
type Engine struct {
	mu           sync.RWMutex
	rules        []*Rule
	rulesVersion int
	cooldowns    map[string]time.Time

	catalogue *Catalogue
	runner    StepRunner
	now       func() time.Time
}

// NewEngine loads builtin rules plus any operator-dropped YAML rules
// from rulesDir ("" skips the directory).
func NewEngine(rulesDir string, catalogue *Catalogue, runner StepRunner) *Engine {
	rules := builtinRules()
	if rulesDir != "" {
		custom, err := loadRulesDir(rulesDir)
		if err != nil {
			log.Printf("[healing] loading rules from %s: %v", rulesDir, err)
		} else if len(custom) > 0 {
			log.Printf("[healing] loaded %d custom rules from %s", len(custom), rulesDir)
			rules = append(rules, custom...)
		}
	}
	sortRules(rules)

	return &Engine{
		rules:     rules,
		cooldowns: make(map[string]time.Time),
		catalogue: catalogue,
		runner:    runner,
		now:       time.Now,
	}
}

// ApplyRules replaces the synced rule set with a newer snapshot from
// the control plane. Builtin and custom rules are kept.
func (e *Engine) ApplyRules(version int, synced []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]*Rule, 0, len(e.rules)+len(synced))
	for _, r := range e.rules {
		if r.Source != SourceSynced {
			kept = append(kept, r)
		}
	}
	for _, r := range synced {
		if r.ID == "" {
			continue
		}
		r.Source = SourceSynced
		if r.Priority == 0 {
			r.Priority = defaultSyncedPriority
		}
		kept = append(kept, r)
	}
	sortRules(kept)

	e.rules = kept
	e.rulesVersion = version
	log.Printf("[healing] applied rules snapshot v%d (%d synced)", version, len(synced))
}

func (e *Engine) RulesVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rulesVersion
}

func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Match returns the first rule applying to the finding, or nil. The
// rule table is precedence-sorted, so the first hit is the winner.
func (e *Engine) Match(f drift.Finding) *RuleMatch {
	data := findingData(f)
	now := e.now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if !r.Matches(string(f.Severity), data) {
			continue
		}
		key := r.ID + ":" + f.Scope
		if until, ok := e.cooldowns[key]; ok && now.Before(until) {
			log.Printf("[healing] rule %s cooling down for %s (%.0fs left)",
				r.ID, f.Scope, until.Sub(now).Seconds())
			continue
		}
		if r.Escalate {
			return &RuleMatch{Rule: r}
		}
		rb, ok := e.catalogue.Get(r.RunbookID)
		if !ok {
			log.Printf("[healing] rule %s names unknown runbook %s, skipping", r.ID, r.RunbookID)
			continue
		}
		return &RuleMatch{Rule: r, Runbook: rb, Args: renderArgs(r.Args, f)}
	}
	return nil
}

// RecordCooldown arms the per-scope cooldown after an execution
// attempt, successful or not.
func (e *Engine) RecordCooldown(r *Rule, scope string) {
	d := defaultCooldown
	if r.CooldownSeconds > 0 {
		d = time.Duration(r.CooldownSeconds) * time.Second
	}
	e.mu.Lock()
	e.cooldowns[r.ID+":"+scope] = e.now().Add(d)
	e.mu.Unlock()
}

// ExecuteRunbook runs capture steps (when a restore point is needed)
// and then the remediation steps in order, stopping at the first
// failure. Step outputs are truncated before they land in evidence.
func (e *Engine) ExecuteRunbook(ctx context.Context, rb *Runbook, scope string, args map[string]string) *RunbookResult {
	result := &RunbookResult{RunbookID: rb.ID}

	if rb.RollbackAvailable {
		for _, step := range rb.CaptureSteps {
			sr := e.runStep(ctx, rb.Platform, scope, renderStep(step, args))
			result.Capture = append(result.Capture, sr)
			if sr.Error != "" {
				// No restore point means no safe change.
				result.Failed = true
				result.FailedStep = sr.Name
				return result
			}
		}
	}

	for _, step := range rb.Steps {
		sr := e.runStep(ctx, rb.Platform, scope, renderStep(step, args))
		result.Steps = append(result.Steps, sr)
		if sr.Error != "" {
			result.Failed = true
			result.FailedStep = sr.Name
			return result
		}
	}
	return result
}

// Rollback runs the runbook's rollback steps against the same target.
func (e *Engine) Rollback(ctx context.Context, rb *Runbook, scope string, args map[string]string) ([]StepResult, error) {
	var results []StepResult
	for _, step := range rb.RollbackSteps {
		sr := e.runStep(ctx, rb.Platform, scope, renderStep(step, args))
		results = append(results, sr)
		if sr.Error != "" {
			return results, errStepFailed(sr)
		}
	}
	return results, nil
}

func (e *Engine) runStep(ctx context.Context, platform, scope string, step Step) StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(step.timeoutSeconds())*time.Second)
	defer cancel()

	start := e.now()
	out, err := e.runner.RunStep(stepCtx, platform, scope, step)

	sr := StepResult{
		Name:       step.Name,
		Type:       string(step.Type),
		Output:     truncateOutput(out),
		DurationMs: e.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		sr.Error = err.Error()
	}
	return sr
}

type stepError struct{ sr StepResult }

func errStepFailed(sr StepResult) error { return &stepError{sr} }
func (e *stepError) Error() string      { return "step " + e.sr.Name + ": " + e.sr.Error }

// findingData flattens a finding into the map rule conditions match
// against. Observed state nests under "pre_state".
func findingData(f drift.Finding) map[string]interface{} {
	data := map[string]interface{}{
		"check_type": f.CheckType,
		"scope":      f.Scope,
		"severity":   string(f.Severity),
		"status":     string(f.Status),
		"flapping":   f.Flapping,
	}
	if f.PreState != nil {
		pre := make(map[string]interface{}, len(f.PreState))
		for k, v := range f.PreState {
			pre[k] = v
		}
		data["pre_state"] = pre
	}
	return data
}

// renderArgs expands finding references in rule args, so a generic
// rule can hand the failing unit name to its runbook.
func renderArgs(ruleArgs map[string]string, f drift.Finding) map[string]string {
	if len(ruleArgs) == 0 {
		return nil
	}
	ctx := map[string]string{"scope": f.Scope, "check_type": f.CheckType}
	args := make(map[string]string, len(ruleArgs))
	for k, v := range ruleArgs {
		for ck, cv := range ctx {
			v = strings.ReplaceAll(v, "{{"+ck+"}}", cv)
		}
		args[k] = v
	}
	return args
}

func truncateOutput(s string) string {
	if len(s) <= maxStepOutputLen {
		return s
	}
	return s[:maxStepOutputLen] + "...[truncated]"
}
