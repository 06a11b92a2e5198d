// Package healing turns drift findings into remediation outcomes
// through three tiers. L1 is deterministic: rules map known drift to
// runbooks and run them locally with no network round trip. L2 asks
// the control plane's planner for a runbook choice when no rule
// matches. L3 escalates to a human. Every path ends in an outcome the
// daemon seals into evidence, including the paths where nothing was
// done and why.
package healing

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/osiriscare/fleet/internal/drift"
	"github.com/osiriscare/fleet/internal/envelope"
)

// MinConfidence is the floor under which a planner decision is not
// acted on and the finding escalates instead.
const MinConfidence = 0.5

const defaultEscalationCooldown = time.Hour

// ErrBudgetExhausted is returned by a Planner when the spend or call
// budget for the day is gone. The healer escalates without retrying.
var ErrBudgetExhausted = errors.New("planner budget exhausted")

// Planner proposes a remediation for findings no rule covers. The
// production implementation calls the control plane, which fronts the
// model; tests supply fakes.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*PlanDecision, error)
}

// PlanRequest carries the finding and what the appliance can do about
// it. PreState is scrubbed before it leaves the process.
type PlanRequest struct {
	CheckType string                 `json:"check_type"`
	Scope     string                 `json:"scope"`
	Severity  string                 `json:"severity"`
	PreState  map[string]interface{} `json:"pre_state"`
	Runbooks  []RunbookSummary       `json:"runbooks"`
}

// PlanDecision is the planner's verdict.
type PlanDecision struct {
	Action     string            `json:"action"`
	RunbookID  string            `json:"runbook_id,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	Confidence float64           `json:"confidence"`
	Rationale  string            `json:"rationale"`
}

// PlanActionRunbook and PlanActionEscalate are the only decision
// actions acted on. Anything else escalates.
const (
	PlanActionRunbook  = "execute_runbook"
	PlanActionEscalate = "escalate"
)

// RecheckFunc re-runs the originating check so a heal is only claimed
// when the system actually came back to baseline.
type RecheckFunc func(ctx context.Context) drift.Finding

// Outcome is what one healing pass decided and did. Action uses the
// evidence vocabulary and maps 1:1 onto the bundle's action_taken.
type Outcome struct {
	Action            string
	RuleID            string
	RunbookID         string
	Reason            string
	Confidence        float64
	Rationale         string
	PostState         map[string]interface{}
	Detail            map[string]interface{}
	RollbackAvailable bool
}

// Healer drives a finding through L1, L2 and L3. It remembers what it
// escalated so the same broken thing does not page twice an hour.
type Healer struct {
	engine  *Engine
	planner Planner
	windows Windows
	dryRun  bool

	mu                 sync.Mutex
	escalated          map[string]time.Time
	escalationCooldown time.Duration
	noDisruptive       bool

	now func() time.Time
}

type HealerOptions struct {
	Windows            Windows
	DryRun             bool
	EscalationCooldown time.Duration
}

func NewHealer(engine *Engine, planner Planner, opts HealerOptions) *Healer {
	cooldown := opts.EscalationCooldown
	if cooldown <= 0 {
		cooldown = defaultEscalationCooldown
	}
	return &Healer{
		engine:             engine,
		planner:            planner,
		windows:            opts.Windows,
		dryRun:             opts.DryRun,
		escalated:          make(map[string]time.Time),
		escalationCooldown: cooldown,
		now:                time.Now,
	}
}

// ClearEscalation forgets a prior escalation, letting local healing
// resume. The daemon calls it when an operator order arrives for the
// same finding.
func (h *Healer) ClearEscalation(fingerprint string) {
	h.mu.Lock()
	delete(h.escalated, fingerprint)
	h.mu.Unlock()
}

// SuppressDisruptive gates disruptive runbooks off for as long as the
// local clock is out of tolerance. Window membership cannot be trusted
// on a skewed clock.
func (h *Healer) SuppressDisruptive(on bool) {
	h.mu.Lock()
	h.noDisruptive = on
	h.mu.Unlock()
}

func (h *Healer) disruptiveSuppressed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.noDisruptive
}

// Escalations snapshots the active escalation cooldowns so the daemon
// can persist them across restarts.
func (h *Healer) Escalations() map[string]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]time.Time, len(h.escalated))
	for fp, at := range h.escalated {
		out[fp] = at
	}
	return out
}

// RestoreEscalations reloads cooldowns saved by a previous run. Stale
// entries age out on the next Heal pass for their fingerprint.
func (h *Healer) RestoreEscalations(saved map[string]time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for fp, at := range saved {
		h.escalated[fp] = at
	}
}

// Heal runs the three-tier flow for one failing finding.
func (h *Healer) Heal(ctx context.Context, f drift.Finding, recheck RecheckFunc) Outcome {
	if f.Flapping {
		return Outcome{
			Action: envelope.ActionNone,
			Reason: "flap_suppressed",
			Detail: map[string]interface{}{"flapping": true},
		}
	}

	h.mu.Lock()
	if at, ok := h.escalated[f.Fingerprint]; ok {
		if h.now().Sub(at) < h.escalationCooldown {
			h.mu.Unlock()
			return Outcome{Action: envelope.ActionNone, Reason: "escalation_pending"}
		}
		delete(h.escalated, f.Fingerprint)
	}
	h.mu.Unlock()

	// L1: deterministic rules.
	if m := h.engine.Match(f); m != nil {
		if m.Rule.Escalate {
			return h.escalate(f, m.Rule.ID, "", "rule_escalation", nil)
		}
		outcome, fellThrough := h.runTier(ctx, envelope.ActionL1, m.Rule.ID, m.Runbook, m.Args, f, recheck)
		if !fellThrough {
			return outcome
		}
		log.Printf("[healing] L1 rule %s did not resolve %s/%s (%s), trying L2",
			m.Rule.ID, f.CheckType, f.Scope, outcome.Reason)
		return h.planAndRun(ctx, f, recheck, outcome.Reason, outcome.Detail)
	}

	return h.planAndRun(ctx, f, recheck, "no_rule_matched", nil)
}

// planAndRun is the L2 tier. Any failure to get a usable decision
// lands in L3.
func (h *Healer) planAndRun(ctx context.Context, f drift.Finding, recheck RecheckFunc, cause string, prior map[string]interface{}) Outcome {
	if h.planner == nil {
		return h.escalate(f, "", "", "planner_disabled", prior)
	}

	req := PlanRequest{
		CheckType: f.CheckType,
		Scope:     f.Scope,
		Severity:  string(f.Severity),
		PreState:  f.PreState,
		Runbooks:  h.engine.catalogue.Summaries(),
	}

	decision, err := h.planner.Plan(ctx, req)
	if err != nil {
		reason := "planner_error"
		if errors.Is(err, ErrBudgetExhausted) {
			reason = "budget_exhausted"
		}
		log.Printf("[healing] planner for %s/%s: %v", f.CheckType, f.Scope, err)
		return h.escalate(f, "", "", reason, prior)
	}

	detail := map[string]interface{}{
		"confidence": decision.Confidence,
		"rationale":  decision.Rationale,
		"cause":      cause,
	}
	if prior != nil {
		detail["l1_attempt"] = prior
	}

	if decision.Action == PlanActionEscalate {
		return h.escalate(f, "", decision.RunbookID, "planner_escalated", detail)
	}
	if decision.Action != PlanActionRunbook {
		return h.escalate(f, "", "", "unknown_plan_action", detail)
	}
	if decision.Confidence < MinConfidence {
		return h.escalate(f, "", decision.RunbookID, "low_confidence", detail)
	}

	rb, ok := h.engine.catalogue.Get(decision.RunbookID)
	if !ok || rb.Internal {
		return h.escalate(f, "", decision.RunbookID, "unknown_runbook", detail)
	}

	outcome, fellThrough := h.runTier(ctx, envelope.ActionL2, "", rb, decision.Args, f, recheck)
	outcome.Confidence = decision.Confidence
	outcome.Rationale = decision.Rationale
	if !fellThrough {
		return outcome
	}
	// L2 was the last automated tier.
	detail["l2_attempt"] = outcome.Detail
	return h.escalate(f, "", rb.ID, outcome.Reason, detail)
}

// runTier executes one runbook attempt and classifies the result. The
// second return is true when the tier neither fixed nor terminally
// settled the finding and the next tier should have a go.
func (h *Healer) runTier(ctx context.Context, tier string, ruleID string, rb *Runbook, args map[string]string, f drift.Finding, recheck RecheckFunc) (Outcome, bool) {
	base := Outcome{
		Action:            tier,
		RuleID:            ruleID,
		RunbookID:         rb.ID,
		RollbackAvailable: rb.RollbackAvailable,
	}

	if rb.Disruptive {
		if h.disruptiveSuppressed() {
			base.Action = envelope.ActionDeferred
			base.Reason = "clock_unsynced"
			return base, false
		}
		if !h.windows.Allow(h.now()) {
			base.Action = envelope.ActionDeferred
			base.Reason = "outside_maintenance_window"
			return base, false
		}
	}
	if h.dryRun {
		base.Action = envelope.ActionDeferred
		base.Reason = "dry_run"
		base.Detail = map[string]interface{}{"would_run": rb.ID, "args": args}
		return base, false
	}

	if ruleID != "" {
		// Cooldown is keyed by rule; planner attempts have none.
		if r := rbRule(h.engine, ruleID); r != nil {
			defer h.engine.RecordCooldown(r, f.Scope)
		}
	}

	result := h.engine.ExecuteRunbook(ctx, rb, f.Scope, args)
	base.Detail = map[string]interface{}{"execution": result}

	if result.Failed {
		base.Reason = "step_failed:" + result.FailedStep
		if rb.RollbackAvailable && len(result.Steps) > 0 {
			// Undo the partial apply before any other tier touches
			// the target. Only an unrevertable half-change is
			// terminal here.
			steps, err := h.engine.Rollback(ctx, rb, f.Scope, args)
			base.Detail["rollback"] = steps
			if err != nil {
				log.Printf("[healing] rollback of %s on %s failed: %v", rb.ID, f.Scope, err)
				base.Action = envelope.ActionFailed
				return base, false
			}
		}
		return base, true
	}

	post := recheck(ctx)
	if !post.Failed() {
		base.PostState = postStateOK(post)
		return base, false
	}

	base.Reason = "post_check_still_failing"
	base.PostState = post.PreState
	if rb.RollbackAvailable {
		return h.rollback(ctx, base, rb, f.Scope, args), false
	}
	return base, true
}

func (h *Healer) rollback(ctx context.Context, base Outcome, rb *Runbook, scope string, args map[string]string) Outcome {
	steps, err := h.engine.Rollback(ctx, rb, scope, args)
	if base.Detail == nil {
		base.Detail = map[string]interface{}{}
	}
	base.Detail["rollback"] = steps
	if err != nil {
		log.Printf("[healing] rollback of %s on %s failed: %v", rb.ID, scope, err)
		base.Action = envelope.ActionFailed
		return base
	}
	base.Action = envelope.ActionReverted
	return base
}

func (h *Healer) escalate(f drift.Finding, ruleID, runbookID, reason string, detail map[string]interface{}) Outcome {
	h.mu.Lock()
	h.escalated[f.Fingerprint] = h.now()
	h.mu.Unlock()

	log.Printf("[healing] escalating %s/%s: %s", f.CheckType, f.Scope, reason)
	return Outcome{
		Action:    envelope.ActionL3Escalate,
		RuleID:    ruleID,
		RunbookID: runbookID,
		Reason:    reason,
		Detail:    detail,
	}
}

// postStateOK shapes the recheck observation for the evidence bundle.
func postStateOK(post drift.Finding) map[string]interface{} {
	state := map[string]interface{}{"status": "ok"}
	for k, v := range post.PreState {
		if k == "status" {
			continue
		}
		state[k] = v
	}
	return state
}

func rbRule(e *Engine, id string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}
