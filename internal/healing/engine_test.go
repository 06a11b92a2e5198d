package healing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/osiriscare/fleet/internal/drift"
)

// fakeStepRunner records every rendered step and fails the ones named
// in failOn.
type fakeStepRunner struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]error
	outputs map[string]string
}

func newFakeStepRunner() *fakeStepRunner {
	return &fakeStepRunner{failOn: make(map[string]error), outputs: make(map[string]string)}
}

func (r *fakeStepRunner) RunStep(_ context.Context, platform, scope string, step Step) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := step.Command
	if step.Type == StepServiceRestart {
		target = step.Unit
	}
	r.calls = append(r.calls, fmt.Sprintf("%s|%s|%s|%s", platform, scope, step.Name, target))
	if err, ok := r.failOn[step.Name]; ok {
		return "", err
	}
	if out, ok := r.outputs[step.Name]; ok {
		return out, nil
	}
	return "ok", nil
}

func (r *fakeStepRunner) callNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, c := range r.calls {
		parts := strings.Split(c, "|")
		names = append(names, parts[2])
	}
	return names
}

func failingFinding(checkType, scope string, severity drift.Severity) drift.Finding {
	return drift.Finding{
		CheckType:   checkType,
		Scope:       scope,
		Status:      drift.StatusDrift,
		Severity:    severity,
		Fingerprint: drift.Fingerprint(checkType, scope),
		PreState:    map[string]interface{}{"status": "drift"},
	}
}

func newTestEngine(runner StepRunner) *Engine {
	return NewEngine("", NewCatalogue(), runner)
}

func TestMatchFirewallRemoteHost(t *testing.T) {
	e := newTestEngine(newFakeStepRunner())

	f := failingFinding("firewall_baseline", "dc01.clinic.lan", drift.SeverityFail)
	m := e.Match(f)
	if m == nil {
		t.Fatal("expected a match for remote firewall drift")
	}
	if m.Rule.ID != "L1-FW-001" {
		t.Fatalf("rule = %s, want L1-FW-001", m.Rule.ID)
	}
	if m.Runbook.ID != "RB-WIN-SEC-001" {
		t.Fatalf("runbook = %s, want RB-WIN-SEC-001", m.Runbook.ID)
	}
}

func TestMatchFirewallLocal(t *testing.T) {
	e := newTestEngine(newFakeStepRunner())

	m := e.Match(failingFinding("firewall_baseline", "local", drift.SeverityFail))
	if m == nil {
		t.Fatal("expected a match for local firewall drift")
	}
	if m.Rule.ID != "L1-FW-002" || m.Runbook.ID != "RB-LIN-FW-001" {
		t.Fatalf("got %s/%s, want L1-FW-002/RB-LIN-FW-001", m.Rule.ID, m.Runbook.ID)
	}
}

func TestMatchRendersRuleArgs(t *testing.T) {
	e := newTestEngine(newFakeStepRunner())

	m := e.Match(failingFinding("service_health", "postgresql.service", drift.SeverityFail))
	if m == nil {
		t.Fatal("expected service rule match")
	}
	if m.Rule.ID != "L1-SVC-001" {
		t.Fatalf("rule = %s", m.Rule.ID)
	}
	if m.Args["unit"] != "postgresql.service" {
		t.Fatalf("args[unit] = %q, want the failing unit", m.Args["unit"])
	}
}

func TestMatchEscalateRule(t *testing.T) {
	e := newTestEngine(newFakeStepRunner())

	m := e.Match(failingFinding("disk_encryption", "local", drift.SeverityFail))
	if m == nil {
		t.Fatal("expected encryption rule match")
	}
	if !m.Rule.Escalate {
		t.Fatal("encryption rule should escalate")
	}
	if m.Runbook != nil {
		t.Fatal("escalation match should carry no runbook")
	}
}

func TestMatchIgnoresHealthyFindings(t *testing.T) {
	e := newTestEngine(newFakeStepRunner())

	f := drift.Finding{
		CheckType: "firewall_baseline",
		Scope:     "local",
		Status:    drift.StatusOK,
		Severity:  drift.SeverityInfo,
	}
	if m := e.Match(f); m != nil {
		t.Fatalf("healthy finding matched rule %s", m.Rule.ID)
	}
}

func TestMatchCooldownBlocks(t *testing.T) {
	e := newTestEngine(newFakeStepRunner())
	f := failingFinding("firewall_baseline", "dc01.clinic.lan", drift.SeverityFail)

	m := e.Match(f)
	if m == nil {
		t.Fatal("expected first match")
	}
	e.RecordCooldown(m.Rule, f.Scope)

	if m2 := e.Match(f); m2 != nil {
		t.Fatalf("expected cooldown to block, got %s", m2.Rule.ID)
	}

	// A different scope is unaffected.
	other := failingFinding("firewall_baseline", "dc02.clinic.lan", drift.SeverityFail)
	if m3 := e.Match(other); m3 == nil {
		t.Fatal("cooldown leaked to another scope")
	}
}

func TestApplyRulesPrecedenceAndVersion(t *testing.T) {
	e := newTestEngine(newFakeStepRunner())

	synced := []*Rule{{
		ID:   "SYNC-FW-01",
		Name: "Learned firewall response",
		Conditions: []RuleCondition{
			{Field: "check_type", Operator: OpEquals, Value: "firewall_baseline"},
			{Field: "status", Operator: OpEquals, Value: "drift"},
		},
		RunbookID: "RB-WIN-SEC-001",
		Enabled:   true,
	}}
	e.ApplyRules(3, synced)

	if v := e.RulesVersion(); v != 3 {
		t.Fatalf("rules version = %d, want 3", v)
	}

	m := e.Match(failingFinding("firewall_baseline", "dc01.clinic.lan", drift.SeverityFail))
	if m == nil || m.Rule.ID != "SYNC-FW-01" {
		t.Fatalf("expected synced rule to win, got %v", m)
	}
	if m.Rule.Priority != defaultSyncedPriority {
		t.Fatalf("synced priority = %d, want %d", m.Rule.Priority, defaultSyncedPriority)
	}

	// A newer snapshot replaces the previous synced set wholesale.
	e.ApplyRules(4, nil)
	m2 := e.Match(failingFinding("firewall_baseline", "dc01.clinic.lan", drift.SeverityFail))
	if m2 == nil || m2.Rule.ID != "L1-FW-001" {
		t.Fatalf("expected builtin after empty snapshot, got %v", m2)
	}
}

func TestExecuteRunbookRendersSteps(t *testing.T) {
	runner := newFakeStepRunner()
	e := newTestEngine(runner)

	rb, _ := e.catalogue.Get("RB-LIN-SVC-001")
	result := e.ExecuteRunbook(context.Background(), rb, "local", map[string]string{"unit": "nginx.service"})
	if result.Failed {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("ran %d steps, want 2", len(result.Steps))
	}

	found := false
	for _, c := range runner.calls {
		if strings.Contains(c, "nginx.service") {
			found = true
		}
		if strings.Contains(c, "{{unit}}") {
			t.Fatalf("unrendered arg reached the runner: %s", c)
		}
	}
	if !found {
		t.Fatalf("unit name never reached the runner: %v", runner.calls)
	}
}

func TestExecuteRunbookStopsAtFailedStep(t *testing.T) {
	runner := newFakeStepRunner()
	runner.failOn["restart unit"] = fmt.Errorf("unit not found")
	e := newTestEngine(runner)

	rb, _ := e.catalogue.Get("RB-LIN-SVC-001")
	result := e.ExecuteRunbook(context.Background(), rb, "local", map[string]string{"unit": "ghost.service"})
	if !result.Failed {
		t.Fatal("expected failure")
	}
	if result.FailedStep != "restart unit" {
		t.Fatalf("failed step = %q", result.FailedStep)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("steps after failure should not run, got %d", len(result.Steps))
	}
}

func TestExecuteRunbookCaptureFailureAborts(t *testing.T) {
	runner := newFakeStepRunner()
	runner.failOn["snapshot ruleset"] = fmt.Errorf("disk full")
	e := newTestEngine(runner)

	rb, _ := e.catalogue.Get("RB-LIN-FW-001")
	result := e.ExecuteRunbook(context.Background(), rb, "local", nil)
	if !result.Failed {
		t.Fatal("expected failure when the restore point cannot be captured")
	}
	if len(result.Steps) != 0 {
		t.Fatalf("remediation ran without a restore point: %+v", result.Steps)
	}
}

func TestRollbackRunsRollbackSteps(t *testing.T) {
	runner := newFakeStepRunner()
	e := newTestEngine(runner)

	rb, _ := e.catalogue.Get("RB-LIN-FW-001")
	steps, err := e.Rollback(context.Background(), rb, "local", nil)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(steps) != 1 || steps[0].Name != "restore snapshot" {
		t.Fatalf("rollback steps = %+v", steps)
	}
}

func TestCatalogueApplyRespectsVersions(t *testing.T) {
	cat := NewCatalogue()
	orig, _ := cat.Get("RB-LIN-SVC-001")

	// Older definition is ignored.
	cat.Apply([]*Runbook{{ID: "RB-LIN-SVC-001", Version: 0, Name: "stale"}})
	if rb, _ := cat.Get("RB-LIN-SVC-001"); rb.Name != orig.Name {
		t.Fatal("older runbook replaced a newer one")
	}

	// Newer definition wins.
	cat.Apply([]*Runbook{{ID: "RB-LIN-SVC-001", Version: 2, Name: "updated restart"}})
	if rb, _ := cat.Get("RB-LIN-SVC-001"); rb.Name != "updated restart" {
		t.Fatal("newer runbook was not applied")
	}
}
