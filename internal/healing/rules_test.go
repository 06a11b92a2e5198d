package healing

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name     string
		cond     RuleCondition
		data     map[string]interface{}
		expected bool
	}{
		{
			name:     "equals string",
			cond:     RuleCondition{Field: "check_type", Operator: OpEquals, Value: "service_health"},
			data:     map[string]interface{}{"check_type": "service_health"},
			expected: true,
		},
		{
			name:     "not equals",
			cond:     RuleCondition{Field: "scope", Operator: OpNotEquals, Value: "local"},
			data:     map[string]interface{}{"scope": "dc01.clinic.lan"},
			expected: true,
		},
		{
			name:     "contains",
			cond:     RuleCondition{Field: "msg", Operator: OpContains, Value: "timeout"},
			data:     map[string]interface{}{"msg": "read timeout after 30s"},
			expected: true,
		},
		{
			name:     "regex",
			cond:     RuleCondition{Field: "unit", Operator: OpRegex, Value: `^postgres.*\.service$`},
			data:     map[string]interface{}{"unit": "postgresql.service"},
			expected: true,
		},
		{
			name:     "greater than",
			cond:     RuleCondition{Field: "pre_state.skew_ms", Operator: OpGreaterThan, Value: float64(500)},
			data:     map[string]interface{}{"pre_state": map[string]interface{}{"skew_ms": float64(900)}},
			expected: true,
		},
		{
			name:     "less than",
			cond:     RuleCondition{Field: "count", Operator: OpLessThan, Value: float64(10)},
			data:     map[string]interface{}{"count": float64(3)},
			expected: true,
		},
		{
			name:     "int and float compare equal",
			cond:     RuleCondition{Field: "count", Operator: OpEquals, Value: 5},
			data:     map[string]interface{}{"count": float64(5)},
			expected: true,
		},
		{
			name:     "in list",
			cond:     RuleCondition{Field: "status", Operator: OpIn, Value: []interface{}{"drift", "error"}},
			data:     map[string]interface{}{"status": "drift"},
			expected: true,
		},
		{
			name:     "not in list",
			cond:     RuleCondition{Field: "status", Operator: OpNotIn, Value: []interface{}{"ok", "skipped"}},
			data:     map[string]interface{}{"status": "drift"},
			expected: true,
		},
		{
			name:     "exists true",
			cond:     RuleCondition{Field: "pre_state.actual_hash", Operator: OpExists, Value: true},
			data:     map[string]interface{}{"pre_state": map[string]interface{}{"actual_hash": "ab"}},
			expected: true,
		},
		{
			name:     "exists false on missing",
			cond:     RuleCondition{Field: "pre_state.missing", Operator: OpExists, Value: false},
			data:     map[string]interface{}{"pre_state": map[string]interface{}{}},
			expected: true,
		},
		{
			name:     "missing field fails eq",
			cond:     RuleCondition{Field: "nope", Operator: OpEquals, Value: "x"},
			data:     map[string]interface{}{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Matches(tt.data); got != tt.expected {
				t.Errorf("Matches() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSeverityFilter(t *testing.T) {
	rule := &Rule{
		ID:      "TEST-SEV",
		Enabled: true,
		Conditions: []RuleCondition{
			{Field: "check_type", Operator: OpEquals, Value: "service_health"},
		},
		SeverityFilter: []string{"fail"},
	}

	data := map[string]interface{}{"check_type": "service_health"}
	if !rule.Matches("fail", data) {
		t.Error("expected match for fail severity")
	}
	if rule.Matches("warn", data) {
		t.Error("expected no match for warn severity")
	}
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	rule := &Rule{
		ID:      "TEST-OFF",
		Enabled: false,
		Conditions: []RuleCondition{
			{Field: "check_type", Operator: OpEquals, Value: "service_health"},
		},
	}
	if rule.Matches("fail", map[string]interface{}{"check_type": "service_health"}) {
		t.Error("disabled rule matched")
	}
}

func TestSortRulesPrecedence(t *testing.T) {
	rules := []*Rule{
		{ID: "B-10", Source: SourceBuiltin, Priority: 10},
		{ID: "S-07", Source: SourceSynced, Priority: 7},
		{ID: "B-05", Source: SourceBuiltin, Priority: 5},
		{ID: "S-05-B", Source: SourceSynced, Priority: 5},
		{ID: "S-05-A", Source: SourceSynced, Priority: 5},
		{ID: "C-03", Source: SourceCustom, Priority: 3},
	}
	sortRules(rules)

	want := []string{"S-05-A", "S-05-B", "S-07", "C-03", "B-05", "B-10"}
	for i, id := range want {
		if rules[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (full order: %v)", i, rules[i].ID, id, ruleIDs(rules))
		}
	}
}

func ruleIDs(rules []*Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}

func TestBuiltinRulesResolve(t *testing.T) {
	cat := NewCatalogue()
	for _, r := range builtinRules() {
		if !r.Enabled {
			t.Errorf("builtin %s is disabled", r.ID)
		}
		if r.Priority != builtinPriority {
			t.Errorf("builtin %s priority = %d, want %d", r.ID, r.Priority, builtinPriority)
		}
		if r.Escalate {
			continue
		}
		if _, ok := cat.Get(r.RunbookID); !ok {
			t.Errorf("builtin %s names unknown runbook %s", r.ID, r.RunbookID)
		}
	}
}

func TestLoadRulesDir(t *testing.T) {
	dir := t.TempDir()

	single := map[string]interface{}{
		"id":   "CUSTOM-001",
		"name": "Custom single",
		"conditions": []interface{}{
			map[string]interface{}{"field": "check_type", "operator": "eq", "value": "backup_status"},
		},
		"runbook_id": "RB-BACKUP-001",
		"enabled":    true,
		"priority":   3,
	}
	data, _ := yaml.Marshal(single)
	os.WriteFile(filepath.Join(dir, "single.yaml"), data, 0o644)

	multi := map[string]interface{}{
		"rules": []interface{}{
			map[string]interface{}{
				"id":   "CUSTOM-002",
				"name": "Custom multi a",
				"conditions": []interface{}{
					map[string]interface{}{"field": "check_type", "operator": "eq", "value": "time_sync"},
				},
				"runbook_id": "RB-TIME-SYNC-001",
				"enabled":    true,
				"priority":   4,
			},
			map[string]interface{}{
				"id":   "CUSTOM-003",
				"name": "Custom multi b",
				"conditions": []interface{}{
					map[string]interface{}{"field": "check_type", "operator": "eq", "value": "log_continuity"},
				},
				"runbook_id": "RB-LOG-SHIP-001",
				"enabled":    true,
				"priority":   4,
			},
		},
	}
	data, _ = yaml.Marshal(multi)
	os.WriteFile(filepath.Join(dir, "multi.yaml"), data, 0o644)

	rules, err := loadRulesDir(dir)
	if err != nil {
		t.Fatalf("loadRulesDir: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("loaded %d rules, want 3", len(rules))
	}
	for _, r := range rules {
		if r.Source != SourceCustom {
			t.Errorf("rule %s source = %q, want custom", r.ID, r.Source)
		}
	}
}

func TestLoadRulesDirMissing(t *testing.T) {
	rules, err := loadRulesDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if rules != nil {
		t.Fatalf("expected no rules, got %d", len(rules))
	}
}
