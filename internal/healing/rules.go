package healing

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatchOperator is a comparison applied by a rule condition.
type MatchOperator string

const (
	OpEquals      MatchOperator = "eq"
	OpNotEquals   MatchOperator = "ne"
	OpContains    MatchOperator = "contains"
	OpRegex       MatchOperator = "regex"
	OpGreaterThan MatchOperator = "gt"
	OpLessThan    MatchOperator = "lt"
	OpIn          MatchOperator = "in"
	OpNotIn       MatchOperator = "not_in"
	OpExists      MatchOperator = "exists"
)

// Rule sources, in precedence order. Synced rules come from the control
// plane and win over anything shipped with or dropped onto the appliance.
const (
	SourceSynced  = "synced"
	SourceCustom  = "custom"
	SourceBuiltin = "builtin"
)

const defaultSyncedPriority = 5

// RuleCondition is a single field comparison. All conditions on a rule
// must hold for the rule to match.
type RuleCondition struct {
	Field    string        `json:"field" yaml:"field"`
	Operator MatchOperator `json:"operator" yaml:"operator"`
	Value    interface{}   `json:"value" yaml:"value"`
}

// Matches evaluates the condition against finding data. Fields use dot
// notation to reach nested maps (e.g. "pre_state.actual_hash").
func (c *RuleCondition) Matches(data map[string]interface{}) bool {
	value := getFieldValue(data, c.Field)

	if c.Operator == OpExists {
		want, _ := c.Value.(bool)
		return (value != nil) == want
	}

	if value == nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(value, c.Value)
	case OpNotEquals:
		return !valuesEqual(value, c.Value)
	case OpContains:
		s, ok1 := value.(string)
		sub, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	case OpRegex:
		s, ok1 := value.(string)
		pattern, ok2 := c.Value.(string)
		if !ok1 || !ok2 {
			return false
		}
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	case OpGreaterThan:
		a, ok1 := toFloat(value)
		b, ok2 := toFloat(c.Value)
		return ok1 && ok2 && a > b
	case OpLessThan:
		a, ok1 := toFloat(value)
		b, ok2 := toFloat(c.Value)
		return ok1 && ok2 && a < b
	case OpIn:
		return valueIn(value, c.Value)
	case OpNotIn:
		return !valueIn(value, c.Value)
	}
	return false
}

// Rule maps drift findings to a runbook. Rules are evaluated in
// precedence order: synced rules first, then ascending priority, then
// rule ID so evaluation order is stable across restarts.
type Rule struct {
	ID              string            `json:"id" yaml:"id"`
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions      []RuleCondition   `json:"conditions" yaml:"conditions"`
	RunbookID       string            `json:"runbook_id,omitempty" yaml:"runbook_id,omitempty"`
	Args            map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
	Escalate        bool              `json:"escalate,omitempty" yaml:"escalate,omitempty"`
	HIPAAControls   []string          `json:"hipaa_controls,omitempty" yaml:"hipaa_controls,omitempty"`
	SeverityFilter  []string          `json:"severity_filter,omitempty" yaml:"severity_filter,omitempty"`
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	Priority        int               `json:"priority" yaml:"priority"`
	CooldownSeconds int               `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds,omitempty"`
	Source          string            `json:"source,omitempty" yaml:"source,omitempty"`
}

// Matches reports whether the rule applies to a finding.
func (r *Rule) Matches(severity string, data map[string]interface{}) bool {
	if !r.Enabled {
		return false
	}
	if len(r.SeverityFilter) > 0 {
		ok := false
		for _, s := range r.SeverityFilter {
			if s == severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for i := range r.Conditions {
		if !r.Conditions[i].Matches(data) {
			return false
		}
	}
	return true
}

func sourceRank(source string) int {
	switch source {
	case SourceSynced:
		return 0
	case SourceCustom:
		return 1
	default:
		return 2
	}
}

// sortRules orders rules by evaluation precedence.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		ri, rj := rules[i], rules[j]
		if a, b := sourceRank(ri.Source), sourceRank(rj.Source); a != b {
			return a < b
		}
		if ri.Priority != rj.Priority {
			return ri.Priority < rj.Priority
		}
		return ri.ID < rj.ID
	})
}

// loadRulesDir reads operator-dropped rule files from dir. Each .yaml
// or .yml file holds either a single rule or a "rules" list. Files are
// read in name order so load failures are reproducible.
func loadRulesDir(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []*Rule
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var multi struct {
			Rules []*Rule `yaml:"rules"`
		}
		if err := yaml.Unmarshal(data, &multi); err == nil && len(multi.Rules) > 0 {
			rules = append(rules, multi.Rules...)
			continue
		}

		var single Rule
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if single.ID == "" {
			continue
		}
		rules = append(rules, &single)
	}

	for _, r := range rules {
		r.Source = SourceCustom
		if r.Priority == 0 {
			r.Priority = defaultSyncedPriority
		}
	}
	return rules, nil
}

// getFieldValue resolves a dot-notation path against nested maps.
func getFieldValue(data map[string]interface{}, field string) interface{} {
	parts := strings.Split(field, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func valueIn(value, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		if strs, ok := list.([]string); ok {
			for _, s := range strs {
				if valuesEqual(value, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if valuesEqual(value, item) {
			return true
		}
	}
	return false
}
