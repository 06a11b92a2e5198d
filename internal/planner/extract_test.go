package planner

import (
	"errors"
	"testing"
)

func TestExtractDecisionCleanJSON(t *testing.T) {
	d, err := ExtractDecision(`{"action":"execute_runbook","runbook_id":"RB-LIN-SVC-001","args":{"unit":"nginx.service"},"confidence":0.85,"rationale":"unit crashed"}`)
	if err != nil {
		t.Fatalf("ExtractDecision: %v", err)
	}
	if d.Action != "execute_runbook" || d.RunbookID != "RB-LIN-SVC-001" {
		t.Fatalf("decision = %+v", d)
	}
	if d.Confidence != 0.85 {
		t.Fatalf("confidence = %v", d.Confidence)
	}
	if d.Args["unit"] != "nginx.service" {
		t.Fatalf("args = %v", d.Args)
	}
}

func TestExtractDecisionSurroundedByProse(t *testing.T) {
	completion := `Looking at the failing unit, a restart is the safest move.

{"action": "execute_runbook", "runbook_id": "RB-LIN-SVC-001", "confidence": 0.9, "rationale": "crash loop"}

Let me know if you need anything else.`

	d, err := ExtractDecision(completion)
	if err != nil {
		t.Fatalf("ExtractDecision: %v", err)
	}
	if d.RunbookID != "RB-LIN-SVC-001" || d.Confidence != 0.9 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestExtractDecisionBracesInsideStrings(t *testing.T) {
	completion := `{"action":"execute_runbook","runbook_id":"RB-LIN-SVC-001","confidence":0.7,"rationale":"render {unit} then restart; escaped quote: \" and brace }"}`

	d, err := ExtractDecision(completion)
	if err != nil {
		t.Fatalf("ExtractDecision: %v", err)
	}
	if d.Confidence != 0.7 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestExtractDecisionNestedArgs(t *testing.T) {
	d, err := ExtractDecision(`{"action":"execute_runbook","runbook_id":"RB-BACKUP-001","args":{"retries":3},"confidence":0.8,"rationale":"x"}`)
	if err != nil {
		t.Fatalf("ExtractDecision: %v", err)
	}
	if d.Args["retries"] != "3" {
		t.Fatalf("numeric arg not stringified: %v", d.Args)
	}
}

func TestExtractDecisionMalformed(t *testing.T) {
	tests := []struct {
		name       string
		completion string
	}{
		{"no json", "I cannot determine a safe action here."},
		{"unbalanced", `{"action":"execute_runbook","confidence":0.8`},
		{"missing action", `{"runbook_id":"RB-X","confidence":0.8,"rationale":"x"}`},
		{"missing confidence", `{"action":"execute_runbook","runbook_id":"RB-X","rationale":"x"}`},
		{"confidence above one", `{"action":"execute_runbook","confidence":1.5,"rationale":"x"}`},
		{"confidence negative", `{"action":"execute_runbook","confidence":-0.1,"rationale":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ExtractDecision(tt.completion); !errors.Is(err, ErrMalformedDecision) {
				t.Fatalf("err = %v, want ErrMalformedDecision", err)
			}
		})
	}
}

func TestExtractDecisionConfidenceBoundaries(t *testing.T) {
	for _, c := range []string{"0", "1"} {
		if _, err := ExtractDecision(`{"action":"escalate","confidence":` + c + `,"rationale":"x"}`); err != nil {
			t.Errorf("confidence %s rejected: %v", c, err)
		}
	}
}

func TestExtractDecisionSkipsProsePlaceholders(t *testing.T) {
	completion := `Substituting {unit} into the restart template gives this plan:
{"action":"execute_runbook","runbook_id":"RB-LIN-SVC-001","confidence":0.8,"rationale":"restart"}`

	d, err := ExtractDecision(completion)
	if err != nil {
		t.Fatalf("ExtractDecision: %v", err)
	}
	if d.RunbookID != "RB-LIN-SVC-001" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestExtractDecisionTakesFirstObject(t *testing.T) {
	completion := `{"action":"escalate","confidence":0.2,"rationale":"first"} {"action":"execute_runbook","confidence":0.99,"rationale":"second"}`

	d, err := ExtractDecision(completion)
	if err != nil {
		t.Fatalf("ExtractDecision: %v", err)
	}
	if d.Rationale != "first" {
		t.Fatalf("picked the wrong object: %+v", d)
	}
}
