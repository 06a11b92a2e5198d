package planner

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/osiriscare/fleet/internal/healing"
)

// ErrMalformedDecision covers completions with no parseable decision:
// no JSON object, missing action, or a confidence outside [0,1].
var ErrMalformedDecision = errors.New("malformed planner decision")

// ExtractDecision pulls the decision out of a model completion. Models
// wrap their JSON in prose more often than not, so this takes the
// first balanced object that parses as JSON and ignores everything
// around it. Brace groups that are not JSON (prose placeholders like
// "{unit}") are skipped.
func ExtractDecision(completion string) (*healing.PlanDecision, error) {
	type wireDecision struct {
		Action     string                 `json:"action"`
		RunbookID  string                 `json:"runbook_id"`
		Args       map[string]interface{} `json:"args"`
		Confidence *float64               `json:"confidence"`
		Rationale  string                 `json:"rationale"`
	}

	var wire wireDecision
	offset := 0
	for {
		raw, next, err := nextJSONCandidate(completion, offset)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
		}
		var candidate wireDecision
		if err := json.Unmarshal(raw, &candidate); err != nil {
			offset = next
			continue
		}
		wire = candidate
		break
	}

	if wire.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedDecision)
	}
	if wire.Confidence == nil {
		return nil, fmt.Errorf("%w: missing confidence", ErrMalformedDecision)
	}
	if *wire.Confidence < 0 || *wire.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedDecision, *wire.Confidence)
	}

	d := &healing.PlanDecision{
		Action:     wire.Action,
		RunbookID:  wire.RunbookID,
		Confidence: *wire.Confidence,
		Rationale:  wire.Rationale,
	}
	if len(wire.Args) > 0 {
		d.Args = make(map[string]string, len(wire.Args))
		for k, v := range wire.Args {
			if s, ok := v.(string); ok {
				d.Args[k] = s
			} else {
				d.Args[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	return d, nil
}

// nextJSONCandidate returns the first balanced {...} in s at or after
// from, honoring string literals and escapes so braces inside values
// don't end the object early. The second return is where to resume
// scanning if the candidate turns out not to be JSON.
func nextJSONCandidate(s string, from int) ([]byte, int, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := from; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), start + 1, nil
			}
		}
	}

	if start < 0 {
		return nil, len(s), errors.New("no JSON object in completion")
	}
	return nil, len(s), errors.New("unbalanced JSON object in completion")
}
