// Package phi detects and redacts protected health information in
// free-form text and nested JSON-ish data. The appliance scrubs
// planner payloads before they leave the device; the control plane
// runs the same patterns over inbound evidence and rejects bundles
// that still carry matches.
//
// IP addresses are deliberately not treated as PHI. They are
// infrastructure identifiers under the Safe Harbor rule and the
// planner needs them to reason about network topology.
package phi

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

type pattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

var patterns = compile([]struct {
	category, expr, tag string
}{
	{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},
	{"mrn", `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},
	{"patient_id", `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},
	{"phone", `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},
	{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},
	{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},
	{"dob", `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},
	{"address", `\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`, "ADDRESS-REDACTED"},
	{"zip", `\b\d{5}-\d{4}\b`, "ZIP-REDACTED"},
	{"account_number", `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},
	{"insurance_id", `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},
	{"medicare", `(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`, "MEDICARE-REDACTED"},
})

func compile(defs []struct{ category, expr, tag string }) []pattern {
	out := make([]pattern, 0, len(defs))
	for _, d := range defs {
		out = append(out, pattern{category: d.category, re: regexp.MustCompile(d.expr), tag: d.tag})
	}
	return out
}

// hashSuffix gives redactions a stable correlation handle without
// revealing the original value.
func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// ScrubString replaces every match with a tagged placeholder like
// [SSN-REDACTED-a1b2c3d4].
func ScrubString(input string) string {
	result := input
	for _, p := range patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// ScrubMap returns a deep copy with every string value scrubbed.
func ScrubMap(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return ScrubString(val)
	case map[string]interface{}:
		return ScrubMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return v
	}
}

// Contains reports whether the input matches any deny-list pattern.
func Contains(input string) bool {
	for _, p := range patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// Report lists the categories found in the input, in pattern order.
func Report(input string) []string {
	var found []string
	for _, p := range patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}

// FindCategories walks nested data and collects every category that
// matches any string value. The ledger uses this to name what it is
// rejecting without echoing the value back.
func FindCategories(data map[string]interface{}) []string {
	seen := make(map[string]bool)
	walkStrings(data, func(s string) {
		for _, c := range Report(s) {
			seen[c] = true
		}
	})
	var out []string
	for _, p := range patterns {
		if seen[p.category] {
			out = append(out, p.category)
		}
	}
	return out
}

func walkStrings(v interface{}, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]interface{}:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []interface{}:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}
