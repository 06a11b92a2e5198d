package phi

import (
	"strings"
	"testing"
)

func TestScrubCategories(t *testing.T) {
	tests := []struct {
		name  string
		input string
		gone  string
		tag   string
	}{
		{"ssn dashes", "SSN is 123-45-6789", "123-45-6789", "[SSN-REDACTED-"},
		{"ssn spaces", "Patient SSN: 999 88 7777", "999 88 7777", "[SSN-REDACTED-"},
		{"mrn", "MRN: 12345678", "12345678", "[MRN-REDACTED-"},
		{"phone parens", "Call (555) 123-4567", "123-4567", "[PHONE-REDACTED-"},
		{"phone dots", "Cell 555.123.4567", "555.123.4567", "[PHONE-REDACTED-"},
		{"email", "Contact admin@hospital.com now", "admin@hospital.com", "[EMAIL-REDACTED-"},
		{"credit card", "Card: 4111-1111-1111-1111", "4111-1111-1111-1111", "[CC-REDACTED-"},
		{"dob", "DOB: 01/15/1990", "01/15/1990", "[DOB-REDACTED-"},
		{"address", "Lives at 123 Main Street", "123 Main Street", "[ADDRESS-REDACTED-"},
		{"zip plus four", "ZIP: 18501-1234", "18501-1234", "[ZIP-REDACTED-"},
		{"account", "Account #123456789", "123456789", "[ACCOUNT-REDACTED-"},
		{"insurance", "Insurance ID: XYZ-123-456", "XYZ-123-456", "[INSURANCE-REDACTED-"},
		{"medicare", "Medicare: 1EG4-TE5-MK72", "1EG4-TE5-MK72", "[MEDICARE-REDACTED-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ScrubString(tt.input)
			if strings.Contains(result, tt.gone) {
				t.Errorf("value survived scrubbing: %q → %q", tt.input, result)
			}
			if !strings.Contains(result, tt.tag) {
				t.Errorf("missing %s tag in %q", tt.tag, result)
			}
		})
	}
}

func TestIPAddressesPreserved(t *testing.T) {
	input := "Server at 192.168.1.100 has SSN 123-45-6789 and peer 10.0.0.1"
	result := ScrubString(input)

	if !strings.Contains(result, "192.168.1.100") || !strings.Contains(result, "10.0.0.1") {
		t.Errorf("IPs were scrubbed: %q", result)
	}
	if strings.Contains(result, "123-45-6789") {
		t.Error("SSN survived alongside IPs")
	}
}

func TestScrubMap(t *testing.T) {
	data := map[string]interface{}{
		"hostname":  "DC01",
		"ip":        "192.168.88.100",
		"user_info": "Patient John, SSN 123-45-6789",
		"nested": map[string]interface{}{
			"email": "patient@hospital.com",
			"count": 42,
		},
		"list": []interface{}{"Call (555) 123-4567", 99},
	}

	scrubbed := ScrubMap(data)

	if scrubbed["hostname"] != "DC01" || scrubbed["ip"] != "192.168.88.100" {
		t.Error("infrastructure identifiers were modified")
	}
	if strings.Contains(scrubbed["user_info"].(string), "123-45-6789") {
		t.Error("SSN not scrubbed in map")
	}
	nested := scrubbed["nested"].(map[string]interface{})
	if strings.Contains(nested["email"].(string), "hospital.com") {
		t.Error("nested email not scrubbed")
	}
	if nested["count"] != 42 {
		t.Error("non-string value modified")
	}
	list := scrubbed["list"].([]interface{})
	if !strings.Contains(list[0].(string), "[PHONE-REDACTED-") {
		t.Error("phone in list not scrubbed")
	}

	if data["user_info"] != "Patient John, SSN 123-45-6789" {
		t.Error("original map was mutated")
	}
}

func TestScrubDeterministic(t *testing.T) {
	a := ScrubString("SSN 123-45-6789")
	b := ScrubString("SSN 123-45-6789")
	if a != b {
		t.Errorf("non-deterministic: %q vs %q", a, b)
	}
	c := ScrubString("SSN 999-88-7777")
	if a == c {
		t.Error("different values produced identical redactions")
	}
}

func TestContains(t *testing.T) {
	if !Contains("SSN 123-45-6789") {
		t.Error("missed SSN")
	}
	if Contains("Server 192.168.1.1 is healthy") {
		t.Error("IP flagged as PHI")
	}
	if Contains("firewall_baseline drift on dc01") {
		t.Error("plain infra text flagged")
	}
}

func TestFindCategories(t *testing.T) {
	data := map[string]interface{}{
		"note": "SSN 123-45-6789",
		"deep": map[string]interface{}{
			"contact": []interface{}{"patient@hospital.com"},
		},
		"clean": "ActiveState=active",
	}

	cats := FindCategories(data)
	want := map[string]bool{"ssn": false, "email": false}
	for _, c := range cats {
		if _, ok := want[c]; ok {
			want[c] = true
		}
	}
	for cat, seen := range want {
		if !seen {
			t.Errorf("category %s not found (got %v)", cat, cats)
		}
	}

	if got := FindCategories(map[string]interface{}{"status": "ok"}); len(got) != 0 {
		t.Errorf("clean data reported categories: %v", got)
	}
}

func TestNoFalsePositivesOnInfraData(t *testing.T) {
	inputs := []string{
		"firewall_baseline drift detected on dc01",
		"Service wuauserv is stopped",
		"Port 5985 open on DC01",
		"generation switch completed in 45s",
		"HIPAA control 164.312(a)(1)",
		"ActiveState=active SubState=running",
	}

	for _, input := range inputs {
		if result := ScrubString(input); result != input {
			t.Errorf("false positive: %q → %q", input, result)
		}
	}
}
