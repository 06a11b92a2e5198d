package envelope

import (
	"encoding/json"
	"fmt"
)

// OrderSigningBytes returns the canonical bytes an order's issuer_sig
// covers. Both sides build the payload through this function so the
// signature never depends on field order or wire formatting.
func OrderSigningBytes(orderID, siteID, applianceID, runbookID string, args map[string]string, issuedAt string, ttlSeconds int) ([]byte, error) {
	if args == nil {
		args = map[string]string{}
	}
	payload := map[string]any{
		"order_id":     orderID,
		"site_id":      siteID,
		"appliance_id": applianceID,
		"runbook_id":   runbookID,
		"args":         args,
		"issued_at":    issuedAt,
		"ttl_seconds":  ttlSeconds,
	}
	b, err := CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize order: %w", err)
	}
	return b, nil
}

// RulesSigningBytes returns the canonical bytes a rules snapshot's
// signature covers: the version plus the decoded rule list.
func RulesSigningBytes(version int, rules json.RawMessage) ([]byte, error) {
	var decoded any
	if len(rules) == 0 {
		decoded = []any{}
	} else if err := json.Unmarshal(rules, &decoded); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	payload := map[string]any{
		"version": version,
		"rules":   decoded,
	}
	b, err := CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize rules: %w", err)
	}
	return b, nil
}
