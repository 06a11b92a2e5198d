// Package incidents projects the evidence stream into incident
// lifecycles and learned patterns, and turns proven patterns into
// distributable L1 rules.
package incidents

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/fleet/internal/drift"
	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/events"
	"github.com/osiriscare/fleet/internal/store"
)

// Learned rules sit above built-ins (priority 10) so a promoted
// pattern wins ties.
const promotedRulePriority = 5

var (
	// ErrUnknownPattern means the pattern id does not exist.
	ErrUnknownPattern = errors.New("unknown pattern")
	// ErrNotCandidate refuses promotion of a pattern that is not
	// pending or has not cleared both thresholds.
	ErrNotCandidate = errors.New("pattern is not a promotion candidate")
)

// Service maintains incidents and patterns from accepted bundles and
// pattern reports.
type Service struct {
	st             *store.Store
	log            *slog.Logger
	pub            events.Publisher
	minOccurrences int
	minSuccessRate float64
	autopromote    bool
}

// New builds the incident/pattern service.
func New(st *store.Store, logger *slog.Logger, pub events.Publisher, minOccurrences int, minSuccessRate float64, autopromote bool) *Service {
	return &Service{
		st:             st,
		log:            logger,
		pub:            pub,
		minOccurrences: minOccurrences,
		minSuccessRate: minSuccessRate,
		autopromote:    autopromote,
	}
}

// PatternID derives the stable id for one (incident_type, runbook)
// pairing.
func PatternID(incidentType, runbookID string) string {
	sum := md5.Sum([]byte(incidentType + ":" + runbookID))
	return hex.EncodeToString(sum[:])
}

var opensIncident = map[string]bool{
	envelope.ActionL3Escalate: true,
	envelope.ActionFailed:     true,
	envelope.ActionReverted:   true,
	envelope.ActionDeferred:   true,
}

var resolvesIncident = map[string]bool{
	envelope.ActionNone: true,
	envelope.ActionL1:   true,
	envelope.ActionL2:   true,
}

// ApplyBundle projects one accepted bundle into the incident table.
// Deferred bundles open incidents quietly: the drift is tracked but
// policy-gated healing makes no operator noise until it escalates.
func (s *Service) ApplyBundle(ctx context.Context, b *envelope.Bundle) error {
	scope := stringField(b.PreState, "scope")
	if scope == "" {
		scope = "local"
	}
	fingerprint := drift.Fingerprint(b.CheckType, scope)

	createdAt, err := time.Parse(time.RFC3339, b.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	switch {
	case opensIncident[b.ActionTaken]:
		inc := &store.Incident{
			IncidentID:   uuid.NewString(),
			SiteID:       b.SiteID,
			ApplianceID:  b.ApplianceID,
			Fingerprint:  fingerprint,
			CheckType:    b.CheckType,
			Scope:        scope,
			Severity:     stringField(b.PreState, "severity"),
			OpenedAction: b.ActionTaken,
			OpenedBundle: b.BundleID,
			OpenedAt:     createdAt,
		}
		created, err := s.st.OpenIncident(ctx, inc)
		if err != nil {
			return fmt.Errorf("open incident: %w", err)
		}
		if created && b.ActionTaken != envelope.ActionDeferred {
			s.pub.Publish(ctx, events.Event{
				Type:   events.TypeIncidentOpened,
				SiteID: b.SiteID,
				IDs:    []string{inc.IncidentID},
			})
			s.log.Info("incident opened", "incident_id", inc.IncidentID,
				"site_id", b.SiteID, "check_type", b.CheckType, "action", b.ActionTaken)
		}

	case resolvesIncident[b.ActionTaken] && stringField(b.PostState, "status") == "ok":
		resolved, err := s.st.ResolveIncident(ctx, b.ApplianceID, fingerprint, b.BundleID, createdAt)
		if err != nil {
			return fmt.Errorf("resolve incident: %w", err)
		}
		if resolved != nil {
			s.pub.Publish(ctx, events.Event{
				Type:   events.TypeIncidentResolved,
				SiteID: b.SiteID,
				IDs:    []string{resolved.IncidentID},
			})
			s.log.Info("incident resolved", "incident_id", resolved.IncidentID,
				"site_id", b.SiteID, "resolved_by", b.BundleID)
		}
	}
	return nil
}

// Acknowledge marks an open incident acknowledged by an operator.
func (s *Service) Acknowledge(ctx context.Context, incidentID, operator string) (bool, error) {
	return s.st.AcknowledgeIncident(ctx, incidentID, operator, time.Now().UTC())
}

// Report is one L2 outcome reported by an appliance.
type Report struct {
	SiteID       string  `json:"site_id"`
	ApplianceID  string  `json:"appliance_id"`
	IncidentType string  `json:"incident_type"`
	Scope        string  `json:"scope"`
	RunbookID    string  `json:"runbook_id"`
	Success      bool    `json:"success"`
	Confidence   float64 `json:"confidence"`
	BundleID     string  `json:"bundle_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// ReportResult acknowledges one pattern report with the refreshed
// statistics.
type ReportResult struct {
	PatternID   string  `json:"pattern_id"`
	Occurrences int     `json:"occurrences"`
	SuccessRate float64 `json:"success_rate"`
	Status      string  `json:"status"`
}

// RecordReport folds one L2 outcome into the pattern table. With
// autopromote enabled, a pattern crossing both thresholds promotes
// immediately.
func (s *Service) RecordReport(ctx context.Context, r *Report) (*ReportResult, error) {
	if r.IncidentType == "" || r.RunbookID == "" {
		return nil, fmt.Errorf("pattern report missing incident_type or runbook_id")
	}

	at, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		at = time.Now().UTC()
	}

	patternID := PatternID(r.IncidentType, r.RunbookID)
	p, err := s.st.RecordPattern(ctx, patternID, r.IncidentType, r.RunbookID, r.Success, at)
	if err != nil {
		return nil, fmt.Errorf("record pattern: %w", err)
	}

	if s.autopromote && s.isCandidate(p) {
		if _, err := s.Promote(ctx, patternID, "autopromote"); err != nil {
			s.log.Error("autopromote failed", "pattern_id", patternID, "error", err)
		} else if refreshed, err := s.st.GetPattern(ctx, patternID); err == nil && refreshed != nil {
			p = refreshed
		}
	}

	return &ReportResult{
		PatternID:   p.PatternID,
		Occurrences: p.Occurrences,
		SuccessRate: p.SuccessRate,
		Status:      p.Status,
	}, nil
}

func (s *Service) isCandidate(p *store.Pattern) bool {
	return p.Status == store.PatternPending &&
		p.Occurrences >= s.minOccurrences &&
		p.SuccessRate >= s.minSuccessRate
}

// Thresholds returns the promotion gates the learning loop applies.
func (s *Service) Thresholds() (minOccurrences int, minSuccessRate float64, autopromote bool) {
	return s.minOccurrences, s.minSuccessRate, s.autopromote
}

// Candidates lists pending patterns that clear both promotion
// thresholds.
func (s *Service) Candidates(ctx context.Context) ([]*store.Pattern, error) {
	return s.st.Candidates(ctx, s.minOccurrences, s.minSuccessRate)
}

// Promote turns a candidate pattern into a distributed L1 rule and
// bumps the snapshot version. Returns the new version; promotion of a
// non-candidate is refused.
func (s *Service) Promote(ctx context.Context, patternID, operator string) (int64, error) {
	p, err := s.st.GetPattern(ctx, patternID)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, fmt.Errorf("pattern %s: %w", patternID, ErrUnknownPattern)
	}
	if !s.isCandidate(p) {
		return 0, fmt.Errorf("pattern %s (status=%s occurrences=%d rate=%.2f): %w",
			patternID, p.Status, p.Occurrences, p.SuccessRate, ErrNotCandidate)
	}

	rule, err := s.generateRule(ctx, p)
	if err != nil {
		return 0, err
	}

	version, err := s.st.PromotePattern(ctx, patternID, rule)
	if err != nil {
		return 0, fmt.Errorf("promote pattern: %w", err)
	}
	if version == 0 {
		// Lost a race with another promotion of the same pattern.
		return 0, fmt.Errorf("pattern %s is no longer pending: %w", patternID, ErrNotCandidate)
	}

	s.pub.Publish(ctx, events.Event{
		Type: events.TypePatternPromoted,
		IDs:  []string{patternID, rule.RuleID},
	})
	s.log.Info("pattern promoted", "pattern_id", patternID, "rule_id", rule.RuleID,
		"version", version, "by", operator)
	return version, nil
}

// Reject marks a pending pattern rejected. Terminal: the row keeps
// accumulating outcomes but never becomes a candidate again.
func (s *Service) Reject(ctx context.Context, patternID string) (bool, error) {
	return s.st.RejectPattern(ctx, patternID)
}

// generateRule builds the L1 rule a promoted pattern distributes. The
// rule matches the pattern's incident type in drift status and hands
// the finding to the runbook that proved itself.
func (s *Service) generateRule(ctx context.Context, p *store.Pattern) (*store.RuleRow, error) {
	conditions, err := json.Marshal([]map[string]any{
		{"field": "check_type", "operator": "eq", "value": p.IncidentType},
		{"field": "status", "operator": "eq", "value": "drift"},
	})
	if err != nil {
		return nil, err
	}

	var hipaa []string
	if rb, err := s.st.GetRunbook(ctx, p.RunbookID); err != nil {
		return nil, err
	} else if rb != nil {
		hipaa = rb.HIPAAControls
	}

	patternRef := p.PatternID
	return &store.RuleRow{
		RuleID:        fmt.Sprintf("L1-LRN-%s", strings.ToUpper(p.PatternID[:8])),
		Priority:      promotedRulePriority,
		Conditions:    conditions,
		RunbookID:     p.RunbookID,
		Args:          []byte(`{}`),
		HIPAAControls: hipaa,
		SourcePattern: &patternRef,
	}, nil
}

// RulesSnapshot assembles the current distributed rule set in the
// shape the appliance rule engine loads.
func (s *Service) RulesSnapshot(ctx context.Context) (int64, json.RawMessage, error) {
	rules, version, err := s.st.CurrentRules(ctx)
	if err != nil {
		return 0, nil, err
	}

	out := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		m := map[string]any{
			"id":         r.RuleID,
			"name":       "Learned: " + r.RunbookID,
			"conditions": json.RawMessage(r.Conditions),
			"runbook_id": r.RunbookID,
			"args":       json.RawMessage(r.Args),
			"enabled":    true,
			"priority":   r.Priority,
			"source":     "synced",
		}
		if r.CooldownSeconds > 0 {
			m["cooldown_seconds"] = r.CooldownSeconds
		}
		if len(r.HIPAAControls) > 0 {
			m["hipaa_controls"] = r.HIPAAControls
		}
		out = append(out, m)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return 0, nil, err
	}
	return version, raw, nil
}

// RecordAlert stores one appliance alert and flips the degraded flag
// for queue-full conditions.
func (s *Service) RecordAlert(ctx context.Context, a *Alert) (string, error) {
	var detail []byte
	if a.Detail != nil {
		detail, _ = json.Marshal(a.Detail)
	}

	at, err := time.Parse(time.RFC3339, a.CreatedAt)
	if err != nil {
		at = time.Now().UTC()
	}

	deliveryID, err := s.st.UpsertAlert(ctx, &store.Alert{
		DeliveryID:  uuid.NewString(),
		SiteID:      a.SiteID,
		ApplianceID: a.ApplianceID,
		Severity:    a.Severity,
		Kind:        a.Kind,
		Message:     a.Message,
		Detail:      detail,
		DedupKey:    a.DedupKey,
		LastSeen:    at,
	})
	if err != nil {
		return "", fmt.Errorf("record alert: %w", err)
	}

	if a.Kind == "degraded" {
		if err := s.st.SetDegraded(ctx, a.ApplianceID, true); err != nil {
			s.log.Error("mark degraded failed", "appliance_id", a.ApplianceID, "error", err)
		}
	}
	return deliveryID, nil
}

// Alert is the wire shape appliances post to /alerts.
type Alert struct {
	SiteID      string         `json:"site_id"`
	ApplianceID string         `json:"appliance_id"`
	Severity    string         `json:"severity"`
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Detail      map[string]any `json:"detail,omitempty"`
	DedupKey    string         `json:"dedup_key"`
	CreatedAt   string         `json:"created_at"`
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
