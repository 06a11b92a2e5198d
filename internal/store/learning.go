package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// OpenIncident inserts an incident unless one is already live for the
// same (appliance, fingerprint). Returns true when a new incident was
// created.
func (s *Store) OpenIncident(ctx context.Context, inc *Incident) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (incident_id, site_id, appliance_id, fingerprint, check_type,
		                       scope, severity, status, opened_action, opened_bundle, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open', $8, $9, $10)
		ON CONFLICT (appliance_id, fingerprint) WHERE status <> 'resolved' DO NOTHING
	`, inc.IncidentID, inc.SiteID, inc.ApplianceID, inc.Fingerprint, inc.CheckType,
		inc.Scope, inc.Severity, inc.OpenedAction, inc.OpenedBundle, inc.OpenedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveIncident closes the live incident for (appliance, fingerprint)
// and returns it, or nil when none was open.
func (s *Store) ResolveIncident(ctx context.Context, applianceID, fingerprint, bundleID string, at time.Time) (*Incident, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE incidents SET status = 'resolved', resolved_bundle = $3, resolved_at = $4
		WHERE appliance_id = $1 AND fingerprint = $2 AND status <> 'resolved'
		RETURNING incident_id, site_id, appliance_id, fingerprint, check_type, scope, severity,
		          status, opened_action, opened_bundle, resolved_bundle, acked_by,
		          opened_at, acked_at, resolved_at
	`, applianceID, fingerprint, bundleID, at)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

// AcknowledgeIncident marks an open incident acknowledged. Returns
// false when the incident is unknown or already resolved.
func (s *Store) AcknowledgeIncident(ctx context.Context, incidentID, operator string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE incidents SET status = 'acknowledged', acked_by = $2, acked_at = $3
		WHERE incident_id = $1 AND status = 'open'`, incidentID, operator, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetIncident returns one incident, or nil when unknown.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*Incident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, site_id, appliance_id, fingerprint, check_type, scope, severity,
		       status, opened_action, opened_bundle, resolved_bundle, acked_by,
		       opened_at, acked_at, resolved_at
		FROM incidents WHERE incident_id = $1`, incidentID)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return inc, err
}

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	SiteID string
	Status string
	Limit  int
}

// ListIncidents returns incidents newest first.
func (s *Store) ListIncidents(ctx context.Context, f IncidentFilter) ([]*Incident, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT incident_id, site_id, appliance_id, fingerprint, check_type, scope, severity,
		       status, opened_action, opened_bundle, resolved_bundle, acked_by,
		       opened_at, acked_at, resolved_at
		FROM incidents
		WHERE ($1 = '' OR site_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY opened_at DESC
		LIMIT $3`, f.SiteID, f.Status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// OpenIncidentCount returns the number of unresolved incidents, for
// fleet summaries.
func (s *Store) OpenIncidentCount(ctx context.Context, siteID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM incidents
		WHERE ($1 = '' OR site_id = $1) AND status <> 'resolved'`, siteID).Scan(&n)
	return n, err
}

func scanIncident(row pgx.Row) (*Incident, error) {
	var inc Incident
	err := row.Scan(&inc.IncidentID, &inc.SiteID, &inc.ApplianceID, &inc.Fingerprint,
		&inc.CheckType, &inc.Scope, &inc.Severity, &inc.Status, &inc.OpenedAction,
		&inc.OpenedBundle, &inc.ResolvedBundle, &inc.AckedBy,
		&inc.OpenedAt, &inc.AckedAt, &inc.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// RecordPattern upserts one L2 outcome into the pattern table and
// returns the refreshed row. Rejected patterns keep accumulating
// counts but their status never leaves rejected here.
func (s *Store) RecordPattern(ctx context.Context, patternID, incidentType, runbookID string, success bool, at time.Time) (*Pattern, error) {
	successInc := 0
	if success {
		successInc = 1
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO patterns (pattern_id, incident_type, runbook_id, occurrences, success_count,
		                      success_rate, first_seen, last_seen)
		VALUES ($1, $2, $3, 1, $4, $4, $5, $5)
		ON CONFLICT (pattern_id) DO UPDATE SET
			occurrences = patterns.occurrences + 1,
			success_count = patterns.success_count + $4,
			success_rate = (patterns.success_count + $4)::double precision / (patterns.occurrences + 1),
			last_seen = $5
		RETURNING pattern_id, incident_type, runbook_id, occurrences, success_count,
		          success_rate, status, first_seen, last_seen, promoted_rule
	`, patternID, incidentType, runbookID, successInc, at)
	return scanPattern(row)
}

// GetPattern returns one pattern, or nil when unknown.
func (s *Store) GetPattern(ctx context.Context, patternID string) (*Pattern, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT pattern_id, incident_type, runbook_id, occurrences, success_count,
		       success_rate, status, first_seen, last_seen, promoted_rule
		FROM patterns WHERE pattern_id = $1`, patternID)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPatterns returns patterns, optionally filtered by status, most
// recently seen first.
func (s *Store) ListPatterns(ctx context.Context, status string) ([]*Pattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pattern_id, incident_type, runbook_id, occurrences, success_count,
		       success_rate, status, first_seen, last_seen, promoted_rule
		FROM patterns
		WHERE $1 = '' OR status = $1
		ORDER BY last_seen DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPatterns(rows)
}

// Candidates returns pending patterns that clear both promotion
// thresholds.
func (s *Store) Candidates(ctx context.Context, minOccurrences int, minSuccessRate float64) ([]*Pattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pattern_id, incident_type, runbook_id, occurrences, success_count,
		       success_rate, status, first_seen, last_seen, promoted_rule
		FROM patterns
		WHERE status = 'pending' AND occurrences >= $1 AND success_rate >= $2
		ORDER BY success_rate DESC, occurrences DESC`, minOccurrences, minSuccessRate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPatterns(rows)
}

func collectPatterns(rows pgx.Rows) ([]*Pattern, error) {
	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPattern(row pgx.Row) (*Pattern, error) {
	var p Pattern
	err := row.Scan(&p.PatternID, &p.IncidentType, &p.RunbookID, &p.Occurrences,
		&p.SuccessCount, &p.SuccessRate, &p.Status, &p.FirstSeen, &p.LastSeen, &p.PromotedRule)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PromotePattern marks a pending pattern promoted, installs its
// generated rule and bumps the snapshot version, all in one
// transaction. Returns the new snapshot version; zero with a nil error
// means the pattern was not pending.
func (s *Store) PromotePattern(ctx context.Context, patternID string, rule *RuleRow) (int64, error) {
	var version int64
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE patterns SET status = 'promoted', promoted_rule = $2
			WHERE pattern_id = $1 AND status = 'pending'`, patternID, rule.RuleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		hipaa := rule.HIPAAControls
		if hipaa == nil {
			hipaa = []string{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO rules (rule_id, priority, conditions, runbook_id, args,
			                   cooldown_seconds, hipaa_controls, source_pattern)
			VALUES ($1, $2, $3::jsonb, $4, $5::jsonb, $6, $7, $8)
		`, rule.RuleID, rule.Priority, string(rule.Conditions), rule.RunbookID,
			string(rule.Args), rule.CooldownSeconds, hipaa, rule.SourcePattern); err != nil {
			return err
		}

		return tx.QueryRow(ctx, `
			UPDATE rules_version SET version = version + 1, updated_at = now()
			RETURNING version`).Scan(&version)
	})
	return version, err
}

// RejectPattern marks a pending pattern rejected. Rejection is
// terminal; future outcomes keep accumulating on the row but it never
// becomes a candidate again.
func (s *Store) RejectPattern(ctx context.Context, patternID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE patterns SET status = 'rejected'
		WHERE pattern_id = $1 AND status = 'pending'`, patternID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CurrentRules returns the distributed rule set and its snapshot
// version.
func (s *Store) CurrentRules(ctx context.Context) ([]*RuleRow, int64, error) {
	var version int64
	if err := s.pool.QueryRow(ctx, `SELECT version FROM rules_version`).Scan(&version); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, priority, conditions, runbook_id, args, cooldown_seconds,
		       hipaa_controls, source_pattern, created_at
		FROM rules ORDER BY priority, rule_id`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*RuleRow
	for rows.Next() {
		var r RuleRow
		if err := rows.Scan(&r.RuleID, &r.Priority, &r.Conditions, &r.RunbookID, &r.Args,
			&r.CooldownSeconds, &r.HIPAAControls, &r.SourcePattern, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &r)
	}
	return out, version, rows.Err()
}
