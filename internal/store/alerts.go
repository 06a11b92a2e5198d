package store

import (
	"context"
)

// UpsertAlert records an appliance alert. Repeats of the same
// dedup_key collapse onto the existing row and return its original
// delivery id.
func (s *Store) UpsertAlert(ctx context.Context, a *Alert) (string, error) {
	var deliveryID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (delivery_id, site_id, appliance_id, severity, kind,
		                    message, detail, dedup_key, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $9)
		ON CONFLICT (dedup_key) DO UPDATE SET
			times_seen = alerts.times_seen + 1,
			last_seen = EXCLUDED.last_seen,
			message = EXCLUDED.message
		RETURNING delivery_id
	`, a.DeliveryID, a.SiteID, a.ApplianceID, a.Severity, a.Kind,
		a.Message, nullableJSON(a.Detail), a.DedupKey, a.LastSeen).
		Scan(&deliveryID)
	return deliveryID, err
}

// ListAlerts returns a site's alerts, most recent first.
func (s *Store) ListAlerts(ctx context.Context, siteID string, limit int) ([]*Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT delivery_id, site_id, appliance_id, severity, kind, message,
		       detail, dedup_key, times_seen, first_seen, last_seen
		FROM alerts
		WHERE $1 = '' OR site_id = $1
		ORDER BY last_seen DESC
		LIMIT $2`, siteID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.DeliveryID, &a.SiteID, &a.ApplianceID, &a.Severity, &a.Kind,
			&a.Message, &a.Detail, &a.DedupKey, &a.TimesSeen, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// nullableJSON maps empty payloads to SQL NULL so jsonb columns stay
// NULL instead of holding empty strings.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
