package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetSite returns one site, or nil when unknown.
func (s *Store) GetSite(ctx context.Context, siteID string) (*Site, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT site_id, name, deployment_mode, reseller_id,
		       enabled_runbooks, runbook_priority, created_at
		FROM sites WHERE site_id = $1`, siteID)
	site, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return site, err
}

// ListSites returns all sites ordered by id.
func (s *Store) ListSites(ctx context.Context) ([]*Site, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT site_id, name, deployment_mode, reseller_id,
		       enabled_runbooks, runbook_priority, created_at
		FROM sites ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// UpsertSite creates or updates a site. Used by provisioning tooling.
func (s *Store) UpsertSite(ctx context.Context, site *Site) error {
	enabled, err := json.Marshal(site.EnabledRunbooks)
	if err != nil {
		return err
	}
	priority, err := json.Marshal(site.RunbookPriority)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sites (site_id, name, deployment_mode, reseller_id, enabled_runbooks, runbook_priority)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
		ON CONFLICT (site_id) DO UPDATE SET
			name = EXCLUDED.name,
			deployment_mode = EXCLUDED.deployment_mode,
			reseller_id = EXCLUDED.reseller_id,
			enabled_runbooks = EXCLUDED.enabled_runbooks,
			runbook_priority = EXCLUDED.runbook_priority
	`, site.SiteID, site.Name, site.DeploymentMode, site.ResellerID, string(enabled), string(priority))
	return err
}

func scanSite(row pgx.Row) (*Site, error) {
	var (
		site              Site
		enabled, priority []byte
	)
	err := row.Scan(&site.SiteID, &site.Name, &site.DeploymentMode, &site.ResellerID,
		&enabled, &priority, &site.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(enabled, &site.EnabledRunbooks); err != nil {
		return nil, fmt.Errorf("site %s enabled_runbooks: %w", site.SiteID, err)
	}
	if err := json.Unmarshal(priority, &site.RunbookPriority); err != nil {
		return nil, fmt.Errorf("site %s runbook_priority: %w", site.SiteID, err)
	}
	return &site, nil
}

// GetAppliance returns one appliance, or nil when unknown.
func (s *Store) GetAppliance(ctx context.Context, applianceID string) (*Appliance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT appliance_id, site_id, pubkey, status, agent_version,
		       queue_depth, degraded, suppress_disruptive, first_checkin, last_checkin
		FROM appliances WHERE appliance_id = $1`, applianceID)
	app, err := scanAppliance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return app, err
}

// ListAppliances returns a site's appliances, newest check-in first.
func (s *Store) ListAppliances(ctx context.Context, siteID string) ([]*Appliance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT appliance_id, site_id, pubkey, status, agent_version,
		       queue_depth, degraded, suppress_disruptive, first_checkin, last_checkin
		FROM appliances WHERE site_id = $1
		ORDER BY last_checkin DESC NULLS LAST`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*Appliance
	for rows.Next() {
		app, err := scanAppliance(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ActiveAppliances returns a site's online appliances. Orders broadcast
// to a site expand over this set.
func (s *Store) ActiveAppliances(ctx context.Context, siteID string) ([]*Appliance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT appliance_id, site_id, pubkey, status, agent_version,
		       queue_depth, degraded, suppress_disruptive, first_checkin, last_checkin
		FROM appliances WHERE site_id = $1 AND status = 'online'
		ORDER BY appliance_id`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*Appliance
	for rows.Next() {
		app, err := scanAppliance(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func scanAppliance(row pgx.Row) (*Appliance, error) {
	var app Appliance
	err := row.Scan(&app.ApplianceID, &app.SiteID, &app.PubKey, &app.Status, &app.AgentVersion,
		&app.QueueDepth, &app.Degraded, &app.SuppressDisruptive, &app.FirstCheckin, &app.LastCheckin)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// CheckinTouch carries the mutable appliance fields of one check-in.
type CheckinTouch struct {
	ApplianceID  string
	SiteID       string
	PubKey       string
	AgentVersion string
	QueueDepth   int
	At           time.Time
}

// TouchCheckin records a successful check-in, creating the appliance
// row on first contact. A stored pubkey is never overwritten; the key
// an appliance first presents under a provisioned site is the key the
// ledger verifies against from then on.
func (s *Store) TouchCheckin(ctx context.Context, t CheckinTouch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appliances (appliance_id, site_id, pubkey, status, agent_version,
		                        queue_depth, first_checkin, last_checkin)
		VALUES ($1, $2, $3, 'online', $4, $5, $6, $6)
		ON CONFLICT (appliance_id) DO UPDATE SET
			status = 'online',
			agent_version = EXCLUDED.agent_version,
			queue_depth = EXCLUDED.queue_depth,
			last_checkin = EXCLUDED.last_checkin,
			pubkey = CASE WHEN appliances.pubkey = '' THEN EXCLUDED.pubkey ELSE appliances.pubkey END
	`, t.ApplianceID, t.SiteID, t.PubKey, t.AgentVersion, t.QueueDepth, t.At)
	return err
}

// SetDegraded records the degraded flag reported through alerts.
func (s *Store) SetDegraded(ctx context.Context, applianceID string, degraded bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE appliances SET degraded = $2 WHERE appliance_id = $1`, applianceID, degraded)
	return err
}

// MarkStale flips online appliances with no check-in since the cutoff
// to offline and returns their ids.
func (s *Store) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE appliances SET status = 'offline'
		WHERE status = 'online' AND (last_checkin IS NULL OR last_checkin < $1)
		RETURNING appliance_id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SiteCredentials returns the remote targets handed to a site's
// appliances at check-in.
func (s *Store) SiteCredentials(ctx context.Context, siteID string) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, platform, host, port, auth_kind, username, secret, private_key, use_ssl
		FROM credentials WHERE site_id = $1 ORDER BY platform, host`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.SiteID, &c.Platform, &c.Host, &c.Port,
			&c.AuthKind, &c.Username, &c.Secret, &c.PrivateKey, &c.UseSSL); err != nil {
			return nil, err
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}
