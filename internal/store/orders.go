package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertOrder records one issued order.
func (s *Store) InsertOrder(ctx context.Context, o *OrderRow) error {
	args, err := json.Marshal(o.Args)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (order_id, site_id, appliance_id, runbook_id, args,
		                    issued_at, ttl_seconds, issuer_sig, status, issued_by, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, 'pending', $9, now())
	`, o.OrderID, o.SiteID, o.ApplianceID, o.RunbookID, string(args),
		o.IssuedAt, o.TTLSeconds, o.IssuerSig, o.IssuedBy)
	return err
}

// PendingOrders returns undelivered, unexpired orders for one
// appliance in issue order.
func (s *Store) PendingOrders(ctx context.Context, applianceID string, now time.Time) ([]*OrderRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, site_id, appliance_id, runbook_id, args, issued_at, ttl_seconds,
		       issuer_sig, status, issued_by, delivered_at, outcome_bundle, updated_at
		FROM orders
		WHERE appliance_id = $1 AND status = 'pending'
		  AND issued_at + make_interval(secs => ttl_seconds) > $2
		ORDER BY issued_at`, applianceID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// MarkDelivered stamps orders handed to an appliance at check-in.
func (s *Store) MarkDelivered(ctx context.Context, orderIDs []string, at time.Time) error {
	if len(orderIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = 'delivered', delivered_at = $2, updated_at = now()
		WHERE order_id = ANY($1) AND status = 'pending'`, orderIDs, at)
	return err
}

// SetOrderOutcome records the terminal status reported through the
// order's outcome bundle.
func (s *Store) SetOrderOutcome(ctx context.Context, orderID, status, bundleID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $2, outcome_bundle = $3, updated_at = now()
		WHERE order_id = $1`, orderID, status, bundleID)
	return err
}

// GetOrder returns one order, or nil when unknown.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*OrderRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT order_id, site_id, appliance_id, runbook_id, args, issued_at, ttl_seconds,
		       issuer_sig, status, issued_by, delivered_at, outcome_bundle, updated_at
		FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// SweepExpiredOrders flips pending and delivered orders past their TTL
// to expired and returns how many moved.
func (s *Store) SweepExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = 'expired', updated_at = now()
		WHERE status IN ('pending', 'delivered')
		  AND issued_at + make_interval(secs => ttl_seconds) <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectOrders(rows pgx.Rows) ([]*OrderRow, error) {
	var out []*OrderRow
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*OrderRow, error) {
	var (
		o    OrderRow
		args []byte
	)
	err := row.Scan(&o.OrderID, &o.SiteID, &o.ApplianceID, &o.RunbookID, &args,
		&o.IssuedAt, &o.TTLSeconds, &o.IssuerSig, &o.Status, &o.IssuedBy,
		&o.DeliveredAt, &o.OutcomeBundle, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &o.Args); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

// ListRunbooks returns the catalogue, built-ins first.
func (s *Store) ListRunbooks(ctx context.Context) ([]*RunbookRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT runbook_id, name, platform, description, disruptive, rollback_available,
		       internal, hipaa_controls, definition
		FROM runbooks ORDER BY internal, runbook_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunbookRow
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

// GetRunbook returns one catalogue entry, or nil when unknown.
func (s *Store) GetRunbook(ctx context.Context, runbookID string) (*RunbookRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT runbook_id, name, platform, description, disruptive, rollback_available,
		       internal, hipaa_controls, definition
		FROM runbooks WHERE runbook_id = $1`, runbookID)
	rb, err := scanRunbook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rb, err
}

// PushableRunbooks returns full definitions for the named runbooks.
// Built-ins have no stored definition and are skipped; appliances
// compile those in.
func (s *Store) PushableRunbooks(ctx context.Context, runbookIDs []string) ([]*RunbookRow, error) {
	if len(runbookIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT runbook_id, name, platform, description, disruptive, rollback_available,
		       internal, hipaa_controls, definition
		FROM runbooks
		WHERE runbook_id = ANY($1) AND definition IS NOT NULL
		ORDER BY runbook_id`, runbookIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunbookRow
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

func scanRunbook(row pgx.Row) (*RunbookRow, error) {
	var rb RunbookRow
	err := row.Scan(&rb.RunbookID, &rb.Name, &rb.Platform, &rb.Description, &rb.Disruptive,
		&rb.RollbackAvailable, &rb.Internal, &rb.HIPAAControls, &rb.Definition)
	if err != nil {
		return nil, err
	}
	return &rb, nil
}
