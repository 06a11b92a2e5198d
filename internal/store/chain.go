package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// HeadForUpdate locks and returns the chain head for one appliance, or
// nil when the chain has no bundles yet. Must run inside the same
// transaction as the append that follows.
func (s *Store) HeadForUpdate(ctx context.Context, tx pgx.Tx, applianceID string) (*Head, error) {
	var h Head
	err := tx.QueryRow(ctx, `
		SELECT appliance_id, site_id, prev_hash, last_bundle_id, last_seq, updated_at
		FROM heads WHERE appliance_id = $1
		FOR UPDATE`, applianceID).
		Scan(&h.ApplianceID, &h.SiteID, &h.PrevHash, &h.LastBundleID, &h.LastSeq, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// AppendBundle inserts one bundle and returns its append sequence.
func (s *Store) AppendBundle(ctx context.Context, tx pgx.Tx, b *BundleRow) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO bundles (bundle_id, site_id, appliance_id, prev_hash, bundle_hash,
		                     action_taken, check_type, created_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		RETURNING seq`,
		b.BundleID, b.SiteID, b.ApplianceID, b.PrevHash, b.BundleHash,
		b.ActionTaken, b.CheckType, b.CreatedAt, string(b.Body)).
		Scan(&seq)
	return seq, err
}

// AdvanceHead records the new chain position after an append.
func (s *Store) AdvanceHead(ctx context.Context, tx pgx.Tx, h *Head) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO heads (appliance_id, site_id, prev_hash, last_bundle_id, last_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (appliance_id) DO UPDATE SET
			prev_hash = EXCLUDED.prev_hash,
			last_bundle_id = EXCLUDED.last_bundle_id,
			last_seq = EXCLUDED.last_seq,
			updated_at = EXCLUDED.updated_at
	`, h.ApplianceID, h.SiteID, h.PrevHash, h.LastBundleID, h.LastSeq, h.UpdatedAt)
	return err
}

// BundleByID returns one bundle by bundle_id, or nil when absent. tx
// may be nil for reads outside a transaction.
func (s *Store) BundleByID(ctx context.Context, tx pgx.Tx, bundleID string) (*BundleRow, error) {
	q := `
		SELECT seq, bundle_id, site_id, appliance_id, prev_hash, bundle_hash,
		       action_taken, check_type, created_at, body
		FROM bundles WHERE bundle_id = $1`

	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, bundleID)
	} else {
		row = s.pool.QueryRow(ctx, q, bundleID)
	}
	b, err := scanBundle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// ListBundles pages a site's bundles newest first. A zero cursor starts
// from the tail; otherwise rows strictly older than the cursor seq are
// returned. The caller passes the last row's Seq back as the next cursor.
func (s *Store) ListBundles(ctx context.Context, siteID string, cursor int64, limit int) ([]*BundleRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, bundle_id, site_id, appliance_id, prev_hash, bundle_hash,
		       action_taken, check_type, created_at, body
		FROM bundles
		WHERE site_id = $1 AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`, siteID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBundles(rows)
}

// ApplianceBundles walks one appliance's chain in append order starting
// after fromSeq. The verify path pages through this.
func (s *Store) ApplianceBundles(ctx context.Context, applianceID string, fromSeq int64, limit int) ([]*BundleRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, bundle_id, site_id, appliance_id, prev_hash, bundle_hash,
		       action_taken, check_type, created_at, body
		FROM bundles
		WHERE appliance_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, applianceID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBundles(rows)
}

func collectBundles(rows pgx.Rows) ([]*BundleRow, error) {
	var out []*BundleRow
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBundle(row pgx.Row) (*BundleRow, error) {
	var b BundleRow
	err := row.Scan(&b.Seq, &b.BundleID, &b.SiteID, &b.ApplianceID, &b.PrevHash,
		&b.BundleHash, &b.ActionTaken, &b.CheckType, &b.CreatedAt, &b.Body)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertStamp records a freshly submitted external timestamp.
func (s *Store) InsertStamp(ctx context.Context, st *Stamp) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stamps (bundle_id, authority_url, proof, state, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bundle_id) DO NOTHING
	`, st.BundleID, st.AuthorityURL, st.Proof, st.State, st.SubmittedAt)
	return err
}

// StampForBundle returns the stamp trail for one bundle, or nil.
func (s *Store) StampForBundle(ctx context.Context, bundleID string) (*Stamp, error) {
	var st Stamp
	err := s.pool.QueryRow(ctx, `
		SELECT bundle_id, authority_url, proof, state, bitcoin_block, submitted_at, checked_at
		FROM stamps WHERE bundle_id = $1`, bundleID).
		Scan(&st.BundleID, &st.AuthorityURL, &st.Proof, &st.State, &st.BitcoinBlock,
			&st.SubmittedAt, &st.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// PendingStamps returns stamps awaiting anchor confirmation, oldest
// check first.
func (s *Store) PendingStamps(ctx context.Context, limit int) ([]*Stamp, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bundle_id, authority_url, proof, state, bitcoin_block, submitted_at, checked_at
		FROM stamps
		WHERE state IN ('pending', 'anchored')
		ORDER BY checked_at ASC NULLS FIRST
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Stamp
	for rows.Next() {
		var st Stamp
		if err := rows.Scan(&st.BundleID, &st.AuthorityURL, &st.Proof, &st.State,
			&st.BitcoinBlock, &st.SubmittedAt, &st.CheckedAt); err != nil {
			return nil, err
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// UpdateStamp persists the result of one re-verification pass.
func (s *Store) UpdateStamp(ctx context.Context, bundleID, state string, proof []byte, block *int64, checkedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE stamps SET state = $2, proof = COALESCE($3, proof),
		       bitcoin_block = COALESCE($4, bitcoin_block), checked_at = $5
		WHERE bundle_id = $1`, bundleID, state, proof, block, checkedAt)
	return err
}
