// Package ledger implements the plane side of the evidence chain: it
// validates inbound bundles against the registered appliance identity,
// appends them under the per-appliance head lock, and anchors accepted
// hashes with an external timestamp authority.
package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/osiriscare/fleet/internal/envelope"
	"github.com/osiriscare/fleet/internal/metrics"
	"github.com/osiriscare/fleet/internal/phi"
	"github.com/osiriscare/fleet/internal/store"
)

// ErrBadIdentity is returned when a bundle's identity or signature does
// not match the registered appliance.
var ErrBadIdentity = errors.New("bundle identity or signature mismatch")

// ErrUnknownBundle is returned when a referenced bundle does not exist.
var ErrUnknownBundle = errors.New("unknown bundle")

// ErrStampingDisabled is returned when no timestamp authority is
// configured.
var ErrStampingDisabled = errors.New("external timestamping not configured")

// ForkError rejects an append whose prev_hash does not extend the
// stored head. The appliance uses ExpectedHead to start recovery.
type ForkError struct {
	ExpectedHead string
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("chain fork: expected head %s", e.ExpectedHead)
}

// ViolationError rejects a bundle that fails schema or PHI validation.
type ViolationError struct {
	Detail string
}

func (e *ViolationError) Error() string {
	return "schema violation: " + e.Detail
}

// Receipt acknowledges one accepted (or already-appended) bundle.
type Receipt struct {
	AckSeq       int64
	NextPrevHash string
}

var validActions = map[string]bool{
	envelope.ActionNone:          true,
	envelope.ActionL1:            true,
	envelope.ActionL2:            true,
	envelope.ActionL3Escalate:    true,
	envelope.ActionRejected:      true,
	envelope.ActionExpired:       true,
	envelope.ActionDeferred:      true,
	envelope.ActionReverted:      true,
	envelope.ActionFailed:        true,
	envelope.ActionChainRecovery: true,
}

// Service is the evidence chain server.
type Service struct {
	st           *store.Store
	log          *slog.Logger
	authority    envelope.StampAuthority
	authorityURL string
}

// New builds a ledger service. authority may be nil when stamping is
// disabled.
func New(st *store.Store, logger *slog.Logger, authority envelope.StampAuthority, authorityURL string) *Service {
	return &Service{st: st, log: logger, authority: authority, authorityURL: authorityURL}
}

// Append validates one bundle against the authenticated appliance and
// appends it to the chain. Re-delivery of an already-appended bundle
// returns the original receipt; appliances ack after upload, so the
// plane must absorb duplicates.
func (s *Service) Append(ctx context.Context, app *store.Appliance, raw []byte) (*Receipt, *envelope.Bundle, error) {
	var b envelope.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, nil, &ViolationError{Detail: "malformed bundle json"}
	}

	if b.SiteID != app.SiteID || b.ApplianceID != app.ApplianceID {
		return nil, nil, ErrBadIdentity
	}
	if err := validateShape(&b); err != nil {
		return nil, nil, err
	}

	createdAt, err := time.Parse(time.RFC3339, b.CreatedAt)
	if err != nil {
		return nil, nil, &ViolationError{Detail: "created_at is not RFC3339"}
	}

	if cats := phiCategories(&b); len(cats) > 0 {
		return nil, nil, &ViolationError{Detail: "phi detected: " + strings.Join(cats, ",")}
	}

	computed, err := envelope.ComputeBundleHash(&b)
	if err != nil || computed != b.BundleHash {
		return nil, nil, &ViolationError{Detail: "bundle_hash does not recompute"}
	}

	pub, err := decodePubKey(app.PubKey)
	if err != nil {
		return nil, nil, ErrBadIdentity
	}
	if err := envelope.VerifyBundleSignature(pub, &b); err != nil {
		return nil, nil, ErrBadIdentity
	}

	var receipt *Receipt
	err = s.st.WithTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.st.BundleByID(ctx, tx, b.BundleID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.BundleHash != b.BundleHash {
				return &ViolationError{Detail: "bundle_id reused with different content"}
			}
			receipt = &Receipt{AckSeq: existing.Seq, NextPrevHash: existing.BundleHash}
			return nil
		}

		head, err := s.st.HeadForUpdate(ctx, tx, app.ApplianceID)
		if err != nil {
			return err
		}
		expected := envelope.GenesisPrevHash
		if head != nil {
			expected = head.PrevHash
		}
		// A chain_recovery bundle re-anchors the chain; it asserts the
		// head it extends rather than extending blindly.
		if b.PrevHash != expected {
			metrics.ChainForks.Inc()
			return &ForkError{ExpectedHead: expected}
		}

		seq, err := s.st.AppendBundle(ctx, tx, &store.BundleRow{
			BundleID:    b.BundleID,
			SiteID:      b.SiteID,
			ApplianceID: b.ApplianceID,
			PrevHash:    b.PrevHash,
			BundleHash:  b.BundleHash,
			ActionTaken: b.ActionTaken,
			CheckType:   b.CheckType,
			CreatedAt:   createdAt.UTC(),
			Body:        raw,
		})
		if err != nil {
			return err
		}
		if err := s.st.AdvanceHead(ctx, tx, &store.Head{
			ApplianceID:  app.ApplianceID,
			SiteID:       app.SiteID,
			PrevHash:     b.BundleHash,
			LastBundleID: b.BundleID,
			LastSeq:      seq,
			UpdatedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}

		metrics.ChainAppends.Inc()
		receipt = &Receipt{AckSeq: seq, NextPrevHash: b.BundleHash}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return receipt, &b, nil
}

func validateShape(b *envelope.Bundle) error {
	switch {
	case b.BundleID == "":
		return &ViolationError{Detail: "bundle_id missing"}
	case b.SiteID == "" || b.ApplianceID == "":
		return &ViolationError{Detail: "identity fields missing"}
	case b.CreatedAt == "":
		return &ViolationError{Detail: "created_at missing"}
	case b.CheckType == "":
		return &ViolationError{Detail: "check_type missing"}
	case !validActions[b.ActionTaken]:
		return &ViolationError{Detail: "action_taken invalid"}
	case !isHex64(b.PrevHash):
		return &ViolationError{Detail: "prev_hash is not 64 lowercase hex"}
	case !isHex64(b.BundleHash):
		return &ViolationError{Detail: "bundle_hash is not 64 lowercase hex"}
	case b.Signature == "":
		return &ViolationError{Detail: "signature missing"}
	}
	return nil
}

func phiCategories(b *envelope.Bundle) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range []map[string]any{b.PreState, b.PostState} {
		if m == nil {
			continue
		}
		for _, c := range phi.FindCategories(m) {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func decodePubKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// verifyPageSize bounds how many bundles a verify pass holds at once.
const verifyPageSize = 500

// VerifyAppliance walks one appliance's chain from genesis and verifies
// linkage, hashes and signatures page by page.
func (s *Service) VerifyAppliance(ctx context.Context, app *store.Appliance) (envelope.ChainVerifyResult, error) {
	res := envelope.ChainVerifyResult{OK: true}

	pub, err := decodePubKey(app.PubKey)
	if err != nil {
		res.OK = false
		return res, nil
	}

	head := ""
	fromSeq := int64(0)
	for {
		rows, err := s.st.ApplianceBundles(ctx, app.ApplianceID, fromSeq, verifyPageSize)
		if err != nil {
			return res, err
		}
		if len(rows) == 0 {
			return res, nil
		}

		bundles := make([]*envelope.Bundle, 0, len(rows))
		for _, row := range rows {
			var b envelope.Bundle
			if err := json.Unmarshal(row.Body, &b); err != nil {
				res.OK = false
				res.BrokenAt = row.BundleID
				return res, nil
			}
			bundles = append(bundles, &b)
		}

		page := envelope.VerifyChain(pub, head, bundles)
		if res.FirstTimestamp == "" {
			res.FirstTimestamp = page.FirstTimestamp
		}
		if page.LastTimestamp != "" {
			res.LastTimestamp = page.LastTimestamp
		}
		res.SignaturesValid += page.SignaturesValid
		res.SignaturesTotal += page.SignaturesTotal
		if !page.OK {
			res.OK = false
			if res.BrokenAt == "" {
				res.BrokenAt = page.BrokenAt
			}
			return res, nil
		}

		head = bundles[len(bundles)-1].BundleHash
		fromSeq = rows[len(rows)-1].Seq
		if len(rows) < verifyPageSize {
			return res, nil
		}
	}
}

// VerifySite verifies every appliance chain registered under a site
// and merges the results. The merged result is OK only when every
// chain is intact; BrokenAt names the first break found.
func (s *Service) VerifySite(ctx context.Context, siteID string) (envelope.ChainVerifyResult, error) {
	res := envelope.ChainVerifyResult{OK: true}

	apps, err := s.st.ListAppliances(ctx, siteID)
	if err != nil {
		return res, err
	}
	for _, app := range apps {
		one, err := s.VerifyAppliance(ctx, app)
		if err != nil {
			return res, err
		}
		res.SignaturesValid += one.SignaturesValid
		res.SignaturesTotal += one.SignaturesTotal
		if res.FirstTimestamp == "" || (one.FirstTimestamp != "" && one.FirstTimestamp < res.FirstTimestamp) {
			res.FirstTimestamp = one.FirstTimestamp
		}
		if one.LastTimestamp > res.LastTimestamp {
			res.LastTimestamp = one.LastTimestamp
		}
		if !one.OK {
			res.OK = false
			if res.BrokenAt == "" {
				res.BrokenAt = one.BrokenAt
			}
		}
	}
	return res, nil
}

// StampBundle submits a bundle hash to the timestamp authority and
// records the pending proof. Stamping twice returns the existing trail.
func (s *Service) StampBundle(ctx context.Context, bundleID string) (*store.Stamp, error) {
	if s.authority == nil {
		return nil, ErrStampingDisabled
	}

	existing, err := s.st.StampForBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	row, err := s.st.BundleByID(ctx, nil, bundleID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrUnknownBundle
	}

	ts, err := envelope.Stamp(ctx, s.authority, s.authorityURL, row.BundleHash)
	if err != nil {
		return nil, fmt.Errorf("stamp %s: %w", bundleID, err)
	}

	proof, err := decodeProof(ts.ProofB64)
	if err != nil {
		return nil, err
	}
	st := &store.Stamp{
		BundleID:     bundleID,
		AuthorityURL: ts.AuthorityURL,
		Proof:        proof,
		State:        ts.State,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := s.st.InsertStamp(ctx, st); err != nil {
		return nil, err
	}
	s.log.Info("bundle stamped", "bundle_id", bundleID, "authority", s.authorityURL)
	return st, nil
}

// SweepStamps re-verifies pending and anchored stamps once. Returns
// how many stamps changed state.
func (s *Service) SweepStamps(ctx context.Context) (int, error) {
	if s.authority == nil {
		return 0, nil
	}

	stamps, err := s.st.PendingStamps(ctx, 100)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, st := range stamps {
		row, err := s.st.BundleByID(ctx, nil, st.BundleID)
		if err != nil || row == nil {
			continue
		}

		ts := &envelope.ExternalTimestamp{
			AuthorityURL: st.AuthorityURL,
			ProofB64:     base64.StdEncoding.EncodeToString(st.Proof),
			State:        st.State,
		}
		now := time.Now().UTC()
		refreshed, err := envelope.VerifyStamp(ctx, s.authority, row.BundleHash, ts)
		switch {
		case err == nil || errors.Is(err, envelope.ErrStampFailed):
			proof, decErr := decodeProof(refreshed.ProofB64)
			if decErr != nil {
				continue
			}
			var block *int64
			if refreshed.BitcoinBlock != 0 {
				block = &refreshed.BitcoinBlock
			}
			if err := s.st.UpdateStamp(ctx, st.BundleID, refreshed.State, proof, block, now); err != nil {
				return changed, err
			}
			if refreshed.State != st.State {
				changed++
				s.log.Info("stamp state changed", "bundle_id", st.BundleID,
					"from", st.State, "to", refreshed.State)
			}
		case errors.Is(err, envelope.ErrStampPending):
			if err := s.st.UpdateStamp(ctx, st.BundleID, envelope.StampPending, nil, nil, now); err != nil {
				return changed, err
			}
		default:
			s.log.Warn("stamp re-verify failed", "bundle_id", st.BundleID, "error", err)
		}
	}
	return changed, nil
}

// RunStampSweeper re-verifies stamps on the given interval until the
// context ends.
func (s *Service) RunStampSweeper(ctx context.Context, interval time.Duration) {
	if s.authority == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStamps(ctx); err != nil {
				s.log.Error("stamp sweep failed", "error", err)
			}
		}
	}
}

func decodeProof(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	return raw, nil
}
