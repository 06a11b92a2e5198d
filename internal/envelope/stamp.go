package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Stamp states. A proof starts pending, becomes anchored once the
// authority has committed it to a pending aggregation, and verified
// once an independent anchor (e.g. a Bitcoin block) confirms it.
const (
	StampPending  = "pending"
	StampAnchored = "anchored"
	StampVerified = "verified"
	StampFailed   = "failed"
)

var (
	// ErrStampPending signals the proof exists but has no anchor yet.
	ErrStampPending = errors.New("stamp pending")
	// ErrStampFailed signals the authority rejected or lost the hash.
	ErrStampFailed = errors.New("stamp failed")
)

// ExternalTimestamp is the optional proof attached to a bundle after
// external anchoring.
type ExternalTimestamp struct {
	AuthorityURL string `json:"authority_url"`
	ProofB64     string `json:"proof_bytes_b64"`
	State        string `json:"state"`
	BitcoinBlock int64  `json:"bitcoin_block,omitempty"`
}

// StampAuthority is the client contract for an external timestamping
// authority. The authority is the root of trust for anchoring; this
// system only submits hashes and records the returned proofs.
type StampAuthority interface {
	// Submit sends a 32-byte hash and returns the initial proof bytes.
	Submit(ctx context.Context, hash []byte) ([]byte, error)
	// Upgrade asks for a newer proof. state reports how far the anchor
	// has progressed; block is nonzero once a Bitcoin block commits it.
	Upgrade(ctx context.Context, hash, proof []byte) (newProof []byte, block int64, state string, err error)
}

// Stamp submits a bundle hash to the authority and returns a pending
// ExternalTimestamp carrying the initial proof.
func Stamp(ctx context.Context, a StampAuthority, authorityURL, bundleHashHex string) (*ExternalTimestamp, error) {
	raw, err := hex.DecodeString(bundleHashHex)
	if err != nil {
		return nil, fmt.Errorf("decode bundle hash: %w", err)
	}
	proof, err := a.Submit(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("submit stamp: %w", err)
	}
	return &ExternalTimestamp{
		AuthorityURL: authorityURL,
		ProofB64:     base64.StdEncoding.EncodeToString(proof),
		State:        StampPending,
	}, nil
}

// VerifyStamp upgrades a proof against the authority and returns the
// refreshed timestamp. Callers persist the returned state; pending and
// anchored stamps are re-checked periodically, verified and failed are
// terminal.
func VerifyStamp(ctx context.Context, a StampAuthority, bundleHashHex string, ts *ExternalTimestamp) (*ExternalTimestamp, error) {
	raw, err := hex.DecodeString(bundleHashHex)
	if err != nil {
		return nil, fmt.Errorf("decode bundle hash: %w", err)
	}
	proof, err := base64.StdEncoding.DecodeString(ts.ProofB64)
	if err != nil {
		return nil, fmt.Errorf("decode proof: %w", err)
	}
	newProof, block, state, err := a.Upgrade(ctx, raw, proof)
	if err != nil {
		return nil, fmt.Errorf("upgrade stamp: %w", err)
	}
	out := &ExternalTimestamp{
		AuthorityURL: ts.AuthorityURL,
		ProofB64:     ts.ProofB64,
		State:        state,
		BitcoinBlock: block,
	}
	if len(newProof) > 0 {
		out.ProofB64 = base64.StdEncoding.EncodeToString(newProof)
	}
	switch state {
	case StampPending:
		return out, ErrStampPending
	case StampFailed:
		return out, ErrStampFailed
	}
	return out, nil
}

// HTTPAuthority talks to a calendar-style timestamping service over
// HTTP: POST /digest with the raw hash to submit, POST /upgrade with
// the current proof to refresh.
type HTTPAuthority struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPAuthority builds a client with a bounded timeout.
func NewHTTPAuthority(baseURL string) *HTTPAuthority {
	return &HTTPAuthority{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPAuthority) Submit(ctx context.Context, hash []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/digest", bytes.NewReader(hash))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

type upgradeResponse struct {
	ProofB64     string `json:"proof_bytes_b64"`
	State        string `json:"state"`
	BitcoinBlock int64  `json:"bitcoin_block,omitempty"`
}

func (h *HTTPAuthority) Upgrade(ctx context.Context, hash, proof []byte) ([]byte, int64, string, error) {
	body, err := json.Marshal(map[string]string{
		"digest_hex":      hex.EncodeToString(hash),
		"proof_bytes_b64": base64.StdEncoding.EncodeToString(proof),
	})
	if err != nil {
		return nil, 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/upgrade", bytes.NewReader(body))
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, StampFailed, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, "", fmt.Errorf("authority returned %d", resp.StatusCode)
	}
	var ur upgradeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ur); err != nil {
		return nil, 0, "", fmt.Errorf("decode upgrade response: %w", err)
	}
	newProof, err := base64.StdEncoding.DecodeString(ur.ProofB64)
	if err != nil {
		return nil, 0, "", fmt.Errorf("decode upgraded proof: %w", err)
	}
	return newProof, ur.BitcoinBlock, ur.State, nil
}
