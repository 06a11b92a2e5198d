// Package envelope implements the cryptographic envelope around evidence
// bundles: canonical JSON serialization, SHA-256 hash chaining, Ed25519
// signing, and optional external timestamp proofs.
//
// Every bundle an appliance emits is hashed over its canonical JSON form,
// linked to the previous bundle's hash, and signed with the appliance's
// Ed25519 key. The control plane verifies all three before appending to
// the site chain, so neither side can silently rewrite history.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// GenesisPrevHash is the prev_hash of the first bundle in a chain:
// 32 zero bytes, hex encoded.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action values recorded in a bundle's action_taken field.
const (
	ActionNone          = "none"
	ActionL1            = "L1"
	ActionL2            = "L2"
	ActionL3Escalate    = "L3_escalate"
	ActionRejected      = "rejected"
	ActionExpired       = "expired"
	ActionDeferred      = "deferred"
	ActionReverted      = "reverted"
	ActionFailed        = "failed"
	ActionChainRecovery = "chain_recovery"
)

// ErrBadSignature is returned when an Ed25519 signature does not verify.
var ErrBadSignature = errors.New("bad signature")

// Bundle is one immutable evidence record: a single observation/action
// cycle for one check type on one appliance.
//
// bundle_hash is SHA256 over the canonical JSON of the bundle with
// bundle_hash, signature and external_timestamp removed. signature is
// the base64 Ed25519 signature over the raw 32-byte bundle_hash.
type Bundle struct {
	BundleID          string             `json:"bundle_id"`
	SiteID            string             `json:"site_id"`
	ApplianceID       string             `json:"appliance_id"`
	CreatedAt         string             `json:"created_at"`
	CheckType         string             `json:"check_type"`
	PreState          map[string]any     `json:"pre_state"`
	PostState         map[string]any     `json:"post_state"`
	ActionTaken       string             `json:"action_taken"`
	RollbackAvailable bool               `json:"rollback_available"`
	RulesetHash       string             `json:"ruleset_hash"`
	NixosRevision     string             `json:"nixos_revision"`
	DerivationDigest  string             `json:"derivation_digest"`
	DeploymentMode    string             `json:"deployment_mode"`
	ResellerID        string             `json:"reseller_id,omitempty"`
	PrevHash          string             `json:"prev_hash"`
	BundleHash        string             `json:"bundle_hash,omitempty"`
	Signature         string             `json:"signature,omitempty"`
	ExternalTimestamp *ExternalTimestamp `json:"external_timestamp,omitempty"`
}

// excludedFields are stripped before hashing a bundle.
var excludedFields = [...]string{"bundle_hash", "signature", "external_timestamp"}

// ComputeBundleHash returns the lowercase hex SHA-256 of the bundle's
// canonical JSON with the mutable fields removed.
func ComputeBundleHash(b *Bundle) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("unmarshal bundle: %w", err)
	}
	return HashBundleMap(m)
}

// HashBundleMap hashes a bundle already decoded as a generic map. The
// plane uses this on incoming request bodies so the hash covers exactly
// the fields the appliance sent.
func HashBundleMap(m map[string]any) (string, error) {
	clean := make(map[string]any, len(m))
	for k, v := range m {
		clean[k] = v
	}
	for _, f := range excludedFields {
		delete(clean, f)
	}
	canon, err := CanonicalJSON(clean)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// SignBundle computes the bundle hash and attaches the base64 Ed25519
// signature over its raw 32 bytes.
func SignBundle(priv ed25519.PrivateKey, b *Bundle) error {
	h, err := ComputeBundleHash(b)
	if err != nil {
		return err
	}
	b.BundleHash = h
	raw, err := hex.DecodeString(h)
	if err != nil {
		return fmt.Errorf("decode bundle hash: %w", err)
	}
	b.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, raw))
	return nil
}

// VerifyBundleSignature checks the base64 signature over the bundle's
// recorded hash. It does not recompute the hash; pair with
// ComputeBundleHash when full verification is needed.
func VerifyBundleSignature(pub ed25519.PublicKey, b *Bundle) error {
	return VerifySignatureHex(pub, b.BundleHash, b.Signature)
}

// VerifySignatureHex verifies a base64 Ed25519 signature over a
// hex-encoded 32-byte hash.
func VerifySignatureHex(pub ed25519.PublicKey, hashHex, sigB64 string) error {
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return fmt.Errorf("decode hash hex: %w", err)
	}
	if len(raw) != sha256.Size {
		return fmt.Errorf("invalid hash size: got %d, want %d", len(raw), sha256.Size)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature base64: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, raw, sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the hex-encoded Ed25519 signature of data. Used for order
// payloads and rules snapshots, which travel hex-signed.
func Sign(key ed25519.PrivateKey, data []byte) string {
	return hex.EncodeToString(ed25519.Sign(key, data))
}
