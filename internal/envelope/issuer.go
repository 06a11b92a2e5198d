package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
)

// IssuerVerifier verifies Ed25519 signatures on orders and rules
// snapshots issued by the control plane. The issuer public key is
// pinned in the appliance config; verification before execution is what
// keeps a compromised plane or MITM from injecting directives into the
// fleet.
type IssuerVerifier struct {
	mu        sync.RWMutex
	publicKey ed25519.PublicKey
	keyHex    string
}

// NewIssuerVerifier creates a verifier. If publicKeyHex is empty,
// verification is deferred until SetPublicKey is called.
func NewIssuerVerifier(publicKeyHex string) *IssuerVerifier {
	v := &IssuerVerifier{}
	if publicKeyHex != "" {
		_ = v.SetPublicKey(publicKeyHex)
	}
	return v
}

// SetPublicKey sets or replaces the issuer's Ed25519 public key.
func (v *IssuerVerifier) SetPublicKey(hexKey string) error {
	pub, err := ParsePublicKeyHex(hexKey)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.publicKey = pub
	v.keyHex = hexKey
	return nil
}

// HasKey returns true if a public key has been set.
func (v *IssuerVerifier) HasKey() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.publicKey != nil
}

// PublicKeyHex returns the current public key as a hex string.
func (v *IssuerVerifier) PublicKeyHex() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keyHex
}

// VerifyPayload verifies the hex-encoded Ed25519 signature over a
// canonical payload.
func (v *IssuerVerifier) VerifyPayload(payload []byte, signatureHex string) error {
	v.mu.RLock()
	pk := v.publicKey
	v.mu.RUnlock()

	if pk == nil {
		return fmt.Errorf("no issuer public key configured")
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(sig), ed25519.SignatureSize)
	}

	if !ed25519.Verify(pk, payload, sig) {
		return ErrBadSignature
	}
	return nil
}
