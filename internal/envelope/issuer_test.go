package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
)

func TestIssuerVerifierRoundTrip(t *testing.T) {
	pub, priv := testKeypair(t)

	payload, err := CanonicalJSON(map[string]any{
		"order_id":    "01J0ORDER",
		"runbook_id":  "RB-WIN-SEC-001",
		"issued_at":   "2026-03-01T12:00:00Z",
		"ttl_seconds": 900,
	})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	sig := Sign(priv, payload)

	v := NewIssuerVerifier(hex.EncodeToString(pub))
	if !v.HasKey() {
		t.Fatal("verifier should have key")
	}
	if err := v.VerifyPayload(payload, sig); err != nil {
		t.Fatalf("verify valid payload: %v", err)
	}

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = 'X'
	if err := v.VerifyPayload(tampered, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered payload: got %v, want ErrBadSignature", err)
	}
}

func TestIssuerVerifierNoKey(t *testing.T) {
	v := NewIssuerVerifier("")
	if v.HasKey() {
		t.Fatal("empty verifier should have no key")
	}
	if err := v.VerifyPayload([]byte("{}"), "00"); err == nil {
		t.Error("expected error with no key configured")
	}
}

func TestIssuerVerifierRejectsBadKey(t *testing.T) {
	v := NewIssuerVerifier("")
	if err := v.SetPublicKey("not-hex"); err == nil {
		t.Error("expected error for non-hex key")
	}
	if err := v.SetPublicKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestLoadOrCreateSigningKeyPersistsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")

	priv1, pub1, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	priv2, pub2, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if pub1 != pub2 {
		t.Errorf("public key changed across reload: %s vs %s", pub1, pub2)
	}
	if !priv1.Equal(priv2) {
		t.Error("private key changed across reload")
	}
	if _, ok := priv1.Public().(ed25519.PublicKey); !ok {
		t.Error("unexpected key type")
	}
}

func TestLoadSigningKeyRequiresFile(t *testing.T) {
	if _, _, err := LoadSigningKey(filepath.Join(t.TempDir(), "missing.key")); err == nil {
		t.Error("expected error for missing issuer key")
	}
}
