package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func testBundle(t *testing.T, priv ed25519.PrivateKey, prevHash, checkType string) *Bundle {
	t.Helper()
	b := &Bundle{
		BundleID:       "01J0TESTBUNDLE" + checkType,
		SiteID:         "site-001",
		ApplianceID:    "app-aa:bb:cc",
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		CheckType:      checkType,
		PreState:       map[string]any{"status": "ok"},
		PostState:      map[string]any{"status": "ok"},
		ActionTaken:    ActionNone,
		RulesetHash:    "abc123",
		NixosRevision:  "24.05.1234",
		DeploymentMode: "direct",
		PrevHash:       prevHash,
	}
	if err := SignBundle(priv, b); err != nil {
		t.Fatalf("sign bundle: %v", err)
	}
	return b
}

func buildChain(t *testing.T, priv ed25519.PrivateKey, n int) []*Bundle {
	t.Helper()
	bundles := make([]*Bundle, 0, n)
	prev := GenesisPrevHash
	types := []string{"service_health", "firewall_baseline", "patch_state", "time_sync"}
	for i := 0; i < n; i++ {
		b := testBundle(t, priv, prev, types[i%len(types)])
		bundles = append(bundles, b)
		prev = b.BundleHash
	}
	return bundles
}

func TestBundleHashExcludesMutableFields(t *testing.T) {
	_, priv := testKeypair(t)
	b := testBundle(t, priv, GenesisPrevHash, "service_health")

	h1 := b.BundleHash
	b.Signature = "tampered-after-hash"
	b.ExternalTimestamp = &ExternalTimestamp{AuthorityURL: "https://ts.example", State: StampPending}
	h2, err := ComputeBundleHash(b)
	if err != nil {
		t.Fatalf("ComputeBundleHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash changed when mutable fields changed: %s vs %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash not lowercase 64-hex: %q", h1)
	}
}

func TestSignAndVerifyBundle(t *testing.T) {
	pub, priv := testKeypair(t)
	b := testBundle(t, priv, GenesisPrevHash, "service_health")

	if err := VerifyBundleSignature(pub, b); err != nil {
		t.Fatalf("verify freshly signed bundle: %v", err)
	}

	otherPub, _ := testKeypair(t)
	if err := VerifyBundleSignature(otherPub, b); err == nil {
		t.Error("expected failure with wrong public key")
	}
}

func TestVerifyChainOK(t *testing.T) {
	pub, priv := testKeypair(t)
	bundles := buildChain(t, priv, 6)

	res := VerifyChain(pub, "", bundles)
	if !res.OK {
		t.Fatalf("expected ok chain, broken at %s", res.BrokenAt)
	}
	if res.SignaturesValid != 6 || res.SignaturesTotal != 6 {
		t.Errorf("signatures %d/%d, want 6/6", res.SignaturesValid, res.SignaturesTotal)
	}
	if res.FirstTimestamp == "" || res.LastTimestamp == "" {
		t.Error("timestamps not populated")
	}
}

func TestVerifyChainDetectsMutation(t *testing.T) {
	pub, priv := testKeypair(t)

	// Mutating any field of any bundle must flip verify to broken_at.
	mutations := []struct {
		name   string
		mutate func(b *Bundle)
	}{
		{"pre_state", func(b *Bundle) { b.PreState["status"] = "tampered" }},
		{"action", func(b *Bundle) { b.ActionTaken = ActionL1 }},
		{"created_at", func(b *Bundle) { b.CreatedAt = "2030-01-01T00:00:00Z" }},
		{"prev_hash", func(b *Bundle) { b.PrevHash = strings.Repeat("f", 64) }},
		{"signature", func(b *Bundle) { b.Signature = "QkFEU0lH" + b.Signature[8:] }},
	}

	for _, m := range mutations {
		bundles := buildChain(t, priv, 5)
		m.mutate(bundles[2])
		res := VerifyChain(pub, "", bundles)
		if res.OK {
			t.Errorf("%s: mutation not detected", m.name)
		}
		if res.BrokenAt == "" {
			t.Errorf("%s: broken_at not set", m.name)
		}
	}
}

func TestVerifyChainRequiresGenesis(t *testing.T) {
	pub, priv := testKeypair(t)
	bundles := buildChain(t, priv, 3)

	// Dropping the genesis bundle breaks the link for a full verify...
	res := VerifyChain(pub, "", bundles[1:])
	if res.OK {
		t.Error("chain missing genesis should not verify from scratch")
	}

	// ...but verifies as a range when the head is supplied.
	res = VerifyChain(pub, bundles[0].BundleHash, bundles[1:])
	if !res.OK {
		t.Errorf("range verify from head failed at %s", res.BrokenAt)
	}
}

func TestChainAppendLinksPayloads(t *testing.T) {
	h1, err := ChainAppend(GenesisPrevHash, map[string]any{"seq": 1})
	if err != nil {
		t.Fatalf("ChainAppend: %v", err)
	}
	h2, err := ChainAppend(h1, map[string]any{"seq": 2})
	if err != nil {
		t.Fatalf("ChainAppend: %v", err)
	}
	if h1 == h2 {
		t.Error("distinct payloads produced identical hashes")
	}
	// Same inputs reproduce the same hash.
	again, err := ChainAppend(GenesisPrevHash, map[string]any{"seq": 1})
	if err != nil {
		t.Fatalf("ChainAppend: %v", err)
	}
	if again != h1 {
		t.Errorf("chain append not deterministic: %s vs %s", again, h1)
	}
}

func TestChainAppendRejectsBadPrevHash(t *testing.T) {
	if _, err := ChainAppend("zz", map[string]any{}); err == nil {
		t.Error("expected error for invalid prev hash")
	}
	if _, err := ChainAppend("abcd", map[string]any{}); err == nil {
		t.Error("expected error for short prev hash")
	}
}
