package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiriscare/fleet/internal/envelope"
)

func signedBundle(t *testing.T, priv ed25519.PrivateKey) *envelope.Bundle {
	t.Helper()
	b := &envelope.Bundle{
		BundleID:       "blt-0001",
		SiteID:         "clinic-west",
		ApplianceID:    "app-0001",
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		CheckType:      "firewall_baseline",
		PreState:       map[string]any{"status": "drift", "scope": "local"},
		PostState:      map[string]any{"status": "ok"},
		ActionTaken:    envelope.ActionL1,
		RulesetHash:    strings.Repeat("11", 32),
		DeploymentMode: "direct",
		PrevHash:       envelope.GenesisPrevHash,
	}
	require.NoError(t, envelope.SignBundle(priv, b))
	return b
}

func TestValidateShape(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("well-formed bundle passes", func(t *testing.T) {
		assert.NoError(t, validateShape(signedBundle(t, priv)))
	})

	cases := []struct {
		name   string
		mutate func(*envelope.Bundle)
		detail string
	}{
		{"missing bundle id", func(b *envelope.Bundle) { b.BundleID = "" }, "bundle_id"},
		{"missing identity", func(b *envelope.Bundle) { b.SiteID = "" }, "identity"},
		{"missing created_at", func(b *envelope.Bundle) { b.CreatedAt = "" }, "created_at"},
		{"missing check type", func(b *envelope.Bundle) { b.CheckType = "" }, "check_type"},
		{"unknown action", func(b *envelope.Bundle) { b.ActionTaken = "L9" }, "action_taken"},
		{"short prev hash", func(b *envelope.Bundle) { b.PrevHash = "abc" }, "prev_hash"},
		{"uppercase bundle hash", func(b *envelope.Bundle) { b.BundleHash = strings.ToUpper(b.BundleHash) }, "bundle_hash"},
		{"missing signature", func(b *envelope.Bundle) { b.Signature = "" }, "signature"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := signedBundle(t, priv)
			c.mutate(b)
			err := validateShape(b)
			var violation *ViolationError
			require.ErrorAs(t, err, &violation)
			assert.Contains(t, violation.Detail, c.detail)
		})
	}
}

func TestIsHex64(t *testing.T) {
	assert.True(t, isHex64(strings.Repeat("0", 64)))
	assert.True(t, isHex64(strings.Repeat("9f", 32)))
	assert.False(t, isHex64(strings.Repeat("0", 63)))
	assert.False(t, isHex64(strings.Repeat("0", 65)))
	assert.False(t, isHex64(strings.Repeat("G", 64)))
	assert.False(t, isHex64(strings.Repeat("A", 64)), "uppercase hex is rejected")
	assert.False(t, isHex64(""))
}

func TestDecodePubKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	decoded, err := decodePubKey(hex.EncodeToString(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)

	_, err = decodePubKey("zz")
	assert.Error(t, err)

	_, err = decodePubKey(hex.EncodeToString(pub[:16]))
	assert.Error(t, err, "truncated key")
}

func TestPHICategories(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("clean bundle", func(t *testing.T) {
		assert.Empty(t, phiCategories(signedBundle(t, priv)))
	})

	t.Run("ssn in pre_state", func(t *testing.T) {
		b := signedBundle(t, priv)
		b.PreState["note"] = "patient SSN 123-45-6789 on file"
		assert.Contains(t, phiCategories(b), "ssn")
	})

	t.Run("same category reported once across states", func(t *testing.T) {
		b := signedBundle(t, priv)
		b.PreState["note"] = "call (555) 123-4567"
		b.PostState["note"] = "call 555-987-6543"
		cats := phiCategories(b)
		count := 0
		for _, c := range cats {
			if c == "phone" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})
}

func TestForkAndViolationErrors(t *testing.T) {
	fork := &ForkError{ExpectedHead: strings.Repeat("ab", 32)}
	assert.Contains(t, fork.Error(), strings.Repeat("ab", 32))

	violation := &ViolationError{Detail: "created_at is not RFC3339"}
	assert.Contains(t, violation.Error(), "created_at")
}

func TestDecodeProof(t *testing.T) {
	raw, err := decodeProof("aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), raw)

	_, err = decodeProof("!!!")
	assert.Error(t, err)

	raw, err = decodeProof("")
	require.NoError(t, err)
	assert.Empty(t, raw)
}
