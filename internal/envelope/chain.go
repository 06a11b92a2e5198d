package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChainBrokenError reports the first bundle at which single-pass chain
// verification failed.
type ChainBrokenError struct {
	AtHash string
	Reason string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("chain broken at %s: %s", e.AtHash, e.Reason)
}

// ChainAppend computes the next link hash for an arbitrary payload:
// SHA256(prev_hash_bytes || SHA256(canonical_json(payload))). prevHashHex
// must be 64 lowercase hex chars; use GenesisPrevHash to start a chain.
func ChainAppend(prevHashHex string, payload any) (string, error) {
	prev, err := hex.DecodeString(prevHashHex)
	if err != nil {
		return "", fmt.Errorf("decode prev hash: %w", err)
	}
	if len(prev) != sha256.Size {
		return "", fmt.Errorf("invalid prev hash size: got %d, want %d", len(prev), sha256.Size)
	}
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	inner := sha256.Sum256(canon)
	h := sha256.New()
	h.Write(prev)
	h.Write(inner[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainVerifyResult summarizes one single-pass verification run.
type ChainVerifyResult struct {
	OK              bool   `json:"ok"`
	BrokenAt        string `json:"broken_at,omitempty"`
	FirstTimestamp  string `json:"first_timestamp,omitempty"`
	LastTimestamp   string `json:"last_timestamp,omitempty"`
	SignaturesValid int    `json:"signatures_valid"`
	SignaturesTotal int    `json:"signatures_total"`
}

// VerifyChain walks bundles in chain order and checks, for each, that
// prev_hash links to the predecessor, that bundle_hash recomputes from
// the bundle content, and that the signature verifies against pub.
// The first bundle must carry the genesis prev_hash unless head is
// given, in which case it must link to head (partial-range verify).
//
// Verification keeps walking after a bad signature so the result carries
// a full valid/total count, but the first structural break stops it.
func VerifyChain(pub ed25519.PublicKey, head string, bundles []*Bundle) ChainVerifyResult {
	res := ChainVerifyResult{OK: true}
	expectPrev := head
	if expectPrev == "" {
		expectPrev = GenesisPrevHash
	}
	for i, b := range bundles {
		if i == 0 {
			res.FirstTimestamp = b.CreatedAt
		}
		res.LastTimestamp = b.CreatedAt
		res.SignaturesTotal++

		if b.PrevHash != expectPrev {
			res.OK = false
			res.BrokenAt = b.BundleHash
			return res
		}
		computed, err := ComputeBundleHash(b)
		if err != nil || computed != b.BundleHash {
			res.OK = false
			res.BrokenAt = b.BundleHash
			return res
		}
		if err := VerifyBundleSignature(pub, b); err == nil {
			res.SignaturesValid++
		} else {
			res.OK = false
			if res.BrokenAt == "" {
				res.BrokenAt = b.BundleHash
			}
		}
		expectPrev = b.BundleHash
	}
	return res
}
