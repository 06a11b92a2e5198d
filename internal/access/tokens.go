package access

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/osiriscare/fleet/internal/store"
)

// Portal token scopes. Both are read-only; verify-chain additionally
// allows the full-chain verification endpoint.
const (
	ScopeRead        = "read"
	ScopeVerifyChain = "verify-chain"
)

// ErrTokenInvalid covers unknown, malformed and expired tokens alike
// so callers cannot probe which one it was.
var ErrTokenInvalid = errors.New("portal token invalid or expired")

// MintToken creates a portal token bound to one site and scope. The
// plaintext is returned exactly once; only its SHA-256 is stored.
func MintToken(ctx context.Context, st *store.Store, siteID, scope string, ttl time.Duration) (string, *store.Token, error) {
	if scope != ScopeRead && scope != ScopeVerifyChain {
		return "", nil, fmt.Errorf("scope %q: must be %q or %q", scope, ScopeRead, ScopeVerifyChain)
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("token ttl must be positive")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	now := time.Now().UTC()
	tok := &store.Token{
		TokenHash: hashToken(plaintext),
		SiteID:    siteID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := st.InsertToken(ctx, tok); err != nil {
		return "", nil, fmt.Errorf("store token: %w", err)
	}
	return plaintext, tok, nil
}

// AuthenticateToken resolves a presented token to its site and scope.
func AuthenticateToken(ctx context.Context, st *store.Store, plaintext string) (*store.Token, error) {
	if len(plaintext) != 64 {
		return nil, ErrTokenInvalid
	}
	if _, err := hex.DecodeString(plaintext); err != nil {
		return nil, ErrTokenInvalid
	}

	tok, err := st.LookupToken(ctx, hashToken(plaintext), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrTokenInvalid
	}
	return tok, nil
}

// TokenAllows reports whether a token's scope covers the named scope.
// verify-chain implies read.
func TokenAllows(tok *store.Token, scope string) bool {
	if tok.Scope == scope {
		return true
	}
	return tok.Scope == ScopeVerifyChain && scope == ScopeRead
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
