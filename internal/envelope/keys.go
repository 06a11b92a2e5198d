package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateSigningKey loads an Ed25519 private key from path, or
// generates a new one if the file doesn't exist. The file holds the
// 32-byte seed, mode 0600 in a 0700 directory; the private key itself
// never leaves the process. Returns the private key and the hex-encoded
// public key.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, string, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(data)
		pub := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
		return priv, pub, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0600); err != nil {
		return nil, "", fmt.Errorf("write key: %w", err)
	}

	return priv, hex.EncodeToString(pub), nil
}

// LoadSigningKey loads an existing seed file and fails if it is absent
// or malformed. The plane uses this for its issuer key, which must be
// provisioned out of band rather than minted on first boot.
func LoadSigningKey(path string) (ed25519.PrivateKey, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read signing key: %w", err)
	}
	if len(data) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("invalid seed size: got %d, want %d", len(data), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(data)
	pub := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	return priv, pub, nil
}

// ParsePublicKeyHex decodes a hex-encoded Ed25519 public key.
func ParsePublicKeyHex(hexKey string) (ed25519.PublicKey, error) {
	pubBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key hex: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: got %d, want %d", len(pubBytes), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(pubBytes), nil
}
