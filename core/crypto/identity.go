package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidPubKeySize = errors.New("invalid public key size: expected 32 bytes")
	ErrInvalidSeedSize   = errors.New("invalid seed size: expected 32 bytes")
)

// Identity is the Ed25519 key pair a bridge endpoint signs and agrees keys
// with. Pairwise sealing converts it to X25519 for ECDH.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateIdentity creates a random identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// IdentityFromSeed rebuilds an identity from its 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeedSize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// IdentityFromHex parses a hex-encoded 32-byte seed, as stored in config.
func IdentityFromHex(s string) (*Identity, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding identity seed: %w", err)
	}
	return IdentityFromSeed(seed)
}

// Fingerprint is a short hex label for the public key, used in topics and logs.
func (id *Identity) Fingerprint() string {
	return hex.EncodeToString(id.PublicKey[:8])
}

// SharedSecret runs X25519 between this identity and a peer's Ed25519
// public key. Both sides derive the same 32 bytes.
func (id *Identity) SharedSecret(peer []byte) ([]byte, error) {
	if len(peer) != ed25519.PublicKeySize {
		return nil, ErrInvalidPubKeySize
	}
	point, err := new(edwards25519.Point).SetBytes(peer)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}

	secret, err := curve25519.X25519(montgomeryScalar(id.PrivateKey), point.BytesMontgomery())
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}
	return secret, nil
}

// montgomeryScalar derives the clamped X25519 scalar from an Ed25519 key
// (RFC 8032 section 5.1.5).
func montgomeryScalar(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}
