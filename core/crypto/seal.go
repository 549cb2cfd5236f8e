package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the XChaCha20-Poly1305 key size.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the random nonce prepended to every sealed message.
	NonceSize = chacha20poly1305.NonceSizeX
	// Overhead is the total bytes Seal adds to a plaintext.
	Overhead = NonceSize + chacha20poly1305.Overhead

	hkdfSalt = "meshchat-bridge-v1"
)

var (
	ErrEmptyPassphrase = errors.New("empty passphrase")
	ErrSealedTooShort  = errors.New("sealed message too short")
	ErrOpenFailed      = errors.New("message authentication failed")
)

// Sealer encrypts and authenticates bridge payloads. Output is
// [nonce(24) || ciphertext || tag(16)].
type Sealer struct {
	aead cipher.AEAD
}

// DeriveKey expands secret into a KeySize key bound to info.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, []byte(hkdfSalt), []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// NewSealer creates a Sealer from a raw KeySize key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewPassphraseSealer derives a channel key shared by everyone who knows
// passphrase. channel separates keys for different bridges.
func NewPassphraseSealer(passphrase, channel string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	key, err := DeriveKey([]byte(passphrase), "channel:"+channel)
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// NewPairwiseSealer derives a key only id and the holder of peer's private
// key can compute.
func NewPairwiseSealer(id *Identity, peer []byte) (*Sealer, error) {
	secret, err := id.SharedSecret(peer)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(secret, "pairwise")
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, Overhead+len(plaintext))
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open verifies and decrypts a message produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, ErrSealedTooShort
	}
	plaintext, err := s.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
