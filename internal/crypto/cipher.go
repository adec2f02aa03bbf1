package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the size of the random nonce prefixed to every sealed blob
	NonceSize = chacha20poly1305.NonceSizeX

	// Overhead is the total number of bytes Seal adds to a plaintext
	Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var (
	// ErrAuthentication is returned by Open when the tag does not verify, which
	// covers a wrong key, wrong associated data or modified bytes alike.
	ErrAuthentication = errors.New("message authentication failed")

	// ErrCiphertextTooShort is returned by Open for blobs that cannot hold a nonce and tag
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Seal encrypts plaintext with XChaCha20-Poly1305 under key, binding aad.
// The output layout is nonce || ciphertext || tag and a fresh random nonce is
// drawn for every call.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err = rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(out, out[:NonceSize], plaintext, aad), nil
}

// Open reverses Seal. It never returns plaintext unless the tag verifies.
func Open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < Overhead {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// DeriveSubkey expands a master key into an independent key for the given purpose
func DeriveSubkey(master []byte, info string) ([]byte, error) {
	if len(master) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid master key size: %d", len(master))
	}

	stream := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(stream, key); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return key, nil
}

// GenerateKey returns a new random 256-bit key that passes IsWeakKey
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		if !IsWeakKey(key) {
			return key, nil
		}
	}
	return nil, errors.New("random source produced weak keys")
}
