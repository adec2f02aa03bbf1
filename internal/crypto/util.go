package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"southwinds.dev/securevault/internal/misc"
)

// EncryptWithPassphrase encrypts data using a passphrase with Argon2id + XChaCha20-Poly1305.
// The output is salt || nonce || ciphertext || tag.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}

	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DeriveKey([]byte(passphrase), salt)
	defer key.Destroy()

	sealed, err := Seal(key.Bytes(), data, salt)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 0, len(salt)+len(sealed))
	result = append(result, salt...)
	return append(result, sealed...), nil
}

// DecryptWithPassphrase decrypts data produced by EncryptWithPassphrase
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < misc.SaltSize+Overhead {
		return nil, ErrCiphertextTooShort
	}

	salt := encryptedData[:misc.SaltSize]
	key := DeriveKey([]byte(passphrase), salt)
	defer key.Destroy()

	plaintext, err := Open(key.Bytes(), encryptedData[misc.SaltSize:], salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// DeriveKey stretches a passphrase with Argon2id and returns the result in a locked buffer
func DeriveKey(password, salt []byte) *memguard.LockedBuffer {
	derivedKey := argon2.IDKey(
		password,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// NewBufferFromBytes wipes derivedKey
	return memguard.NewBufferFromBytes(derivedKey)
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Wipe zeroes b in place
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}

func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// a uniformly random 32 byte key has far more than 16 distinct values
	uniqueBytes := make(map[byte]struct{})
	for _, b := range key {
		uniqueBytes[b] = struct{}{}
	}
	return len(uniqueBytes) < 16
}
