package securevault

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"southwinds.dev/securevault/internal/crypto"
	"southwinds.dev/securevault/internal/misc"
	"southwinds.dev/securevault/keystore"
)

// HKDF info strings separating the two subkeys derived from a master key
const (
	envelopeKeyInfo = "securevault envelope"
	entryKeyInfo    = "securevault entry"
)

const (
	envelopeAADPrefix = "securevault/envelope/v1:"
	entryAADPrefix    = "securevault/entry/v1:"
)

// vaultKeys holds the subkeys of one namespace inside memguard enclaves.
// The master key itself is wiped as soon as both subkeys exist.
type vaultKeys struct {
	envelope *memguard.Enclave
	entry    *memguard.Enclave

	namespace   string
	envelopeAAD []byte
}

// provisionKeys loads the master key for namespace from ks, generating and
// storing a new one when the keystore reports none. The keystore is written at
// most once. The boolean result reports whether a new key was stored.
func provisionKeys(ks keystore.KeyStore, namespace string) (*vaultKeys, bool, error) {
	tag := misc.KeyTag(namespace)
	provErr := func(err error) error {
		return &KeyProvisioningError{Namespace: namespace, Tag: tag, Err: err}
	}

	provisioned := false
	master, err := ks.Retrieve(tag)
	switch {
	case err == nil:
	case errors.Is(err, keystore.ErrKeyNotFound):
		master, err = crypto.GenerateKey()
		if err != nil {
			return nil, false, provErr(err)
		}

		if err = ks.Store(tag, master); err != nil {
			crypto.Wipe(master)
			if !errors.Is(err, keystore.ErrKeyExists) {
				return nil, false, provErr(fmt.Errorf("failed to store key: %w", err))
			}
			// another process created the key first, use theirs
			if master, err = ks.Retrieve(tag); err != nil {
				return nil, false, provErr(err)
			}
		} else {
			provisioned = true
		}
	default:
		return nil, false, provErr(err)
	}
	defer crypto.Wipe(master)

	if len(master) != misc.KeySize {
		return nil, false, provErr(fmt.Errorf("stored key has %d bytes, want %d", len(master), misc.KeySize))
	}

	envelopeKey, err := crypto.DeriveSubkey(master, envelopeKeyInfo)
	if err != nil {
		return nil, false, provErr(err)
	}
	entryKey, err := crypto.DeriveSubkey(master, entryKeyInfo)
	if err != nil {
		crypto.Wipe(envelopeKey)
		return nil, false, provErr(err)
	}

	// NewEnclave wipes the source slices
	return &vaultKeys{
		envelope:    memguard.NewEnclave(envelopeKey),
		entry:       memguard.NewEnclave(entryKey),
		namespace:   namespace,
		envelopeAAD: []byte(envelopeAADPrefix + namespace),
	}, provisioned, nil
}

// entryAAD binds an entry ciphertext to its namespace and key
func (k *vaultKeys) entryAAD(key string) []byte {
	aad := make([]byte, 0, len(entryAADPrefix)+len(k.namespace)+1+len(key))
	aad = append(aad, entryAADPrefix...)
	aad = append(aad, k.namespace...)
	aad = append(aad, 0)
	return append(aad, key...)
}

func (k *vaultKeys) sealEntry(key string, plaintext []byte) ([]byte, error) {
	return sealWithEnclave(k.entry, plaintext, k.entryAAD(key))
}

func (k *vaultKeys) openEntry(key string, sealed []byte) ([]byte, error) {
	return openWithEnclave(k.entry, sealed, k.entryAAD(key))
}

func (k *vaultKeys) sealEnvelope(plaintext []byte) ([]byte, error) {
	return sealWithEnclave(k.envelope, plaintext, k.envelopeAAD)
}

func (k *vaultKeys) openEnvelope(sealed []byte) ([]byte, error) {
	return openWithEnclave(k.envelope, sealed, k.envelopeAAD)
}

func (k *vaultKeys) destroy() {
	k.envelope = nil
	k.entry = nil
}

func sealWithEnclave(enclave *memguard.Enclave, plaintext, aad []byte) ([]byte, error) {
	if enclave == nil {
		return nil, fmt.Errorf("key material has been released")
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()

	return crypto.Seal(buf.Bytes(), plaintext, aad)
}

func openWithEnclave(enclave *memguard.Enclave, sealed, aad []byte) ([]byte, error) {
	if enclave == nil {
		return nil, fmt.Errorf("key material has been released")
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()

	return crypto.Open(buf.Bytes(), sealed, aad)
}
