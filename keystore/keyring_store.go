package keystore

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const defaultService = "securevault"

// KeyringStore keeps keys in the operating system credential store
// (macOS Keychain, Secret Service on Linux, Windows Credential Manager).
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = defaultService
	}
	return &KeyringStore{service: service}
}

func (s *KeyringStore) Store(tag string, key []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}
	if err := keyring.Set(s.service, tag, base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("write keyring item %s: %w", tag, err)
	}
	return nil
}

func (s *KeyringStore) Retrieve(tag string) ([]byte, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}

	secret, err := keyring.Get(s.service, tag)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, &KeyNotFoundError{Tag: tag}
		}
		return nil, fmt.Errorf("read keyring item %s: %w", tag, err)
	}

	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode keyring item %s: %w", tag, err)
	}
	return key, nil
}
