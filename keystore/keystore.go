// Package keystore holds vault master keys outside the vault's own storage.
//
// A KeyStore maps an opaque tag to a secret byte string. Vaults derive the tag
// from their namespace, ask for the key once on open and store a freshly
// generated key when none exists yet.
package keystore

import (
	"errors"
	"fmt"
	"strings"
)

// KeyStore provides access to vault master keys.
// Implementations must be safe for concurrent use.
type KeyStore interface {
	// Store saves key under tag.
	Store(tag string, key []byte) error

	// Retrieve loads the key saved under tag.
	// Returns an error matching ErrKeyNotFound when nothing is stored under tag.
	Retrieve(tag string) ([]byte, error)
}

var (
	// ErrKeyNotFound indicates no key is stored under the requested tag
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by stores that refuse to replace an existing key
	ErrKeyExists = errors.New("key already exists")

	// ErrInvalidPermissions indicates the key file is readable by other users
	ErrInvalidPermissions = errors.New("insecure file permissions: file accessible to other users")

	// ErrPassphraseRequired indicates a wrapped key was found but no passphrase configured
	ErrPassphraseRequired = errors.New("key is passphrase protected but no passphrase was provided")
)

// KeyNotFoundError carries the tag that was looked up.
type KeyNotFoundError struct {
	Tag string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found for tag %s", e.Tag)
}

// Is allows errors.Is to match against ErrKeyNotFound.
func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// Type identifies a KeyStore backend
type Type string

const (
	TypeKeyring Type = "keyring"
	TypeFile    Type = "file"
	TypeMemory  Type = "memory"
)

// Config selects and configures a KeyStore backend
type Config struct {
	Type Type `json:"type" yaml:"type"`

	// Service is the keyring service name; defaults to "securevault"
	Service string `json:"service,omitempty" yaml:"service,omitempty"`

	// Path is the key directory of the file backend
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Passphrase optionally wraps keys written by the file backend
	Passphrase string `json:"-" yaml:"-"`
}

// New builds the KeyStore described by config
func New(config Config) (KeyStore, error) {
	switch config.Type {
	case TypeKeyring, "":
		return NewKeyringStore(config.Service), nil
	case TypeFile:
		return NewFileKeyStore(config.Path, config.Passphrase), nil
	case TypeMemory:
		return NewMemoryKeyStore(), nil
	default:
		return nil, fmt.Errorf("unsupported keystore type: %s", config.Type)
	}
}

func validateTag(tag string) error {
	if tag == "" {
		return errors.New("tag cannot be empty")
	}
	if strings.Contains(tag, "..") || strings.ContainsAny(tag, "/\\ \t\n") {
		return fmt.Errorf("tag %q contains invalid characters", tag)
	}
	return nil
}
