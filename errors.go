package securevault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Lookup for keys that were never set, or deleted,
	// and for namespaces that have not been written yet.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned by operations on a vault after Close
	ErrClosed = errors.New("vault is closed")

	// ErrInvalidKey is returned for keys that are not valid UTF-8
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned for values that are not valid UTF-8
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidNamespace is returned when a namespace could escape its storage location
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// KeyProvisioningError means the master key of a namespace could neither be
// loaded from nor created in the keystore. The vault cannot be used.
type KeyProvisioningError struct {
	Namespace string
	Tag       string
	Err       error
}

func (e *KeyProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision key %s for namespace %s: %v", e.Tag, e.Namespace, e.Err)
}

func (e *KeyProvisioningError) Unwrap() error {
	return e.Err
}

// EncryptionError means sealing failed. Nothing was written.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption failed: %v", e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// Layers at which stored data can fail verification
const (
	LayerEnvelope = "envelope"
	LayerCodec    = "codec"
	LayerEntry    = "entry"
)

// CorruptedError means stored data failed authentication or could not be decoded.
// Layer tells which of the envelope, the decoded mapping or a single entry was bad.
type CorruptedError struct {
	Layer string
	Err   error
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("vault data corrupted at %s layer: %v", e.Layer, e.Err)
}

func (e *CorruptedError) Unwrap() error {
	return e.Err
}

// PersistenceError means the backing store could not be read or written
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s envelope: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsCorrupted reports whether err signals tampered or undecodable vault data
func IsCorrupted(err error) bool {
	var ce *CorruptedError
	return errors.As(err, &ce)
}
