package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by LoadEnvelope when nothing has been written for the namespace yet
var ErrNotFound = errors.New("envelope not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, revision number, or content hash
	Timestamp time.Time
}

// Store persists the single sealed envelope of one namespace.
// All data passed to a Store is already encrypted by the vault layer, and a
// Store never interprets it.
type Store interface {

	// Namespaces

	// ListNamespaces returns the namespaces that have an envelope in the backing location.
	// Returns:
	// - A sorted slice of namespaces.
	// - An error if the backend cannot be listed.
	ListNamespaces() ([]string, error)

	// Namespace returns the namespace this store was opened for.
	Namespace() string

	// Envelope operations

	// SaveEnvelope replaces the envelope in full. Readers observe either the
	// previous bytes or the new bytes, never a mix.
	// Parameters:
	// - data: The sealed envelope.
	// - expectedVersion: When non-empty, the save fails with ConcurrencyError
	//   unless it matches the version currently stored. VersionAbsent creates
	//   the envelope only if none exists yet. Empty skips the check.
	// Returns:
	// - The version of the newly written envelope.
	// - An error if the operation fails, in which case the prior envelope is untouched.
	SaveEnvelope(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadEnvelope retrieves the envelope.
	// Returns:
	// - The envelope with its version.
	// - ErrNotFound if no envelope was ever written.
	LoadEnvelope() (*VersionedData, error)

	// EnvelopeExists checks if an envelope is present.
	EnvelopeExists() (bool, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType returns the type of store being used (e.g. "filesystem", "s3").
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/vaults"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type" yaml:"type"`

	// Config contains settings specific to the chosen backend, e.g. "base_path"
	// for the filesystem or "bucket" and "endpoint" for S3.
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeMongoDB    StoreType = "mongodb"
)

// VersionAbsent is the expected version of an envelope that was never written.
// No backend issues it as a real version.
const VersionAbsent = "absent"

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

func versionConflict(expected, actual string) error {
	if actual == "" {
		actual = VersionAbsent
	}
	return ConcurrencyError{
		ExpectedVersion: expected,
		ActualVersion:   actual,
		Operation:       "SaveEnvelope",
	}
}

// IsConcurrencyError reports whether err, or any error it wraps, is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var ce ConcurrencyError
	return errors.As(err, &ce)
}
