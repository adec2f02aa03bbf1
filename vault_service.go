// Package securevault provides an encrypted, persistent key-value vault for
// small secrets such as tokens and credentials.
//
// Each vault is bound to a namespace. Its entries live in a single sealed
// envelope held by a persist.Store, while the namespace master key lives in a
// keystore.KeyStore (the operating system keyring by default). Every value is
// sealed on its own and the whole mapping is sealed again, both layers with
// XChaCha20-Poly1305 and associated data that ties ciphertexts to the
// namespace and key they were written for.
//
// Operations on one vault run strictly one at a time in submission order.
// Vaults of different namespaces are fully independent.
//
// Basic Usage:
//
//	v, err := securevault.New(securevault.Options{}, "tokens")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer v.Close()
//
//	if err := v.Set(ctx, "api", "s3cr3t"); err != nil {
//	    log.Fatal(err)
//	}
//	token, ok := v.Get(ctx, "api")
package securevault

import (
	"context"
	"time"
)

// State is the lifecycle stage of a vault
type State int32

const (
	// StateUninitialized means no key has been resolved yet
	StateUninitialized State = iota
	// StateKeyProvisioned means the master key is loaded but the store has not been checked
	StateKeyProvisioned
	// StateReady means the vault serves operations
	StateReady
	// StateClosed means Close has run. It is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateKeyProvisioned:
		return "key_provisioned"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status describes a vault without revealing any of its contents
type Status struct {
	Namespace        string    `json:"namespace" yaml:"namespace"`
	State            string    `json:"state" yaml:"state"`
	StoreType        string    `json:"store_type" yaml:"store_type"`
	Exists           bool      `json:"exists" yaml:"exists"`
	Entries          int       `json:"entries" yaml:"entries"`
	EnvelopeBytes    int       `json:"envelope_bytes" yaml:"envelope_bytes"`
	Version          string    `json:"version,omitempty" yaml:"version,omitempty"`
	Checksum         string    `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Compression      string    `json:"compression" yaml:"compression"`
	MemoryProtection string    `json:"memory_protection" yaml:"memory_protection"`
	KeyProvisioned   bool      `json:"key_provisioned" yaml:"key_provisioned"`
	OpenedAt         time.Time `json:"opened_at" yaml:"opened_at"`
}

// VaultService is the public contract of a namespace vault.
//
// Every method that takes a context only honours cancellation while the call
// waits for its turn. Once an operation starts it runs to completion.
type VaultService interface {
	// Set stores value under key, replacing any previous value.
	// The change is durable when Set returns nil.
	Set(ctx context.Context, key, value string) error

	// Get returns the value stored under key. Absence, corruption and storage
	// failures all yield ("", false); use Lookup to tell them apart.
	Get(ctx context.Context, key string) (string, bool)

	// Lookup returns the value stored under key or an error matching
	// ErrNotFound, *CorruptedError or *PersistenceError.
	Lookup(ctx context.Context, key string) (string, error)

	// Delete removes key and reports whether it was present.
	// Nothing is written when the key is absent.
	Delete(ctx context.Context, key string) (bool, error)

	// Status reports envelope statistics for the namespace
	Status(ctx context.Context) (Status, error)

	// Namespace returns the namespace the vault is bound to
	Namespace() string

	// State returns the current lifecycle state
	State() State

	// Close drains queued operations, releases key material and closes the
	// store and audit logger. Operations after Close return ErrClosed.
	Close() error
}
