package securevault

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"southwinds.dev/securevault/audit"
	"southwinds.dev/securevault/internal/codec"
	"southwinds.dev/securevault/keystore"
	"southwinds.dev/securevault/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

// Options configures a vault.
//
// The zero value is usable: envelopes go to the per-user data directory, keys
// to the operating system keyring, nothing is compressed, audited or measured
// and logs are discarded.
type Options struct {
	// Store selects the backend holding the sealed envelope. Used by New and by
	// VaultManager; NewWithStore takes a ready store instead.
	Store persist.StoreConfig `json:"store" yaml:"store"`

	// KeyStore selects where master keys live. Used by New and VaultManager.
	KeyStore keystore.Config `json:"keystore" yaml:"keystore"`

	// Audit configures the audit trail. Nil disables auditing.
	Audit *audit.Config `json:"audit,omitempty" yaml:"audit,omitempty"`

	// Compression applied to the encoded mapping before sealing: "none" or "zstd".
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`

	// EnableMemoryLock asks the OS to keep the process out of swap. Failure to
	// lock is logged, never fatal.
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// Retry controls how a write that lost a version race is replayed
	Retry RetryConfig `json:"retry" yaml:"retry"`

	Logger  *zerolog.Logger `json:"-" yaml:"-"`
	Metrics *Metrics        `json:"-" yaml:"-"`
}

// RetryConfig configures retry behavior for concurrent operations
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	if _, err := codec.ParseCompression(o.Compression); err != nil {
		return err
	}

	if o.Retry.MaxRetries < 0 || o.Retry.BaseDelay < 0 || o.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry settings cannot be negative")
	}

	return nil
}

func (o Options) retryConfig() RetryConfig {
	if o.Retry == (RetryConfig{}) {
		return DefaultRetryConfig()
	}
	return o.Retry
}

func (o Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}
