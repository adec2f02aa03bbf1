package securevault

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"southwinds.dev/securevault/audit"
	"southwinds.dev/securevault/internal/codec"
	"southwinds.dev/securevault/internal/crypto"
	"southwinds.dev/securevault/internal/mem"
	"southwinds.dev/securevault/internal/misc"
	"southwinds.dev/securevault/keystore"
	"southwinds.dev/securevault/persist"
)

var errInvalidUTF8 = errors.New("plaintext is not valid UTF-8")

// request is one operation queued for the vault goroutine
type request struct {
	run   func()
	done  chan struct{}
	final bool
}

// Vault an implementation of VaultService that keeps one namespace in a single
// doubly sealed envelope.
type Vault struct {
	namespace string
	store     persist.Store
	keys      *vaultKeys
	codec     *codec.Codec

	// Memory protection
	memoryProtectionLevel mem.ProtectionLevel
	keyProvisioned        bool
	openedAt              time.Time

	audit   audit.Logger
	logger  zerolog.Logger
	metrics *Metrics
	retry   RetryConfig

	state     atomic.Int32
	requests  chan request
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// snapshot is the decoded content of an envelope together with its store version
type snapshot struct {
	entries map[string][]byte
	version string
	size    int
	exists  bool
	sealed  []byte
}

// New opens the vault of namespace using the store, keystore and audit trail
// described by options. An empty namespace selects misc.DefaultNamespace.
//
// A process must not hold two vaults for the same namespace at once unless they
// come from the same VaultManager; writes of the second one would only ever
// succeed by retrying against the first.
//
// Example:
//
//	v, err := securevault.New(securevault.Options{
//	    Store: persist.StoreConfig{
//	        Type:   persist.StoreTypeFileSystem,
//	        Config: map[string]interface{}{"base_path": "/var/lib/app"},
//	    },
//	    Compression: "zstd",
//	}, "tokens")
//	if err != nil {
//	    return fmt.Errorf("failed to open vault: %w", err)
//	}
//	defer v.Close()
func New(options Options, namespace string) (VaultService, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	namespace, err := resolveNamespace(namespace)
	if err != nil {
		return nil, err
	}

	store, err := persist.NewStore(options.Store, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	ks, err := keystore.New(options.KeyStore)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create keystore: %w", err)
	}

	auditLogger, err := newAuditLogger(options.Audit, namespace)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	v, err := NewWithStore(options, store, ks, auditLogger)
	if err != nil {
		_ = store.Close()
		_ = auditLogger.Close()
		return nil, err
	}
	return v, nil
}

// NewWithStore creates a vault on top of a ready storage backend, keystore and audit logger.
//
// The function performs the following initialization steps:
//  1. Validates configuration options
//  2. Attempts to lock process memory when asked to (best-effort)
//  3. Loads the namespace master key, generating and storing one on first use
//  4. Derives the envelope and entry subkeys into memguard enclaves
//  5. Tests storage backend connectivity
//  6. Starts the goroutine that executes operations in submission order
//
// Parameters:
//   - options: Configuration options for the vault
//   - store: Storage backend bound to the vault namespace
//   - keyStore: Holder of the namespace master key
//   - auditLogger: Logger for security events (nil creates a no-op logger)
//
// Returns:
//   - VaultService: Vault in StateReady
//   - error: *KeyProvisioningError when the key can neither be loaded nor
//     created, a wrapped *PersistenceError when the store is unreachable, or a
//     validation error
//
// The vault takes ownership of store and auditLogger and closes both in Close.
// Nothing is read from the envelope until the first operation, so a corrupted
// envelope does not prevent opening.
func NewWithStore(options Options, store persist.Store, keyStore keystore.KeyStore, auditLogger audit.Logger) (VaultService, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if keyStore == nil {
		return nil, fmt.Errorf("keystore is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	namespace := store.Namespace()
	if err := misc.ValidateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNamespace, err)
	}

	// Validate accepted the name already
	compression, _ := codec.ParseCompression(options.Compression)
	c, err := codec.New(compression)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	v := &Vault{
		namespace:             namespace,
		store:                 store,
		codec:                 c,
		memoryProtectionLevel: mem.ProtectionPartial,
		audit:                 auditLogger,
		logger:                options.logger().With().Str("namespace", namespace).Logger(),
		metrics:               options.Metrics,
		retry:                 options.retryConfig(),
		requests:              make(chan request),
		stopped:               make(chan struct{}),
	}
	v.state.Store(int32(StateUninitialized))

	// A failure here is not fatal, the enclaves still protect key material
	if options.EnableMemoryLock {
		level, lockErr := mem.Lock()
		if lockErr != nil {
			v.logger.Warn().Err(lockErr).Str("protection", level.String()).Msg("cannot fully protect memory")
		}
		v.memoryProtectionLevel = level
	}

	requestID := newRequestID()

	keys, provisioned, err := provisionKeys(keyStore, namespace)
	if err != nil {
		v.logAudit(requestID, audit.ActionKeyLoaded, err, map[string]interface{}{
			"tag": misc.KeyTag(namespace),
		})
		v.logger.Error().Err(err).Msg("key provisioning failed")
		_ = c.Close()
		return nil, err
	}
	v.keys = keys
	v.keyProvisioned = provisioned
	v.state.Store(int32(StateKeyProvisioned))

	keyAction := audit.ActionKeyLoaded
	if provisioned {
		keyAction = audit.ActionKeyProvisioned
	}
	v.logAudit(requestID, keyAction, nil, map[string]interface{}{
		"tag": misc.KeyTag(namespace),
	})

	if err = store.Ping(); err != nil {
		keys.destroy()
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to storage backend: %w", &PersistenceError{Op: "ping", Err: err})
	}

	v.openedAt = time.Now().UTC()
	v.state.Store(int32(StateReady))
	go v.run()

	v.logAudit(requestID, audit.ActionVaultOpen, nil, map[string]interface{}{
		"store_type":        store.GetType(),
		"memory_protection": v.memoryProtectionLevel.String(),
		"compression":       compression.String(),
		"key_provisioned":   provisioned,
	})
	v.logger.Info().
		Str("store_type", store.GetType()).
		Str("compression", compression.String()).
		Bool("key_provisioned", provisioned).
		Msg("vault opened")

	return v, nil
}

// Set stores value under key, replacing any previous value.
//
// The value is sealed on its own with the entry subkey, bound to the namespace
// and key, then the current envelope is read, the entry inserted and the whole
// mapping sealed and written back under the version that was read. Losing a
// version race replays the read-modify-write cycle with backoff.
//
// Error Conditions:
//   - ErrInvalidKey or ErrInvalidValue for strings that are not valid UTF-8
//   - *EncryptionError when sealing fails
//   - *CorruptedError when the existing envelope fails to authenticate or decode;
//     the envelope is left as it is rather than replaced by an empty one
//   - *PersistenceError when the store cannot be read or written
//   - ErrClosed after Close, or ctx.Err() when ctx ends before the operation starts
func (v *Vault) Set(ctx context.Context, key, value string) error {
	var err error
	if qerr := v.submit(ctx, func() { err = v.set(key, value) }); qerr != nil {
		return qerr
	}
	return err
}

// Get returns the value stored under key.
//
// Get is fail-soft: a key that was never set, a namespace that was never
// written and any corruption or storage failure all yield ("", false). Failures
// are logged and audited. Callers that need the reason use Lookup.
func (v *Vault) Get(ctx context.Context, key string) (string, bool) {
	var (
		value string
		err   error
	)
	if qerr := v.submit(ctx, func() { value, err = v.read("get", key) }); qerr != nil {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return value, true
}

// Lookup returns the value stored under key.
//
// Error Conditions:
//   - ErrNotFound for absent keys and never written namespaces
//   - *CorruptedError with Layer envelope, codec or entry when stored data fails
//     authentication or decoding, including entries moved between keys
//   - *PersistenceError when the store cannot be read
func (v *Vault) Lookup(ctx context.Context, key string) (string, error) {
	var (
		value string
		err   error
	)
	if qerr := v.submit(ctx, func() { value, err = v.read("lookup", key) }); qerr != nil {
		return "", qerr
	}
	return value, err
}

// Delete removes key and reports whether it was present. The envelope is only
// rewritten when the key existed.
func (v *Vault) Delete(ctx context.Context, key string) (bool, error) {
	var (
		existed bool
		err     error
	)
	if qerr := v.submit(ctx, func() { existed, err = v.remove(key) }); qerr != nil {
		return false, qerr
	}
	return existed, err
}

// Status reports envelope statistics without decrypting any entry
func (v *Vault) Status(ctx context.Context) (Status, error) {
	var (
		st  Status
		err error
	)
	if qerr := v.submit(ctx, func() { st, err = v.status() }); qerr != nil {
		return Status{}, qerr
	}
	return st, err
}

func (v *Vault) Namespace() string {
	return v.namespace
}

func (v *Vault) State() State {
	return State(v.state.Load())
}

// Close shuts the vault down.
//
// Operations queued before Close still run. Then the key enclaves are released,
// the codec, store and audit logger closed and the vault moves to StateClosed.
// Any operation submitted afterwards returns ErrClosed. Calling Close again is
// a no-op that returns nil.
//
// Example:
//
//	defer func() {
//	    if err := v.Close(); err != nil {
//	        log.Printf("vault cleanup failed: %v", err)
//	    }
//	}()
func (v *Vault) Close() error {
	v.closeOnce.Do(func() {
		done := make(chan struct{})
		v.requests <- request{run: func() { v.closeErr = v.shutdown() }, done: done, final: true}
		<-done
	})
	return v.closeErr
}

// run executes queued operations one at a time until the final request
func (v *Vault) run() {
	defer close(v.stopped)
	for req := range v.requests {
		req.run()
		close(req.done)
		if req.final {
			return
		}
	}
}

// submit queues fn and waits for it to finish. Blocked senders on a channel
// are served in arrival order, which keeps operations FIFO.
func (v *Vault) submit(ctx context.Context, fn func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	select {
	case v.requests <- request{run: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-v.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

func (v *Vault) set(key, value string) (err error) {
	requestID := newRequestID()
	started := time.Now()
	defer func() {
		v.finish(requestID, "set", audit.ActionSecretSet, key, started, err, nil)
	}()

	if !utf8.ValidString(key) {
		return ErrInvalidKey
	}
	if !utf8.ValidString(value) {
		return ErrInvalidValue
	}

	plaintext := []byte(value)
	sealed, err := v.keys.sealEntry(key, plaintext)
	crypto.Wipe(plaintext)
	if err != nil {
		return &EncryptionError{Err: err}
	}

	return v.withRetry("set", func() error {
		snap, err := v.load()
		if err != nil {
			return err
		}
		snap.entries[key] = sealed
		return v.save(snap)
	})
}

func (v *Vault) read(op, key string) (value string, err error) {
	requestID := newRequestID()
	started := time.Now()
	defer func() {
		v.finish(requestID, op, audit.ActionSecretGet, key, started, err, nil)
	}()

	snap, err := v.load()
	if err != nil {
		return "", err
	}

	sealed, ok := snap.entries[key]
	if !ok {
		return "", ErrNotFound
	}

	plaintext, err := v.keys.openEntry(key, sealed)
	if err != nil {
		return "", &CorruptedError{Layer: LayerEntry, Err: err}
	}
	defer crypto.Wipe(plaintext)

	if !utf8.Valid(plaintext) {
		return "", &CorruptedError{Layer: LayerEntry, Err: errInvalidUTF8}
	}
	return string(plaintext), nil
}

func (v *Vault) remove(key string) (existed bool, err error) {
	requestID := newRequestID()
	started := time.Now()
	defer func() {
		v.finish(requestID, "delete", audit.ActionSecretDelete, key, started, err, map[string]interface{}{
			"existed": existed,
		})
	}()

	err = v.withRetry("delete", func() error {
		existed = false
		snap, err := v.load()
		if err != nil {
			return err
		}
		if _, ok := snap.entries[key]; !ok {
			return nil
		}
		delete(snap.entries, key)
		if err = v.save(snap); err != nil {
			return err
		}
		existed = true
		return nil
	})
	return existed, err
}

func (v *Vault) status() (Status, error) {
	st := Status{
		Namespace:        v.namespace,
		State:            v.State().String(),
		StoreType:        v.store.GetType(),
		Compression:      v.codec.Compression().String(),
		MemoryProtection: v.memoryProtectionLevel.String(),
		KeyProvisioned:   v.keyProvisioned,
		OpenedAt:         v.openedAt,
	}

	snap, err := v.load()
	if err != nil {
		return st, err
	}
	st.Exists = snap.exists
	st.Entries = len(snap.entries)
	st.EnvelopeBytes = snap.size
	if snap.exists {
		st.Version = snap.version
		st.Checksum = crypto.CalculateChecksum(snap.sealed)
	}
	return st, nil
}

// load reads and opens the envelope. A namespace that was never written
// yields an empty snapshot whose save only succeeds if the envelope is still
// absent by then.
func (v *Vault) load() (*snapshot, error) {
	data, err := v.store.LoadEnvelope()
	if errors.Is(err, persist.ErrNotFound) {
		return &snapshot{entries: map[string][]byte{}, version: persist.VersionAbsent}, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}

	plaintext, err := v.keys.openEnvelope(data.Data)
	if err != nil {
		return nil, &CorruptedError{Layer: LayerEnvelope, Err: err}
	}

	entries, err := v.codec.Decode(plaintext)
	if err != nil {
		return nil, &CorruptedError{Layer: LayerCodec, Err: err}
	}

	v.metrics.envelope(v.namespace, len(entries), len(data.Data))
	return &snapshot{entries: entries, version: data.Version, size: len(data.Data), exists: true, sealed: data.Data}, nil
}

// save seals the snapshot entries and writes them under the snapshot version
func (v *Vault) save(snap *snapshot) error {
	encoded, err := v.codec.Encode(snap.entries)
	if err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}

	sealed, err := v.keys.sealEnvelope(encoded)
	if err != nil {
		return &EncryptionError{Err: err}
	}

	if _, err = v.store.SaveEnvelope(sealed, snap.version); err != nil {
		if persist.IsConcurrencyError(err) {
			return err
		}
		return &PersistenceError{Op: "save", Err: err}
	}

	v.metrics.envelope(v.namespace, len(snap.entries), len(sealed))
	return nil
}

// shutdown runs on the vault goroutine as the last request
func (v *Vault) shutdown() error {
	requestID := newRequestID()
	var errs []error

	v.state.Store(int32(StateClosed))

	if v.keys != nil {
		v.keys.destroy()
	}

	if err := v.codec.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close codec: %w", err))
	}

	if err := v.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	v.logAudit(requestID, audit.ActionVaultClose, errors.Join(errs...), map[string]interface{}{
		"errors": len(errs),
	})

	if err := v.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	v.logger.Info().Int("errors", len(errs)).Msg("vault closed")

	if len(errs) > 0 {
		return fmt.Errorf("vault close errors: %w", errors.Join(errs...))
	}
	return nil
}

// finish records the outcome of an operation in metrics, the audit trail and the log
func (v *Vault) finish(requestID, op, action, key string, started time.Time, err error, metadata map[string]interface{}) {
	elapsed := time.Since(started)
	v.metrics.observe(v.namespace, op, err, started)

	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata[audit.MetaKey] = key
	metadata[audit.MetaDuration] = elapsed.Milliseconds()
	metadata["op"] = op

	auditErr := err
	if errors.Is(err, ErrNotFound) {
		auditErr = nil
		metadata["found"] = false
	}
	v.logAudit(requestID, action, auditErr, metadata)

	event := v.logger.Debug()
	if auditErr != nil {
		event = v.logger.Warn().Err(err)
	}
	event.Str("op", op).
		Str("request_id", requestID).
		Str("key", key).
		Dur("elapsed", elapsed).
		Msg("vault operation")
}

func (v *Vault) logAudit(requestID, action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	// Add standard fields
	metadata["namespace"] = v.namespace
	metadata[audit.MetaRequestID] = requestID

	success := err == nil
	if err != nil {
		metadata[audit.MetaError] = err.Error()
	}

	if auditErr := v.audit.Log(action, success, metadata); auditErr != nil {
		v.logger.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}

// withRetry executes an operation with exponential backoff retry on concurrency conflicts
func (v *Vault) withRetry(operation string, fn func() error) error {
	config := v.retry

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// Not a concurrency error, return immediately
		if !persist.IsConcurrencyError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			return &PersistenceError{
				Op: operation,
				Err: fmt.Errorf("failed after %d attempts due to concurrent modifications: %w",
					config.MaxRetries+1, err),
			}
		}

		// Calculate delay with exponential backoff and jitter
		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}

		// Add jitter (25%)
		jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
		delay += jitter

		v.metrics.retried(v.namespace)
		v.logger.Debug().Err(err).Str("op", operation).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying after version conflict")
		time.Sleep(delay)
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

func newRequestID() string {
	return uuid.NewString()
}

// resolveNamespace applies the default namespace and rejects names that could
// escape their storage location
func resolveNamespace(namespace string) (string, error) {
	if namespace == "" {
		return misc.DefaultNamespace, nil
	}
	if err := misc.ValidateNamespace(namespace); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNamespace, err)
	}
	return namespace, nil
}

func newAuditLogger(config *audit.Config, namespace string) (audit.Logger, error) {
	if config == nil {
		return audit.NewNoOpLogger(), nil
	}
	cfg := *config
	if cfg.Namespace == "" {
		cfg.Namespace = namespace
	}
	return audit.NewLogger(&cfg)
}
