package securevault

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"southwinds.dev/securevault/audit"
	"southwinds.dev/securevault/internal/misc"
	"southwinds.dev/securevault/keystore"
	"southwinds.dev/securevault/persist"
)

// VaultManager an implementation of VaultManagerService.
//
// All vaults of a manager share its keystore and audit logger. Each vault gets
// its own store from the factory.
type VaultManager struct {
	options      Options
	storeFactory persist.Factory
	keyStore     keystore.KeyStore
	mu           sync.Mutex
	vaults       map[string]VaultService
	audit        audit.Logger
	closed       bool
}

// NewVaultManager creates a manager that builds stores with storeFactory.
// A nil auditLogger disables auditing.
func NewVaultManager(options Options, storeFactory persist.Factory, keyStore keystore.KeyStore, auditLogger audit.Logger) *VaultManager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &VaultManager{
		options:      options,
		storeFactory: storeFactory,
		keyStore:     keyStore,
		vaults:       make(map[string]VaultService),
		audit:        auditLogger,
	}
}

// NewVaultManagerWithOptions creates a manager whose store, keystore and audit
// trail are all described by options.
//
// Example:
//
//	vm, err := securevault.NewVaultManagerWithOptions(securevault.Options{
//	    Store:    persist.StoreConfig{Type: persist.StoreTypeFileSystem},
//	    KeyStore: keystore.Config{Type: keystore.TypeKeyring},
//	})
//	if err != nil {
//	    return err
//	}
//	defer vm.CloseAll()
//
//	tokens, err := vm.GetVault("tokens")
func NewVaultManagerWithOptions(options Options) (*VaultManager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	ks, err := keystore.New(options.KeyStore)
	if err != nil {
		return nil, fmt.Errorf("failed to create keystore: %w", err)
	}

	var auditLogger audit.Logger
	if auditLogger, err = audit.NewLogger(options.Audit); err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	return NewVaultManager(options, persist.NewFactory(options.Store), ks, auditLogger), nil
}

func (vm *VaultManager) GetVault(namespace string) (VaultService, error) {
	namespace, err := resolveNamespace(namespace)
	if err != nil {
		return nil, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, ErrClosed
	}

	if vault, exists := vm.vaults[namespace]; exists {
		if vault.State() != StateClosed {
			return vault, nil
		}
		// closed by its holder, open a fresh one in its place
		delete(vm.vaults, namespace)
	}

	// Create namespace specific store
	store, err := vm.storeFactory(namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create store for namespace %s: %w", namespace, err)
	}

	vault, err := NewWithStore(vm.options, store, vm.keyStore, sharedAudit{vm.audit})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create vault for namespace %s: %w", namespace, err)
	}

	vm.vaults[namespace] = vault
	return vault, nil
}

func (vm *VaultManager) CloseVault(namespace string) error {
	namespace, err := resolveNamespace(namespace)
	if err != nil {
		return err
	}

	vm.mu.Lock()
	vault, exists := vm.vaults[namespace]
	delete(vm.vaults, namespace)
	vm.mu.Unlock()

	if !exists {
		return nil
	}
	if err = vault.Close(); err != nil {
		return fmt.Errorf("failed to close vault for namespace %s: %w", namespace, err)
	}
	return nil
}

func (vm *VaultManager) CloseAll() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil
	}
	vm.closed = true

	var errs []error
	for namespace, vault := range vm.vaults {
		if err := vault.Close(); err != nil {
			errs = append(errs, fmt.Errorf("namespace %s: %w", namespace, err))
		}
		delete(vm.vaults, namespace)
	}

	if err := vm.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}

	return errors.Join(errs...)
}

func (vm *VaultManager) ListNamespaces() ([]string, error) {
	vm.mu.Lock()
	namespaces := make([]string, 0, len(vm.vaults))
	for namespace, vault := range vm.vaults {
		if vault.State() != StateClosed {
			namespaces = append(namespaces, namespace)
		}
	}
	vm.mu.Unlock()

	// any store of the backend can enumerate its siblings
	store, err := vm.storeFactory(misc.DefaultNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	stored, err := store.ListNamespaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	namespaces = append(namespaces, stored...)
	slices.Sort(namespaces)
	return slices.Compact(namespaces), nil
}

func (vm *VaultManager) QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error) {
	result, err := vm.audit.Query(options)
	if err != nil {
		return audit.QueryResult{}, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return result, nil
}

// sharedAudit keeps a vault from closing the audit logger it shares with its siblings
type sharedAudit struct {
	audit.Logger
}

func (sharedAudit) Close() error {
	return nil
}
