package securevault

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/securevault/audit"
	"southwinds.dev/securevault/internal/misc"
	"southwinds.dev/securevault/keystore"
	"southwinds.dev/securevault/persist"
)

func createTestVaultManager(t *testing.T, basePath string, auditLogger audit.Logger) *VaultManager {
	t.Helper()
	factory := persist.NewFactory(persist.StoreConfig{
		Type:   persist.StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": basePath},
	})
	vm := NewVaultManager(Options{Retry: testRetryConfig()}, factory, keystore.NewMemoryKeyStore(), auditLogger)
	t.Cleanup(func() { _ = vm.CloseAll() })
	return vm
}

func TestVaultManagerGetVault(t *testing.T) {
	vm := createTestVaultManager(t, t.TempDir(), nil)

	first, err := vm.GetVault("tokens")
	require.NoError(t, err)
	second, err := vm.GetVault("tokens")
	require.NoError(t, err)
	assert.Same(t, first, second, "one coordinator per namespace")

	def, err := vm.GetVault("")
	require.NoError(t, err)
	assert.Equal(t, misc.DefaultNamespace, def.Namespace())

	_, err = vm.GetVault("../../etc")
	assert.ErrorIs(t, err, ErrInvalidNamespace)
}

func TestVaultManagerConcurrentGetVault(t *testing.T) {
	vm := createTestVaultManager(t, t.TempDir(), nil)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	vaults := make([]VaultService, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := vm.GetVault("shared")
			if err == nil {
				vaults[i] = v
				_ = v.Set(ctx, "key", "value")
			}
		}(i)
	}
	wg.Wait()

	for _, v := range vaults {
		require.NotNil(t, v)
		assert.Same(t, vaults[0], v)
	}
}

func TestVaultManagerCloseVault(t *testing.T) {
	ctx := context.Background()
	vm := createTestVaultManager(t, t.TempDir(), nil)

	v, err := vm.GetVault("tokens")
	require.NoError(t, err)
	require.NoError(t, v.Set(ctx, "key", "value"))

	require.NoError(t, vm.CloseVault("tokens"))
	assert.Equal(t, StateClosed, v.State())
	assert.NoError(t, vm.CloseVault("tokens"), "closing an unknown namespace is a no-op")

	reopened, err := vm.GetVault("tokens")
	require.NoError(t, err)
	assert.NotSame(t, v, reopened)

	value, ok := reopened.Get(ctx, "key")
	assert.True(t, ok)
	assert.Equal(t, "value", value)
}

func TestVaultManagerReopensClosedVault(t *testing.T) {
	ctx := context.Background()
	vm := createTestVaultManager(t, t.TempDir(), nil)

	v, err := vm.GetVault("tokens")
	require.NoError(t, err)
	require.NoError(t, v.Set(ctx, "key", "value"))

	// closed by the caller instead of through the manager
	require.NoError(t, v.Close())
	assert.ErrorIs(t, v.Set(ctx, "key", "other"), ErrClosed)

	reopened, err := vm.GetVault("tokens")
	require.NoError(t, err)
	assert.NotSame(t, v, reopened)
	assert.Equal(t, StateReady, reopened.State())

	value, err := reopened.Lookup(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", value)

	again, err := vm.GetVault("tokens")
	require.NoError(t, err)
	assert.Same(t, reopened, again)
}

func TestVaultManagerCloseAll(t *testing.T) {
	vm := createTestVaultManager(t, t.TempDir(), nil)

	a, err := vm.GetVault("alpha")
	require.NoError(t, err)
	b, err := vm.GetVault("beta")
	require.NoError(t, err)

	require.NoError(t, vm.CloseAll())
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())

	_, err = vm.GetVault("alpha")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, vm.CloseAll())
}

func TestVaultManagerListNamespaces(t *testing.T) {
	ctx := context.Background()
	vm := createTestVaultManager(t, t.TempDir(), nil)

	namespaces, err := vm.ListNamespaces()
	require.NoError(t, err)
	assert.Empty(t, namespaces)

	written, err := vm.GetVault("written")
	require.NoError(t, err)
	require.NoError(t, written.Set(ctx, "key", "value"))

	_, err = vm.GetVault("open-only")
	require.NoError(t, err)

	namespaces, err = vm.ListNamespaces()
	require.NoError(t, err)
	assert.Equal(t, []string{"open-only", "written"}, namespaces)
}

func TestVaultManagerSharedAudit(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	auditLogger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(dir, "audit.log")},
	})
	require.NoError(t, err)

	vm := createTestVaultManager(t, dir, auditLogger)

	a, err := vm.GetVault("alpha")
	require.NoError(t, err)
	require.NoError(t, a.Set(ctx, "key", "value"))

	// closing one vault leaves the shared logger usable for the others
	require.NoError(t, vm.CloseVault("alpha"))

	b, err := vm.GetVault("beta")
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "key", "value"))

	result, err := vm.QueryAuditLogs(audit.QueryOptions{Action: audit.ActionSecretSet})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)

	namespaces := []string{result.Events[0].Namespace, result.Events[1].Namespace}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, namespaces)
}
