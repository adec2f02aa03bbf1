package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemStore(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "vaults")

	store, err := NewFileSystemStore(baseDir, testNamespace)
	require.NoError(t, err)

	_, err = os.Stat(baseDir)
	assert.True(t, os.IsNotExist(err), "directory is created on first write, not on open")

	testStoreImplementation(t, store)
}

func TestFileSystemStoreLayout(t *testing.T) {
	baseDir := t.TempDir()

	store, err := NewFileSystemStore(baseDir, "tokens")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(baseDir, "tokens.db"), store.Path())

	_, err = store.SaveEnvelope([]byte("x"), "")
	require.NoError(t, err)

	t.Run("Permissions", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("unix permissions")
		}
		info, err := os.Stat(store.Path())
		require.NoError(t, err)
		assert.Equal(t, FilePermissions, info.Mode().Perm())
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := store.SaveEnvelope([]byte(strings.Repeat("y", i+1)), "")
			require.NoError(t, err)
		}
		entries, err := os.ReadDir(baseDir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
		}
	})

	t.Run("ListSkipsForeignFiles", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(baseDir, "notes.txt"), []byte("x"), 0600))
		require.NoError(t, os.WriteFile(filepath.Join(baseDir, ".tmp-123"), []byte("x"), 0600))
		require.NoError(t, os.Mkdir(filepath.Join(baseDir, "dir.db"), 0700))

		other, err := NewFileSystemStore(baseDir, "secure")
		require.NoError(t, err)
		_, err = other.SaveEnvelope([]byte("z"), "")
		require.NoError(t, err)

		namespaces, err := store.ListNamespaces()
		require.NoError(t, err)
		assert.Equal(t, []string{"secure", "tokens"}, namespaces)
	})

	t.Run("ListMissingBase", func(t *testing.T) {
		missing, err := NewFileSystemStore(filepath.Join(baseDir, "nope"), "x")
		require.NoError(t, err)
		namespaces, err := missing.ListNamespaces()
		require.NoError(t, err)
		assert.Empty(t, namespaces)
	})
}

func TestFileSystemStoreRacingWriters(t *testing.T) {
	baseDir := t.TempDir()
	const writers = 10

	// every writer holds its own store, as separate processes would
	race := func(t *testing.T, expectedVersion string) int {
		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
		)
		for i := 0; i < writers; i++ {
			store, err := NewFileSystemStore(baseDir, "tokens")
			require.NoError(t, err)

			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.SaveEnvelope([]byte(fmt.Sprintf("writer-%d", i)), expectedVersion)
				if err == nil {
					succeeded.Add(1)
					return
				}
				assert.True(t, IsConcurrencyError(err), "unexpected error: %v", err)
			}(i)
		}
		wg.Wait()
		return int(succeeded.Load())
	}

	t.Run("FirstWrite", func(t *testing.T) {
		assert.Equal(t, 1, race(t, VersionAbsent))
	})

	t.Run("SameVersion", func(t *testing.T) {
		store, err := NewFileSystemStore(baseDir, "tokens")
		require.NoError(t, err)
		current, err := store.LoadEnvelope()
		require.NoError(t, err)

		assert.Equal(t, 1, race(t, current.Version))
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		entries, err := os.ReadDir(baseDir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
		}
	})
}

func TestCreateSecureFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "secure.db")

	require.NoError(t, createSecureFile(target, []byte("first"), FilePermissions))

	err := createSecureFile(target, []byte("second"), FilePermissions)
	assert.ErrorIs(t, err, os.ErrExist)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestWriteSecureFileFailureKeepsOriginal(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("requires unix permissions enforced for the current user")
	}

	dir := t.TempDir()
	target := filepath.Join(dir, "secure.db")
	require.NoError(t, writeSecureFile(target, []byte("original"), FilePermissions))

	// a read-only directory makes CreateTemp fail before anything is touched
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { _ = os.Chmod(dir, DirPermissions) })

	err := writeSecureFile(target, []byte("replacement"), FilePermissions)
	require.Error(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestDefaultBasePath(t *testing.T) {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		assert.True(t, strings.HasSuffix(DefaultBasePath(), "securevault"))
		return
	}

	t.Setenv("XDG_DATA_HOME", "/xdg/data")
	assert.Equal(t, filepath.Join("/xdg/data", "securevault"), DefaultBasePath())

	t.Setenv("XDG_DATA_HOME", "")
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".local", "share", "securevault"), DefaultBasePath())
}
