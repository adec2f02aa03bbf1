package keystore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// testKeyStoreImplementation checks the contract every backend shares
func testKeyStoreImplementation(t *testing.T, store KeyStore) {
	const tag = "securevault.test"

	t.Run("RetrieveMissing", func(t *testing.T) {
		_, err := store.Retrieve(tag)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrKeyNotFound), "expected ErrKeyNotFound, got %v", err)

		var notFound *KeyNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, tag, notFound.Tag)
	})

	t.Run("StoreAndRetrieve", func(t *testing.T) {
		require.NoError(t, store.Store(tag, testKey))

		key, err := store.Retrieve(tag)
		require.NoError(t, err)
		assert.Equal(t, testKey, key)
	})

	t.Run("TagsAreIndependent", func(t *testing.T) {
		other := bytes.Repeat([]byte{7}, 32)
		require.NoError(t, store.Store("securevault.other", other))

		key, err := store.Retrieve(tag)
		require.NoError(t, err)
		assert.Equal(t, testKey, key)

		key, err = store.Retrieve("securevault.other")
		require.NoError(t, err)
		assert.Equal(t, other, key)
	})

	t.Run("InvalidTag", func(t *testing.T) {
		assert.Error(t, store.Store("../escape", testKey))
		assert.Error(t, store.Store("", testKey))
	})
}

func TestMemoryKeyStore(t *testing.T) {
	store := NewMemoryKeyStore()
	testKeyStoreImplementation(t, store)
	assert.Equal(t, 2, store.Len())

	t.Run("ReturnsCopies", func(t *testing.T) {
		key, err := store.Retrieve("securevault.test")
		require.NoError(t, err)
		key[0] ^= 0xFF

		again, err := store.Retrieve("securevault.test")
		require.NoError(t, err)
		assert.Equal(t, testKey, again)
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tag := "securevault.c" + strings.Repeat("x", i)
				assert.NoError(t, store.Store(tag, testKey))
				_, err := store.Retrieve(tag)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
	})
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()

	store := NewKeyringStore("")
	testKeyStoreImplementation(t, store)

	t.Run("CorruptItem", func(t *testing.T) {
		require.NoError(t, keyring.Set(defaultService, "securevault.bad", "%%% not base64"))
		_, err := store.Retrieve("securevault.bad")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrKeyNotFound))
	})

	t.Run("BackendFailure", func(t *testing.T) {
		boom := errors.New("keychain locked")
		keyring.MockInitWithError(boom)
		t.Cleanup(keyring.MockInit)

		_, err := store.Retrieve("securevault.test")
		assert.ErrorIs(t, err, boom)
		assert.False(t, errors.Is(err, ErrKeyNotFound), "a backend failure is not an absent key")

		assert.ErrorIs(t, store.Store("securevault.test", testKey), boom)
	})
}

func TestFileKeyStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	store := NewFileKeyStore(dir, "")
	testKeyStoreImplementation(t, store)

	t.Run("NoOverwrite", func(t *testing.T) {
		err := store.Store("securevault.test", bytes.Repeat([]byte{1}, 32))
		assert.ErrorIs(t, err, ErrKeyExists)

		key, err := store.Retrieve("securevault.test")
		require.NoError(t, err)
		assert.Equal(t, testKey, key)
	})

	t.Run("Permissions", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("unix permissions")
		}
		info, err := os.Stat(store.Path("securevault.test"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		dirInfo, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
	})

	t.Run("RejectsOpenPermissions", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("unix permissions")
		}
		require.NoError(t, os.Chmod(store.Path("securevault.other"), 0644))
		_, err := store.Retrieve("securevault.other")
		assert.ErrorIs(t, err, ErrInvalidPermissions)
	})

	t.Run("Garbage", func(t *testing.T) {
		require.NoError(t, os.WriteFile(store.Path("securevault.garbage"), []byte("zz-not-hex"), 0600))
		_, err := store.Retrieve("securevault.garbage")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrKeyNotFound))
	})
}

func TestFileKeyStorePassphrase(t *testing.T) {
	dir := t.TempDir()
	store := NewFileKeyStore(dir, "s3cret")

	require.NoError(t, store.Store("securevault.wrapped", testKey))

	raw, err := os.ReadFile(store.Path("securevault.wrapped"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), wrappedPrefix))
	assert.NotContains(t, string(raw), "0123456789abcdef")

	key, err := store.Retrieve("securevault.wrapped")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = NewFileKeyStore(dir, "").Retrieve("securevault.wrapped")
	assert.ErrorIs(t, err, ErrPassphraseRequired)

	_, err = NewFileKeyStore(dir, "wrong").Retrieve("securevault.wrapped")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	keyring.MockInit()

	ks, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &KeyringStore{}, ks)

	ks, err = New(Config{Type: TypeFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileKeyStore{}, ks)

	ks, err = New(Config{Type: TypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryKeyStore{}, ks)

	_, err = New(Config{Type: "hsm"})
	assert.Error(t, err)
}

func TestDefaultKeyDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "securevault", "keys"), DefaultKeyDir())
}
