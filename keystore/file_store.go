package keystore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"southwinds.dev/securevault/internal/crypto"
	"southwinds.dev/securevault/internal/misc"
)

const (
	keyFileExt    = ".key"
	wrappedPrefix = "argon2id:"
)

// FileKeyStore stores one key per file in a private directory.
// It enforces 0600 permissions on key files and, when a passphrase is set,
// wraps every key it writes with Argon2id and XChaCha20-Poly1305.
type FileKeyStore struct {
	dir        string
	passphrase string
}

// DefaultKeyDir returns the directory keys are kept in when none is configured,
// following the XDG Base Directory spec.
func DefaultKeyDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "securevault", "keys")
}

// NewFileKeyStore creates a new file-based key store.
func NewFileKeyStore(dir, passphrase string) *FileKeyStore {
	if dir == "" {
		dir = DefaultKeyDir()
	}
	return &FileKeyStore{dir: dir, passphrase: passphrase}
}

// Path returns the file a tag is stored in
func (s *FileKeyStore) Path(tag string) string {
	return filepath.Join(s.dir, tag+keyFileExt)
}

// Store writes the key with owner-only permissions. An existing key is never
// replaced: ErrKeyExists is returned instead.
func (s *FileKeyStore) Store(tag string, key []byte) error {
	if err := validateTag(tag); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, misc.DirPermissions); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	content, err := s.encode(key)
	if err != nil {
		return err
	}

	// readers must never see a partly written key, so the file is completed
	// under a temporary name and linked into place
	tmp, err := os.CreateTemp(s.dir, "."+tag+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err = tmp.Chmod(misc.FilePermissions); err == nil {
		if _, err = tmp.WriteString(content); err == nil {
			err = tmp.Sync()
		}
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	if err = os.Link(tmpPath, s.Path(tag)); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrKeyExists, tag)
		}
		return fmt.Errorf("create key file: %w", err)
	}
	return nil
}

// Retrieve loads the key stored under tag.
// Returns KeyNotFoundError if the file doesn't exist and ErrInvalidPermissions
// if the file is accessible to other users.
func (s *FileKeyStore) Retrieve(tag string) ([]byte, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}

	path := s.Path(tag)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, &KeyNotFoundError{Tag: tag}
	}
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o", ErrInvalidPermissions, path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	return s.decode(strings.TrimSpace(string(data)))
}

func (s *FileKeyStore) encode(key []byte) (string, error) {
	if s.passphrase == "" {
		return hex.EncodeToString(key), nil
	}

	wrapped, err := crypto.EncryptWithPassphrase(key, s.passphrase)
	if err != nil {
		return "", fmt.Errorf("wrap key: %w", err)
	}
	return wrappedPrefix + base64.StdEncoding.EncodeToString(wrapped), nil
}

func (s *FileKeyStore) decode(content string) ([]byte, error) {
	if !strings.HasPrefix(content, wrappedPrefix) {
		key, err := hex.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("decode key file: %w", err)
		}
		return key, nil
	}

	if s.passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(content, wrappedPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}

	key, err := crypto.DecryptWithPassphrase(wrapped, s.passphrase)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return nil, fmt.Errorf("unwrap key: wrong passphrase or modified key file: %w", err)
		}
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	return key, nil
}
