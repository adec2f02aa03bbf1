package persist

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"southwinds.dev/securevault/internal/misc"
)

const (
	FilePermissions = misc.FilePermissions
	DirPermissions  = misc.DirPermissions

	tempFilePattern = ".tmp-*"
	lockFileExt     = ".lock"
	appDirName      = "securevault"
)

// FileSystemStore keeps one envelope file per namespace under a base directory:
//
//	basePath/
//	├── secure.db
//	└── tokens.db
type FileSystemStore struct {
	basePath  string
	namespace string
	path      string // basePath/namespace.db
	lockPath  string // basePath/.namespace.lock
}

// DefaultBasePath returns the per-user application data directory used when no
// base path is configured.
func DefaultBasePath() string {
	home, _ := os.UserHomeDir()

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appDirName)
	case "windows":
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, appDirName)
		}
	}

	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, appDirName)
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore.
// An empty basePath selects DefaultBasePath.
func NewFileSystemStore(basePath string, namespace string) (*FileSystemStore, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	if basePath == "" {
		basePath = DefaultBasePath()
	}

	return &FileSystemStore{
		basePath:  basePath,
		namespace: namespace,
		path:      filepath.Join(basePath, namespace+misc.EnvelopeFileExt),
		lockPath:  filepath.Join(basePath, "."+namespace+lockFileExt),
	}, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, namespace string) (*FileSystemStore, error) {
	var basePath string
	if raw, ok := config.Config["base_path"]; ok {
		basePath, ok = raw.(string)
		if !ok {
			return nil, fmt.Errorf("filesystem base_path must be a string, got %T", raw)
		}
	}

	return NewFileSystemStore(basePath, namespace)
}

// Path returns the envelope file location
func (fs *FileSystemStore) Path() string {
	return fs.path
}

func (fs *FileSystemStore) Namespace() string {
	return fs.namespace
}

// ListNamespaces returns all namespaces that have an envelope in the base path
func (fs *FileSystemStore) ListNamespaces() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	namespaces := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, misc.EnvelopeFileExt) {
			continue
		}
		namespaces = append(namespaces, strings.TrimSuffix(name, misc.EnvelopeFileExt))
	}

	sort.Strings(namespaces)
	return namespaces, nil
}

// SaveEnvelope with optimistic concurrency control. The version check and the
// replace run under an exclusive lock on the namespace lock file, so writers in
// other processes cannot slip in between them.
func (fs *FileSystemStore) SaveEnvelope(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("envelope cannot be nil")
	}

	if err := os.MkdirAll(fs.basePath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create vault directory: %w", err)
	}

	unlock, err := lockFile(fs.lockPath)
	if err != nil {
		return "", err
	}
	defer unlock()

	switch expectedVersion {
	case "":
		err = writeSecureFile(fs.path, data, FilePermissions)
	case VersionAbsent:
		err = createSecureFile(fs.path, data, FilePermissions)
		if errors.Is(err, os.ErrExist) {
			actual, _ := fs.getFileVersion(fs.path)
			return "", versionConflict(expectedVersion, actual)
		}
	default:
		currentVersion, verr := fs.getFileVersion(fs.path)
		if verr != nil {
			return "", fmt.Errorf("failed to check current version: %w", verr)
		}
		if currentVersion != expectedVersion {
			return "", versionConflict(expectedVersion, currentVersion)
		}
		err = writeSecureFile(fs.path, data, FilePermissions)
	}
	if err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) LoadEnvelope() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat envelope: %w", err)
	}

	data, err := os.ReadFile(fs.path)
	if err != nil {
		// removed between stat and read
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load envelope: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) EnvelopeExists() (bool, error) {
	return fileExists(fs.path)
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping succeeds when the base directory exists or can be created
func (fs *FileSystemStore) Ping() error {
	info, err := os.Stat(fs.basePath)
	if os.IsNotExist(err) {
		return os.MkdirAll(fs.basePath, DirPermissions)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

// Helper functions

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// MD5 of the contents identifies the version, it is not a security boundary
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile replaces path atomically: the data goes to a temp file in the
// same directory which is synced and then renamed over the target.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTempFile(filepath.Dir(path), data, perm)
	if err != nil {
		return err
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	syncDir(filepath.Dir(path))
	return nil
}

// createSecureFile writes path only if it does not exist yet. The complete temp
// file is hard linked into place, so the target never appears partially
// written. An existing target yields an error matching os.ErrExist.
func createSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTempFile(filepath.Dir(path), data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err = os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("envelope already exists: %w", os.ErrExist)
		}
		return fmt.Errorf("failed to link temp file: %w", err)
	}

	syncDir(filepath.Dir(path))
	return nil
}

// writeTempFile stores data in a synced temp file in dir and returns its path
func writeTempFile(dir string, data []byte, perm os.FileMode) (string, error) {
	tmpFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	return tmpPath, nil
}

// syncDir flushes the directory entry of a rename; not every platform supports it
func syncDir(dir string) {
	if runtime.GOOS == "windows" {
		return
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
