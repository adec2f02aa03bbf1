package persist

import (
	"fmt"

	"southwinds.dev/securevault/internal/misc"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, namespace string) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "":
		return NewFileSystemStoreFromConfig(config, namespace)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, namespace)

	case StoreTypeMongoDB:
		return NewMongoStoreFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// Factory creates the Store backing a namespace
type Factory func(namespace string) (Store, error)

// NewFactory binds a StoreConfig so that stores can be opened per namespace
func NewFactory(config StoreConfig) Factory {
	return func(namespace string) (Store, error) {
		return NewStore(config, namespace)
	}
}

func normalizeNamespace(namespace string) (string, error) {
	if namespace == "" {
		namespace = misc.DefaultNamespace
	}
	if err := misc.ValidateNamespace(namespace); err != nil {
		return "", fmt.Errorf("invalid namespace: %w", err)
	}
	return namespace, nil
}
