package misc

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateNamespace rejects namespaces that could escape a storage directory
// or bucket prefix.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	if strings.Contains(namespace, "..") ||
		strings.ContainsAny(namespace, "/\\") ||
		strings.IndexFunc(namespace, unicode.IsSpace) >= 0 {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > MaxNamespaceLength {
		return fmt.Errorf("namespace too long (max %d characters)", MaxNamespaceLength)
	}

	return nil
}

// KeyTag returns the keystore tag under which the master key of a namespace lives.
func KeyTag(namespace string) string {
	return KeyTagPrefix + namespace
}
