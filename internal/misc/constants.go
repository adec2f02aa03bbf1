package misc

import "os"

const (
	// DefaultNamespace is used when a vault is opened without a namespace
	DefaultNamespace = "secure"

	// KeyTagPrefix is prepended to the namespace to form the keystore tag
	KeyTagPrefix = "securevault."

	// KeySize is the size in bytes of every vault master key and subkey
	KeySize = 32

	// EnvelopeFileExt is the extension of the per-namespace envelope file
	EnvelopeFileExt = ".db"

	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	MaxNamespaceLength = 100

	FilePermissions os.FileMode = 0600 // user read + write
	DirPermissions  os.FileMode = 0700 // user read + write + traverse
)
