//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// keys still live in memguard enclaves, only swapping can't be prevented
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
