//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// memguard locks its own pages with VirtualLock; there is no process-wide equivalent
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
