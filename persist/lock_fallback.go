//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package persist

import "sync"

var pathLocks sync.Map

// lockFile only excludes writers within this process; the platform has no
// advisory file lock we can rely on.
func lockFile(path string) (func(), error) {
	v, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}
