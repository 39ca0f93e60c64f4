package jsonfile

import (
	"path/filepath"
	"sync"
)

// pathLocks maps a cleaned file path to the *sync.Mutex guarding it. Entries
// live for the process; a batch directory holds a handful of files.
var pathLocks sync.Map

// lockPath locks path and returns the matching unlock. Spellings of the same
// path that clean to one string share a mutex.
func lockPath(path string) (unlock func()) {
	v, _ := pathLocks.LoadOrStore(filepath.Clean(path), new(sync.Mutex))
	mu := v.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}
