package cursor

import (
	"errors"
	"sync"
)

// FallbackStore uses Primary until it reports ErrUnsupported for a path, after which every operation on
// that path goes to Fallback.
type FallbackStore struct {
	Primary  Store
	Fallback Store

	mu          sync.Mutex
	unsupported map[string]bool
}

func (fs *FallbackStore) usePrimary(path string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return !fs.unsupported[path]
}

func (fs *FallbackStore) markUnsupported(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.unsupported == nil {
		fs.unsupported = map[string]bool{}
	}
	fs.unsupported[path] = true
}

func (fs *FallbackStore) Get(path, attr string) ([]byte, error) {
	if !fs.usePrimary(path) {
		return fs.Fallback.Get(path, attr)
	}
	value, err := fs.Primary.Get(path, attr)
	if errors.Is(err, ErrUnsupported) {
		fs.markUnsupported(path)
		return fs.Fallback.Get(path, attr)
	}
	return value, err
}

func (fs *FallbackStore) Set(path, attr string, value []byte) error {
	if !fs.usePrimary(path) {
		return fs.Fallback.Set(path, attr, value)
	}
	err := fs.Primary.Set(path, attr, value)
	if errors.Is(err, ErrUnsupported) {
		fs.markUnsupported(path)
		return fs.Fallback.Set(path, attr, value)
	}
	return err
}
