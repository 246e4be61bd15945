package cursor

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileStore emulates extended attributes with a single JSON document on disk. Every Set rewrites the
// document atomically.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string][]byte
}

// NewFileStore creates a FileStore persisted at path, loading any existing document.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:   path,
		values: map[string][]byte{},
	}
	data, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return fs, nil
	case err != nil:
		return nil, err
	}
	if len(data) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(data, &fs.values); err != nil {
		return nil, fmt.Errorf("parsing cursor file %s: %w", path, err)
	}
	return fs, nil
}

func (fs *FileStore) Get(path, attr string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	value, ok := fs.values[emulationKey(path, attr)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (fs *FileStore) Set(path, attr string, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.values[emulationKey(path, attr)] = append([]byte(nil), value...)
	return fs.write()
}

func (fs *FileStore) write() error {
	data, err := json.Marshal(fs.values)
	if err != nil {
		return err
	}
	tmp, err := ioutil.TempFile(filepath.Dir(fs.path), filepath.Base(fs.path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fs.path)
}
