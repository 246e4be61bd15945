//go:build !linux

package cursor

import (
	"fmt"
)

// XattrStore stores cursors as extended attributes of the file they describe.
// Extended attributes are only supported on Linux, elsewhere every call fails with ErrUnsupported.
type XattrStore struct{}

func (XattrStore) Get(path, attr string) ([]byte, error) {
	return nil, fmt.Errorf("%s on %s: %w", attr, path, ErrUnsupported)
}

func (XattrStore) Set(path, attr string, value []byte) error {
	return fmt.Errorf("%s on %s: %w", attr, path, ErrUnsupported)
}
