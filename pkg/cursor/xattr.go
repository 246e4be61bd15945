//go:build linux

package cursor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// XattrStore stores cursors as extended attributes of the file they describe.
type XattrStore struct{}

func (XattrStore) Get(path, attr string) ([]byte, error) {
	buf := make([]byte, RecordSize)
	for {
		n, err := unix.Getxattr(path, attr, buf)
		switch {
		case err == nil:
			return buf[:n], nil
		case errors.Is(err, unix.ERANGE):
			size, err := unix.Getxattr(path, attr, nil)
			if err != nil {
				return nil, mapXattrError(path, attr, err)
			}
			buf = make([]byte, size)
		default:
			return nil, mapXattrError(path, attr, err)
		}
	}
}

func (XattrStore) Set(path, attr string, value []byte) error {
	if err := unix.Setxattr(path, attr, value, 0); err != nil {
		return mapXattrError(path, attr, err)
	}
	return nil
}

func mapXattrError(path, attr string, err error) error {
	switch {
	case errors.Is(err, unix.ENODATA):
		return ErrNotFound
	case errors.Is(err, unix.ENOTSUP), errors.Is(err, unix.EOPNOTSUPP):
		return fmt.Errorf("%s on %s: %w", attr, path, ErrUnsupported)
	default:
		return fmt.Errorf("xattr %s on %s: %w", attr, path, err)
	}
}
