package util

import (
	"io"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// NopWriteCloser returns w with a Close method that does nothing, for outputs the process does not own,
// such as os.Stderr.
func NopWriteCloser(w io.Writer) io.WriteCloser {
	return nopCloser{w}
}
