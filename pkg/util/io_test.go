package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNopWriteCloser(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	wc := NopWriteCloser(&buf)
	_, err := wc.Write([]byte("log line\n"))
	require.NoError(t, err)
	require.NoError(t, wc.Close())
	_, err = wc.Write([]byte("after close\n"))
	require.NoError(t, err)
	require.Equal(t, "log line\nafter close\n", buf.String())
}
