package transport

import (
	"bytes"
	"compress/zlib"
	"io"
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
)

var (
	jsonCompact = jsoniter.Config{
		EscapeHTML:  false,
		SortMapKeys: false,
	}.Froze()
	// jsonReadable is used when request bodies are logged.
	jsonReadable = jsoniter.Config{
		EscapeHTML:    false,
		SortMapKeys:   true,
		IndentionStep: 4,
	}.Froze()
)

func encodeJSON(data interface{}, readable bool) ([]byte, error) {
	if readable {
		return jsonReadable.Marshal(data)
	}
	return jsonCompact.Marshal(data)
}

// deflate compresses raw into a zlib stream, as sent with Content-Encoding: deflate.
func deflate(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	_, _ = w.Write(raw) // error is propagated through Close
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drain reads r to the end and closes it, so the connection can be reused.
func drain(r io.ReadCloser) {
	_, _ = io.Copy(ioutil.Discard, r)
	_ = r.Close()
}
