// Package cursor persists how far into an append-only file a reader has got.
//
// A cursor is stored alongside the file it describes, as an extended attribute, so that rotating or
// restoring the file carries or discards the cursor with the data. When the filesystem does not support
// extended attributes an external key-value store is used instead, keyed by path and attribute name.
package cursor

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
)

// RecordSize is the size of an encoded Cursor.
const RecordSize = 4 + 4 + sha1.Size

var (
	// ErrNotFound is returned by a Store when no cursor is recorded.
	ErrNotFound = errors.New("cursor not found")
	// ErrUnsupported is returned by a Store which can not store cursors for the given path.
	ErrUnsupported = errors.New("cursor storage not supported")
)

// Cursor marks a position in a file: Offset is the end of the last fully read record, which is Length
// bytes long and has the SHA-1 checksum Sum.
type Cursor struct {
	Offset uint32
	Length uint32
	Sum    [sha1.Size]byte
}

// New creates a Cursor for a record ending at offset.
func New(offset uint32, record []byte) Cursor {
	return Cursor{
		Offset: offset,
		Length: uint32(len(record)),
		Sum:    sha1.Sum(record),
	}
}

// Start returns the offset of the first byte of the last read record.
func (c Cursor) Start() int64 {
	return int64(c.Offset) - int64(c.Length)
}

// Matches returns true if record is the record the cursor was created from.
func (c Cursor) Matches(record []byte) bool {
	return uint32(len(record)) == c.Length && sha1.Sum(record) == c.Sum
}

// Encode returns the fixed size big-endian representation of the cursor.
func (c Cursor) Encode() []byte {
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(buf[0:4], c.Offset)
	binary.BigEndian.PutUint32(buf[4:8], c.Length)
	copy(buf[8:], c.Sum[:])
	return buf
}

// Decode parses a cursor produced by Encode.
func Decode(buf []byte) (Cursor, error) {
	var c Cursor
	if len(buf) != RecordSize {
		return c, fmt.Errorf("invalid cursor record length %d, expected %d", len(buf), RecordSize)
	}
	c.Offset = binary.BigEndian.Uint32(buf[0:4])
	c.Length = binary.BigEndian.Uint32(buf[4:8])
	copy(c.Sum[:], buf[8:])
	if c.Length > c.Offset {
		return c, fmt.Errorf("invalid cursor: record length %d exceeds offset %d", c.Length, c.Offset)
	}
	return c, nil
}

// Store persists raw cursor records keyed by file path and attribute name.
type Store interface {
	// Get returns the value stored for path and attr, or ErrNotFound.
	Get(path, attr string) ([]byte, error)
	// Set stores value for path and attr.
	Set(path, attr string, value []byte) error
}

// Load reads and decodes the cursor stored for path and attr.
func Load(s Store, path, attr string) (Cursor, error) {
	buf, err := s.Get(path, attr)
	if err != nil {
		return Cursor{}, err
	}
	return Decode(buf)
}

// Save encodes and stores c for path and attr.
func Save(s Store, path, attr string, c Cursor) error {
	return s.Set(path, attr, c.Encode())
}

func emulationKey(path, attr string) string {
	return path + "\x00" + attr
}
