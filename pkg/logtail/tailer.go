// Package logtail reads newly appended lines of a file, remembering its position across restarts with a cursor.
package logtail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"

	"github.com/atlassian/harvestd/pkg/cursor"
)

// DefaultAttr is the default name of the attribute the cursor is stored under.
const DefaultAttr = "user.harvestd.logtail.pos"

// origin is the position of an empty record at the start of a file.
var origin = cursor.New(0, nil)

// Tailer returns the complete lines appended to a file since the previous call. A trailing line without a
// newline is left for a later call.
//
// The position is persisted to Store at most once per MinDumpInterval, and immediately after the file was
// found truncated, rotated or not matching the persisted checksum. Any of those restarts reading from the
// beginning of the file.
//
// A Tailer is not safe for concurrent use.
type Tailer struct {
	Path            string
	Attr            string
	Store           cursor.Store
	StartAtEnd      bool
	MinDumpInterval time.Duration
	Logger          logrus.FieldLogger

	loaded      bool
	pos         cursor.Cursor
	inode       uint64
	dirty       bool
	lastPersist time.Time
}

func (t *Tailer) attr() string {
	if t.Attr == "" {
		return DefaultAttr
	}
	return t.Attr
}

// ReadRecords returns the lines appended since the last call, without their trailing newline. A missing
// file yields no lines and no error.
func (t *Tailer) ReadRecords(ctx context.Context) ([][]byte, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			t.Logger.WithField("path", t.Path).Debug("file does not exist")
			return nil, nil
		}
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	inode := inodeOf(info)

	reset := false
	if !t.loaded {
		reset = t.load(f, size)
		t.loaded = true
	} else if why := t.invalid(f, size, inode); why != "" {
		t.Logger.WithFields(logrus.Fields{
			"path":   t.Path,
			"reason": why,
		}).Info("restarting from the beginning of the file")
		t.pos = origin
		reset = true
	}
	t.inode = inode
	if reset {
		t.dirty = true
	}

	if _, err := f.Seek(int64(t.pos.Offset), io.SeekStart); err != nil {
		return nil, err
	}
	records, err := t.readFrom(f, int64(t.pos.Offset))
	if err != nil {
		return nil, err
	}

	now := clock.Now(ctx)
	if t.dirty && (reset || now.Sub(t.lastPersist) >= t.MinDumpInterval) {
		if err := t.persist(); err != nil {
			t.Logger.WithError(err).WithField("path", t.Path).Warn("failed to persist position")
		} else {
			t.lastPersist = now
		}
	}
	return records, nil
}

// load initialises the position from the store, returning true if the stored cursor was unusable.
func (t *Tailer) load(f *os.File, size int64) bool {
	logger := t.Logger.WithField("path", t.Path)
	t.pos = origin
	c, err := cursor.Load(t.Store, t.Path, t.attr())
	switch {
	case errors.Is(err, cursor.ErrNotFound):
		if t.StartAtEnd && size <= math.MaxUint32 {
			start, err := lineStart(f, size)
			if err != nil {
				logger.WithError(err).Info("unable to find the last line, starting from the beginning of the file")
				return false
			}
			logger.WithField("offset", start).Debug("no position recorded, starting from the end of the file")
			t.pos = cursor.New(uint32(start), nil)
			t.dirty = true
			return false
		}
		logger.Debug("no position recorded, starting from the beginning of the file")
		return false
	case err != nil:
		logger.WithError(err).Info("unable to load position, starting from the beginning of the file")
		return true
	}
	if why := verify(f, size, c); why != "" {
		logger.WithField("reason", why).Info("recorded position is stale, starting from the beginning of the file")
		return true
	}
	t.pos = c
	return false
}

func (t *Tailer) invalid(f *os.File, size int64, inode uint64) string {
	if inode != t.inode {
		return "rotated"
	}
	if size < int64(t.pos.Offset) {
		return "truncated"
	}
	return verify(f, size, t.pos)
}

// verify checks the record c was created from is still in the file at the same place.
func verify(f *os.File, size int64, c cursor.Cursor) string {
	if int64(c.Offset) > size {
		return "truncated"
	}
	record := make([]byte, c.Length)
	if _, err := f.ReadAt(record, c.Start()); err != nil {
		return "unreadable"
	}
	if !c.Matches(record) {
		return "checksum mismatch"
	}
	return ""
}

// lineStart returns the offset just after the last newline before size, or 0 if there is none. A file
// ending with a partial line is started at the beginning of that line.
func lineStart(f io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !(err == io.EOF && int64(n) == end-start) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// readFrom reads complete lines from r, which is positioned at offset, advancing the position past each.
// A read error after some lines were read is logged and those lines are returned, so the position never
// moves past lines the caller did not get.
func (t *Tailer) readFrom(r io.Reader, offset int64) ([][]byte, error) {
	var records [][]byte
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			// Partial line, if any, is read again next time.
			return records, nil
		}
		if err != nil {
			if len(records) == 0 {
				return nil, err
			}
			t.Logger.WithError(err).WithFields(logrus.Fields{
				"path":    t.Path,
				"records": len(records),
			}).Warn("read failed, returning the lines read so far")
			return records, nil
		}
		offset += int64(len(line))
		if offset > math.MaxUint32 {
			t.Logger.WithField("path", t.Path).Warn("file too large to track, stopping")
			return records, nil
		}
		t.pos = cursor.New(uint32(offset), line)
		t.dirty = true
		records = append(records, bytes.TrimSuffix(line, []byte("\n")))
	}
}

func (t *Tailer) persist() error {
	if err := cursor.Save(t.Store, t.Path, t.attr(), t.pos); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

// Flush persists the current position if it changed since it was last persisted.
func (t *Tailer) Flush() error {
	if !t.dirty {
		return nil
	}
	if _, err := os.Stat(t.Path); os.IsNotExist(err) {
		return nil
	}
	return t.persist()
}

// Close flushes the position.
func (t *Tailer) Close() error {
	return t.Flush()
}

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}
