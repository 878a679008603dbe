// Package walog implements the fixed-size, memory-mapped write-ahead log
// that backs one mutable (or frozen) segment: a length-prefixed append log
// with a small staging buffer in front of the mapped region.
package walog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// DefaultSize is the default fixed WAL file size.
const DefaultSize = 2 * 1024 * 1024

// StageBufferSize is the capacity of the in-memory buffer that absorbs
// small writes before they are copied into the mapped region.
const StageBufferSize = 32 * 1024

const lengthPrefixSize = 4

// ErrOverflow is returned by Append when the record would not fit before
// the WAL's fixed size; the Collection handles this by flushing mem to imm
// and swapping in a fresh WAL. It is never surfaced to a library caller.
var ErrOverflow = errors.New("walog: insufficient room for record")

// Record is one (offset, payload) pair produced during replay.
type Record struct {
	Offset  int64
	Payload []byte
}

// WAL is a fixed-size append-only log over a memory-mapped file.
type WAL struct {
	path string
	file *os.File
	mm   mmap.MMap
	size int64

	flushed int64 // bytes durably copied into mm; also the write cursor
	stage   []byte
}

// Create creates a fresh, zero-filled WAL file of the given size and maps
// it.
func Create(path string, size int64) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: truncate %s: %w", path, err)
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: mmap %s: %w", path, err)
	}
	return &WAL{
		path:  path,
		file:  f,
		mm:    mm,
		size:  size,
		stage: make([]byte, 0, StageBufferSize),
	}, nil
}

// Open maps an existing WAL file and replays it, returning every record up
// to the first zero-length prefix (or end of file). The returned WAL's
// write cursor resumes right after the last replayed record, so further
// Appends continue the log rather than overwrite it.
func Open(path string) (*WAL, []Record, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("walog: mmap %s: %w", path, err)
	}
	w := &WAL{
		path:  path,
		file:  f,
		mm:    mm,
		size:  fi.Size(),
		stage: make([]byte, 0, StageBufferSize),
	}
	records, pos, err := w.scan()
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, nil, err
	}
	w.flushed = pos
	return w, records, nil
}

// scan walks the mapped region from offset 0 by the length-prefix
// convention, stopping at the first zero-size prefix (the end-of-stream
// marker) or at the mapped region's end.
func (w *WAL) scan() ([]Record, int64, error) {
	var out []Record
	pos := int64(0)
	for pos+lengthPrefixSize <= int64(len(w.mm)) {
		size := binary.BigEndian.Uint32(w.mm[pos : pos+lengthPrefixSize])
		if size == 0 {
			break
		}
		start := pos + lengthPrefixSize
		end := start + int64(size)
		if end > int64(len(w.mm)) {
			return out, pos, fmt.Errorf("walog: truncated record at offset %d", pos)
		}
		payload := make([]byte, size)
		copy(payload, w.mm[start:end])
		out = append(out, Record{Offset: pos, Payload: payload})
		pos = end
	}
	return out, pos, nil
}

// ReadAt reads and returns the payload of the single length-prefixed
// record at offset (as previously returned by Append), without rescanning
// the log from the start.
func (w *WAL) ReadAt(offset int64) ([]byte, error) {
	if offset < 0 || offset+lengthPrefixSize > int64(len(w.mm)) {
		return nil, fmt.Errorf("walog: offset %d out of range", offset)
	}
	size := binary.BigEndian.Uint32(w.mm[offset : offset+lengthPrefixSize])
	start := offset + lengthPrefixSize
	end := start + int64(size)
	if end > int64(len(w.mm)) {
		return nil, fmt.Errorf("walog: truncated record at offset %d", offset)
	}
	out := make([]byte, size)
	copy(out, w.mm[start:end])
	return out, nil
}

// Offset returns the current logical write position: durably flushed
// bytes plus whatever is currently staged.
func (w *WAL) Offset() int64 {
	return w.flushed + int64(len(w.stage))
}

// CheckHasRoom reports whether a record serializing to size bytes can
// still be appended before the WAL's fixed size is reached.
func (w *WAL) CheckHasRoom(size int) bool {
	return w.Offset()+int64(lengthPrefixSize+size) <= w.size
}

// Append stages a length-prefixed record and returns its logical offset.
// The offset is valid for replay only once Flush has made it durable.
func (w *WAL) Append(record []byte) (int64, error) {
	if !w.CheckHasRoom(len(record)) {
		return 0, ErrOverflow
	}
	off := w.Offset()
	total := lengthPrefixSize + len(record)

	if len(w.stage)+total > cap(w.stage) {
		if err := w.Flush(); err != nil {
			return 0, err
		}
	}
	if total > cap(w.stage) {
		if err := w.writeThrough(record); err != nil {
			return 0, err
		}
		return off, nil
	}

	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(record)))
	w.stage = append(w.stage, hdr[:]...)
	w.stage = append(w.stage, record...)
	return off, nil
}

func (w *WAL) writeThrough(record []byte) error {
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(record)))
	n := copy(w.mm[w.flushed:], hdr[:])
	w.flushed += int64(n)
	n = copy(w.mm[w.flushed:], record)
	w.flushed += int64(n)
	return nil
}

// Flush copies staged bytes into the mapped region and advances the
// durable write cursor. Called after every successful engine add so that
// replay (and any concurrent reader relying on durable state) sees it.
func (w *WAL) Flush() error {
	if len(w.stage) == 0 {
		return nil
	}
	n := copy(w.mm[w.flushed:], w.stage)
	w.flushed += int64(n)
	w.stage = w.stage[:0]
	return nil
}

// Sync flushes staged bytes and msyncs the mapped region to disk.
func (w *WAL) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.mm.Flush()
}

// Path returns the WAL's current backing file path.
func (w *WAL) Path() string { return w.path }

// Size returns the WAL's fixed file size.
func (w *WAL) Size() int64 { return w.size }

// Rename moves the backing file to newPath. The existing mmap remains
// valid (it is bound to the file's inode, not its path), so no remapping
// is needed; used to turn a mem WAL into the imm WAL on freeze.
func (w *WAL) Rename(newPath string) error {
	if err := os.Rename(w.path, newPath); err != nil {
		return fmt.Errorf("walog: rename %s -> %s: %w", w.path, newPath, err)
	}
	w.path = newPath
	return nil
}

// Reopen truncates the backing file to newSize, zero-filling it, and
// remaps it with the write cursor reset to the start. Used to turn a
// drained WAL file handle into the fresh mem WAL after a flush-and-swap.
func (w *WAL) Reopen(newSize int64) error {
	if err := w.mm.Unmap(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if err := w.file.Truncate(newSize); err != nil {
		return err
	}
	mm, err := mmap.Map(w.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("walog: remap %s: %w", w.path, err)
	}
	w.mm = mm
	w.size = newSize
	w.flushed = 0
	w.stage = w.stage[:0]
	return nil
}

// Close unmaps and closes the backing file.
func (w *WAL) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.mm.Unmap(); err != nil {
		return err
	}
	return w.file.Close()
}

// Remove closes then deletes the backing file, used once an imm's content
// has been durably persisted to a disk segment.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

// Finalize hands the WAL's backing file off to a disk segment writer: the
// file is renamed to newPath, its zero-padded tail beyond the durable write
// cursor is truncated away, and a fresh handle positioned at the cursor
// (end of the valid record stream) is returned for the writer to keep
// appending blocks to in place. The WAL's own mapping is left intact so
// readers still holding a handle on the frozen segment keep resolving
// committed records; Close releases it once they drain. No further
// Appends are allowed.
func (w *WAL) Finalize(newPath string) (*os.File, int64, error) {
	if err := w.Flush(); err != nil {
		return nil, 0, err
	}
	if err := w.mm.Flush(); err != nil {
		return nil, 0, err
	}
	length := w.flushed
	if err := os.Rename(w.path, newPath); err != nil {
		return nil, 0, fmt.Errorf("walog: finalize rename %s -> %s: %w", w.path, newPath, err)
	}
	w.path = newPath
	f, err := os.OpenFile(newPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("walog: finalize reopen %s: %w", newPath, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("walog: finalize truncate %s: %w", newPath, err)
	}
	if _, err := f.Seek(length, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, length, nil
}
