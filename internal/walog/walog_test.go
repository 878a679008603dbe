package walog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendFlushAndReopenReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.wal")

	w, err := Create(path, DefaultSize)
	require.NoError(t, err)

	off0, err := w.Append([]byte("first"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off0)

	off1, err := w.Append([]byte("second-record"))
	require.NoError(t, err)
	require.Equal(t, int64(4+len("first")), off1)

	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	reopened, records, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Len(t, records, 2)
	require.Equal(t, off0, records[0].Offset)
	require.Equal(t, "first", string(records[0].Payload))
	require.Equal(t, off1, records[1].Offset)
	require.Equal(t, "second-record", string(records[1].Payload))
}

func TestCheckHasRoomAndOverflow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.wal")

	w, err := Create(path, 64)
	require.NoError(t, err)
	defer w.Close()

	require.True(t, w.CheckHasRoom(40))
	_, err = w.Append(make([]byte, 100))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestRenameKeepsMmapValid(t *testing.T) {
	dir := t.TempDir()
	memPath := filepath.Join(dir, "mem.wal")
	immPath := filepath.Join(dir, "imm.wal")

	w, err := Create(memPath, DefaultSize)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	require.NoError(t, w.Rename(immPath))
	require.Equal(t, immPath, w.Path())

	_, records, err := Open(immPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "payload", string(records[0].Payload))
}

func TestReopenResetsForFreshUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.wal")

	w, err := Create(path, DefaultSize)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("stale"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	require.NoError(t, w.Reopen(DefaultSize))
	require.Equal(t, int64(0), w.Offset())

	off, err := w.Append([]byte("fresh"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off)
}

func TestFinalizeHandsOffFileAndKeepsReadsWorking(t *testing.T) {
	dir := t.TempDir()
	memPath := filepath.Join(dir, "mem.wal")
	dataPath := filepath.Join(dir, "data.gy")

	w, err := Create(memPath, DefaultSize)
	require.NoError(t, err)

	off, err := w.Append([]byte("doc-record"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	f, length, err := w.Finalize(dataPath)
	require.NoError(t, err)
	require.Equal(t, int64(4+len("doc-record")), length)

	// The zero-filled tail is gone and the handle appends after the docs.
	fi, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, length, fi.Size())
	_, err = f.WriteString("appended-block")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Readers still resolve committed records through the original mapping.
	payload, err := w.ReadAt(off)
	require.NoError(t, err)
	require.Equal(t, "doc-record", string(payload))
	require.NoError(t, w.Close())
}

func TestUnflushedAppendsAreNotReplayed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.wal")

	w, err := Create(path, DefaultSize)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	_, err = w.Append([]byte("staged-only"))
	require.NoError(t, err)

	records, _, err := w.scan()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "durable", string(records[0].Payload))
}
