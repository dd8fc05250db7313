package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/vfs"
)

func TestOpenEmptyDirCreatesOneSegment(t *testing.T) {
	fs := vfs.NewMem()
	p, err := Open(Config{Dir: "wal", FS: fs, Mode: None}, func(Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, p.SegmentCount())
}

func TestAppendThenReopenReplaysRecords(t *testing.T) {
	fs := vfs.NewMem()
	p, err := Open(Config{Dir: "wal", FS: fs, Mode: Eager}, func(Record) error { return nil })
	require.NoError(t, err)

	require.NoError(t, p.Append(Record{LSN: 1, Payload: []byte("a")}))
	require.NoError(t, p.Append(Record{LSN: 2, Payload: []byte("b")}))
	require.NoError(t, p.Close())

	var replayed []Record
	p2, err := Open(Config{Dir: "wal", FS: fs, Mode: Eager}, func(r Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, replayed, 2)
	assert.EqualValues(t, 1, replayed[0].LSN)
	assert.EqualValues(t, 2, replayed[1].LSN)
	assert.Equal(t, 2, p2.SegmentCount()) // the replayed segment plus the fresh one rotated to
}

func TestNoneModeDiscardsExistingSegments(t *testing.T) {
	fs := vfs.NewMem()
	p, err := Open(Config{Dir: "wal", FS: fs, Mode: Eager}, func(Record) error { return nil })
	require.NoError(t, err)
	require.NoError(t, p.Append(Record{LSN: 1, Payload: []byte("a")}))
	require.NoError(t, p.Close())

	var replayed []Record
	_, err = Open(Config{Dir: "wal", FS: fs, Mode: None}, func(r Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, replayed)
}

func TestRotateWatermarkForcesNewSegment(t *testing.T) {
	fs := vfs.NewMem()
	p, err := Open(Config{Dir: "wal", FS: fs, Mode: None, RotateWatermark: 2}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Append(Record{LSN: 1, Payload: []byte("a")}))
	assert.Equal(t, 1, p.SegmentCount())
	require.NoError(t, p.Append(Record{LSN: 2, Payload: []byte("b")}))
	assert.Equal(t, 2, p.SegmentCount()) // watermark of 2 reached, rotated
}

func TestSweepRemovesOnlyReapableNonCurrentSegments(t *testing.T) {
	fs := vfs.NewMem()
	p, err := Open(Config{Dir: "wal", FS: fs, Mode: None, RotateWatermark: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, p.Append(Record{LSN: 1, Payload: []byte("a")})) // fills segment 0, rotates
	require.NoError(t, p.Append(Record{LSN: 2, Payload: []byte("b")})) // fills segment 1, rotates

	require.Equal(t, 3, p.SegmentCount())

	old := p.segments[0]
	old.close()
	old.markDurable(old.mark)

	removed, err := p.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, p.SegmentCount())
}

func TestCorruptedTailStopsReplayWithoutError(t *testing.T) {
	fs := vfs.NewMem()
	p, err := Open(Config{Dir: "wal", FS: fs, Mode: Eager}, func(Record) error { return nil })
	require.NoError(t, err)
	require.NoError(t, p.Append(Record{LSN: 1, Payload: []byte("good")}))

	seg := p.segments[0]
	f, err := fs.Open(seg.path)
	require.NoError(t, err)
	// append a truncated/garbage tail record directly
	_, err = f.WriteAt([]byte{1, 2, 3, 4}, seg.size)
	require.NoError(t, err)

	var replayed []Record
	_, err = Open(Config{Dir: "wal", FS: fs, Mode: Eager}, func(r Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.EqualValues(t, 1, replayed[0].LSN)
}
