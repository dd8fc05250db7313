package wal

import (
	"fmt"
	"sync"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/vfs"
)

// Segment is one log file in the pool ("Log segment"): an id,
// a file handle, mark/sweep counters, a completion flag, and a
// file-level lock held for the duration of a single append.
type Segment struct {
	mu sync.Mutex

	ID       uint64
	path     string
	file     vfs.File
	size     int64
	mark     int // records appended
	sweep    int // records known durable in a branch
	complete bool
}

func segmentPath(dir string, id uint64) string {
	return fmt.Sprintf("%s/%020d.wal", dir, id)
}

func openSegment(fs vfs.FS, dir string, id uint64) (*Segment, error) {
	p := segmentPath(dir, id)
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &Segment{ID: id, path: p, file: f, size: st.Size}, nil
}

func createSegment(fs vfs.FS, dir string, id uint64) (*Segment, error) {
	p := segmentPath(dir, id)
	f, err := fs.Create(p)
	if err != nil {
		return nil, err
	}
	return &Segment{ID: id, path: p, file: f}, nil
}

// Append writes buf at the segment's current end and fsyncs before
// returning, incrementing the mark counter by one ("rotation
// is triggered by record count watermark").
func (s *Segment) append(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return errs.Wrap(errs.Malfunction, err, "wal: append to segment %d", s.ID)
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.size += int64(len(buf))
	s.mark++
	return nil
}

// markDurable records that count more of this segment's records are
// now known durable in a branch.
func (s *Segment) markDurable(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep += count
}

// reapable reports whether every record in the segment is known
// durable and the segment is closed to further appends (:
// "mark == sweep && complete").
func (s *Segment) reapable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete && s.mark == s.sweep
}

func (s *Segment) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
}

// scanMetadata walks the segment's records the same way replay does,
// but without invoking apply: the metadata-only first phase of
// two-phase recovery . It reports the highest LSN seen
// and how many well-formed records were found, so Pool.Open can
// validate every segment's readable prefix and establish the
// recovery LSN horizon before phase two applies a single record.
func (s *Segment) scanMetadata() (maxLSN uint64, count int, err error) {
	st, err := s.file.Stat()
	if err != nil {
		return 0, 0, err
	}
	if st.Size == 0 {
		return 0, 0, nil
	}
	buf := make([]byte, st.Size)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return 0, 0, errs.Wrap(errs.Malfunction, err, "wal: read segment %d", s.ID)
	}

	off := 0
	for off < len(buf) {
		r, n, err := Decode(buf[off:])
		if err != nil {
			break // truncated tail write; same stopping rule as replay
		}
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
		count++
		off += n
	}
	return maxLSN, count, nil
}

// replay runs Decode over the segment's contents from the beginning,
// calling fn for each well-formed record, stopping at the first
// truncated header or CRC mismatch.
func (s *Segment) replay(fn func(Record) error) error {
	st, err := s.file.Stat()
	if err != nil {
		return err
	}
	if st.Size == 0 {
		return nil
	}
	buf := make([]byte, st.Size)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return errs.Wrap(errs.Malfunction, err, "wal: read segment %d", s.ID)
	}

	off := 0
	for off < len(buf) {
		r, n, err := Decode(buf[off:])
		if err != nil {
			break // truncated tail write; stop replay here, not an error
		}
		if err := fn(r); err != nil {
			return err
		}
		off += n
		s.mark++
	}
	return nil
}
