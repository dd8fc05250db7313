package wal

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/ldb/pkg/metrics"
	"github.com/cuemby/ldb/pkg/vfs"
)

// RecoveryMode selects how the pool replays existing segments at
// open.
type RecoveryMode int

const (
	// Eager does a full single-phase replay: every record is applied
	// to the normal write path in order.
	Eager RecoveryMode = iota
	// TwoPhase scans metadata first (building the durable LSN
	// horizon per node) and replays payload in a second pass.
	TwoPhase
	// None resets the pool, discarding all existing segments without
	// replay — used for fixture setup and destructive reopen.
	None
)

// Config configures a Pool.
type Config struct {
	Dir             string
	FS              vfs.FS
	RotateWatermark int // records per segment before forcing rotation
	Mode            RecoveryMode
	Logger          zerolog.Logger
}

// Apply is called once per replayed record during recovery, in
// segment and in-segment order, with the original LSN intact.
type Apply func(Record) error

// Pool is the write-ahead log: a numbered sequence of segments in
// Dir, only the newest of which accepts appends.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger

	segments []*Segment
	nextID   uint64
}

// Open opens every existing segment in cfg.Dir, replays them per
// cfg.Mode via apply, and rotates to a fresh empty segment: every
// existing segment is opened at recovery, and once all segments are
// replayed the pool rotates to a fresh empty segment.
func Open(cfg Config, apply Apply) (*Pool, error) {
	if cfg.RotateWatermark <= 0 {
		cfg.RotateWatermark = 10000
	}
	if err := cfg.FS.MkdirAll(cfg.Dir); err != nil {
		return nil, err
	}

	p := &Pool{cfg: cfg, logger: cfg.Logger}

	ids, err := existingSegmentIDs(cfg.FS, cfg.Dir)
	if err != nil {
		return nil, err
	}

	if cfg.Mode == None {
		for _, id := range ids {
			_ = cfg.FS.Remove(segmentPath(cfg.Dir, id))
		}
		ids = nil
	}

	var segs []*Segment
	for _, id := range ids {
		seg, err := openSegment(cfg.FS, cfg.Dir, id)
		if err != nil {
			return nil, err
		}
		seg.close()
		segs = append(segs, seg)
		if id >= p.nextID {
			p.nextID = id + 1
		}
	}

	if cfg.Mode == TwoPhase {
		// Phase one: walk every segment's records without calling
		// apply, confirming each segment's well-formed prefix decodes
		// cleanly and tracking the highest LSN any segment holds. This
		// runs to completion across the whole pool before phase two
		// touches the write path, so a corrupt segment late in the
		// sequence is caught before any record from an earlier segment
		// has been applied.
		var horizon uint64
		for _, seg := range segs {
			maxLSN, count, err := seg.scanMetadata()
			if err != nil {
				return nil, err
			}
			if maxLSN > horizon {
				horizon = maxLSN
			}
			p.logger.Debug().Uint64("segment_id", seg.ID).Int("records", count).
				Msg("wal: two-phase recovery metadata scan")
		}
		p.logger.Debug().Uint64("lsn_horizon", horizon).Msg("wal: two-phase recovery metadata scan complete")
	}

	if cfg.Mode == Eager || cfg.Mode == TwoPhase {
		// Phase two (and eager's only phase): replay every segment's
		// records against apply, in order.
		for _, seg := range segs {
			if err := seg.replay(apply); err != nil {
				return nil, err
			}
		}
	}

	p.segments = segs

	if err := p.rotate(); err != nil {
		return nil, err
	}
	return p, nil
}

func existingSegmentIDs(fs vfs.FS, dir string) ([]uint64, error) {
	names, err := fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, name := range names {
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".wal"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// current returns the newest (appendable) segment. Caller holds p.mu.
func (p *Pool) current() *Segment {
	return p.segments[len(p.segments)-1]
}

// rotate closes the current segment (if any) and opens a fresh one.
// Caller may or may not hold p.mu; rotate takes it itself.
func (p *Pool) rotate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked()
}

func (p *Pool) rotateLocked() error {
	if len(p.segments) > 0 {
		p.current().close()
	}
	seg, err := createSegment(p.cfg.FS, p.cfg.Dir, p.nextID)
	if err != nil {
		return err
	}
	p.nextID++
	p.segments = append(p.segments, seg)
	p.logger.Debug().Uint64("segment_id", seg.ID).Msg("wal: rotated to new segment")
	return nil
}

// Append writes r to the current segment, rotating first if the
// watermark has been reached.
func (p *Pool) Append(r Record) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WALAppendDuration)

	buf := Encode(r)

	p.mu.Lock()
	seg := p.current()
	p.mu.Unlock()

	if err := seg.append(buf); err != nil {
		return err
	}
	metrics.WALAppendsTotal.Inc()

	p.mu.Lock()
	needRotate := seg.mark >= p.cfg.RotateWatermark
	p.mu.Unlock()
	if needRotate {
		return p.rotate()
	}
	return nil
}

// MarkSegmentDurable records that count more of segment segmentID's
// records are now durable in some branch, for sweep accounting. An
// unknown segmentID is ignored.
func (p *Pool) MarkSegmentDurable(segmentID uint64, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seg := range p.segments {
		if seg.ID == segmentID {
			seg.markDurable(count)
			return
		}
	}
}

// MarkAllDurableExceptCurrent marks every closed segment fully durable
// in one step. The engine's checkpoint coordinator calls this once it
// has confirmed every node has flushed past the LSN a checkpoint
// round began at ("fsync discipline" horizon): at that
// point every record any closed segment could hold is known to be
// represented in some branch, so there is no need to track exact
// per-segment counts for the common case — only a resumed crash
// recovery needs them, and recovery never calls this.
func (p *Pool) MarkAllDurableExceptCurrent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.segments) == 0 {
		return
	}
	for _, seg := range p.segments[:len(p.segments)-1] {
		seg.mu.Lock()
		seg.sweep = seg.mark
		seg.mu.Unlock()
	}
}

// Sweep deletes every segment whose records are all known durable
// ("Segments whose records are all known to have been
// persisted into some branch... are deleted by a background sweep"),
// never touching the current appendable segment.
func (p *Pool) Sweep() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.segments[:0]
	removed := 0
	for i, seg := range p.segments {
		last := i == len(p.segments)-1
		if !last && seg.reapable() {
			if err := p.cfg.FS.Remove(seg.path); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	p.segments = kept
	if removed > 0 {
		metrics.WALSweptSegmentsTotal.Add(float64(removed))
	}
	return removed, nil
}

// SegmentCount reports the number of segments currently in the pool.
func (p *Pool) SegmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments)
}

// Close marks the current segment complete. It does not close
// underlying file handles owned by the vfs.FS implementation's
// lifecycle beyond what Sweep/Remove already manage.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.segments) == 0 {
		return nil
	}
	p.current().close()
	return nil
}
