package branch

import (
	"bytes"

	"github.com/cuemby/ldb/pkg/page"
	"github.com/cuemby/ldb/pkg/record"
)

// UpsertFold merges an older base value with a newer UPSERT's value,
// in chronological (oldest-base-first) order. base is nil when no
// older version exists beneath the fold chain.
type UpsertFold func(base, upsert []byte) []byte

// MergeInput is one version in the globally ordered (ascending key,
// then descending LSN per key) stream the merge writer consumes —
// produced by pkg/iter's read-side merge iterator.
type MergeInput struct {
	Key       []byte
	Value     []byte
	Flags     record.Flag
	LSN       uint64
	Timestamp uint32
}

// MergePolicy carries visibility-horizon parameters: VLSN
// (keep exactly one version at or below it per key), VLSNLRU (drop
// everything below it outright), IsRoot (whether the branch being
// produced is the root of its node — no older data beneath it — which
// licenses dropping passed DELETEs), and Fold (the user-supplied
// upsert merge function).
type MergePolicy struct {
	VLSN    uint64
	VLSNLRU uint64
	IsRoot  bool
	Fold    UpsertFold
}

// MergeWriter applies a MergePolicy to a MergeInput stream and feeds
// surviving versions into a sequence of branch.Builder outputs,
// starting a new one whenever the current output's Size reaches
// nodeSizeWatermark — the node-split trigger.
type MergeWriter struct {
	policy            MergePolicy
	nodeSizeWatermark int
	newOutput         func() *Builder

	cur     *Builder
	outputs []*Builder

	curKey       []byte
	emittedAny   bool // an emit has already happened for curKey in this output
	keptOne      bool // the <=VLSN chain for curKey has been finalized
	pendingUp    []MergeInput // buffered UPSERTs below VLSN, newest-first, awaiting a terminator
}

// NewMergeWriter starts a writer with one fresh output from
// newOutput.
func NewMergeWriter(policy MergePolicy, nodeSizeWatermark int, newOutput func() *Builder) *MergeWriter {
	w := &MergeWriter{policy: policy, nodeSizeWatermark: nodeSizeWatermark, newOutput: newOutput}
	w.cur = newOutput()
	w.outputs = append(w.outputs, w.cur)
	return w
}

// Add feeds one more version of the stream through the visibility
// policy, in (ascending key, descending LSN) order.
func (w *MergeWriter) Add(in MergeInput) {
	if in.LSN < w.policy.VLSNLRU {
		return // "below vlsn_lru discard all versions"
	}

	if w.curKey == nil || !bytes.Equal(in.Key, w.curKey) {
		w.flushPending() // an upsert chain that never hit a terminator: base is absent
		w.curKey = append([]byte(nil), in.Key...)
		w.emittedAny = false
		w.keptOne = false
		w.pendingUp = nil
	}

	if in.LSN > w.policy.VLSN {
		w.emit(in) // newer than the horizon: always visible, untouched
		return
	}
	if w.keptOne {
		return // the one visible <=VLSN version for this key is already finalized
	}

	switch {
	case in.Flags.Has(record.Delete):
		if len(w.pendingUp) > 0 {
			w.resolvePending(nil) // the UPSERTs above the DELETE fold onto an absent base
		} else if !(w.policy.IsRoot) {
			w.emit(in)
		}
		w.keptOne = true
		w.pendingUp = nil

	case in.Flags.Has(record.Upsert) && !in.Flags.Has(record.SaveUpsert):
		w.pendingUp = append(w.pendingUp, in)

	case in.Flags.Has(record.Upsert): // SaveUpsert: retained unresolved, terminates the chain
		w.emit(in)
		w.keptOne = true
		w.pendingUp = nil

	default:
		w.resolvePending(&in)
		w.keptOne = true
	}
}

// resolvePending folds any buffered UPSERTs (oldest first) onto
// terminator's value and emits the result. If terminator is nil, the
// oldest buffered UPSERT's metadata is used and its value is the
// fold's starting base.
func (w *MergeWriter) resolvePending(terminator *MergeInput) {
	if len(w.pendingUp) == 0 {
		if terminator != nil {
			w.emit(*terminator)
		}
		return
	}

	var base []byte
	meta := w.pendingUp[len(w.pendingUp)-1]
	start := len(w.pendingUp) - 1
	if terminator != nil {
		base = terminator.Value
		meta = *terminator
		start = len(w.pendingUp)
	} else {
		base = w.pendingUp[len(w.pendingUp)-1].Value
		start = len(w.pendingUp) - 1
	}

	fold := w.policy.Fold
	for i := start - 1; i >= 0; i-- {
		up := w.pendingUp[i]
		if fold != nil {
			base = fold(base, up.Value)
		} else {
			base = up.Value
		}
	}

	out := MergeInput{Key: w.curKey, Value: base, Flags: meta.Flags &^ record.Upsert, LSN: meta.LSN, Timestamp: meta.Timestamp}
	w.emit(out)
	w.pendingUp = nil
}

func (w *MergeWriter) flushPending() {
	if len(w.pendingUp) > 0 && !w.keptOne {
		w.resolvePending(nil)
	}
	w.pendingUp = nil
}

func (w *MergeWriter) emit(in MergeInput) {
	flags := in.Flags
	if w.emittedAny {
		flags |= record.Dup
	} else {
		flags &^= record.Dup
		w.emittedAny = true
	}
	w.cur.Add(page.Record{Key: in.Key, Value: in.Value, Flags: flags, LSN: in.LSN, Timestamp: in.Timestamp})
	if w.cur.Size() >= w.nodeSizeWatermark {
		w.cur = w.newOutput()
		w.outputs = append(w.outputs, w.cur)
	}
}

// Finish flushes any pending fold chain and closes every output,
// returning their encoded branch byte streams and metadata. More
// than one output signals the caller must split the node.
func (w *MergeWriter) Finish() ([][]byte, []Branch, error) {
	w.flushPending()

	var blobs [][]byte
	var branches []Branch
	for _, b := range w.outputs {
		if b.cur.Len() == 0 && len(b.pages) == 0 {
			continue
		}
		blob, br, err := b.Finish()
		if err != nil {
			return nil, nil, err
		}
		blobs = append(blobs, blob)
		branches = append(branches, br)
	}
	return blobs, branches, nil
}
