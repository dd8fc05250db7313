package iter

import (
	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

// Direction selects the order a MergeIter walks keys in.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// MergeIter is the read path's k-way merge : it advances
// every Source in lockstep, and for each distinct key folds the
// versions contributed by every source currently positioned on it
// down to at most one visible Record, using the same VLSN/DELETE/
// UPSERT policy a point read applies.
//
// Sources must be supplied in priority order, newest contributor
// first — i0, then i1, then every durable branch newest to oldest —
// so that when two sources tie on the current key, Resolve sees their
// versions in the same newest-to-oldest order a point read's fallthrough
// chain would visit them in.
type MergeIter struct {
	sources []Source
	dir     Direction
	s       *schema.Schema
	vlsn    uint64
	fold    branch.UpsertFold

	key   []byte
	rec   *record.Record
	valid bool
}

// NewMergeIter builds a MergeIter over sources, already positioned (by
// their own seek/construction) on their first relevant key. vlsn is
// the read's visibility horizon; fold resolves an UPSERT chain's
// pending values the same way the merge writer does on the write
// path.
func NewMergeIter(sources []Source, dir Direction, s *schema.Schema, vlsn uint64, fold branch.UpsertFold) (*MergeIter, error) {
	m := &MergeIter{sources: sources, dir: dir, s: s, vlsn: vlsn, fold: fold}
	if err := m.advance(); err != nil {
		return nil, err
	}
	return m, nil
}

// Valid reports whether the iterator is positioned on a visible entry.
func (m *MergeIter) Valid() bool { return m.valid }

// Key returns the current entry's key. Only valid while Valid().
func (m *MergeIter) Key() []byte { return m.key }

// Record returns the current entry's resolved, visible Record. Only
// valid while Valid().
func (m *MergeIter) Record() *record.Record { return m.rec }

// Next advances to the following key (per Direction), skipping any
// key that resolves to "absent" (a visible DELETE).
func (m *MergeIter) Next() error { return m.advance() }

// Close releases every underlying source.
func (m *MergeIter) Close() error {
	var first error
	for _, s := range m.sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MergeIter) advance() error {
	for {
		winners := m.winningSources()
		if len(winners) == 0 {
			m.valid = false
			m.rec = nil
			m.key = nil
			return nil
		}

		key := m.sources[winners[0]].Key()
		var versions []*record.Record
		for _, i := range winners {
			versions = append(versions, m.sources[i].Versions()...)
		}
		for _, i := range winners {
			if err := m.sources[i].Next(); err != nil {
				return err
			}
		}

		rec, ok := Resolve(versions, m.vlsn, m.fold)
		if !ok {
			continue // visible result is a DELETE: this key contributes nothing
		}
		m.key = key
		m.rec = rec
		m.valid = true
		return nil
	}
}

// winningSources returns, in ascending source-priority order, the
// indices of every valid source currently positioned on the winning
// key — the smallest key for Forward, the largest for Reverse.
func (m *MergeIter) winningSources() []int {
	var winner []byte
	for _, src := range m.sources {
		if !src.Valid() {
			continue
		}
		k := src.Key()
		if winner == nil || m.ahead(k, winner) {
			winner = k
		}
	}
	if winner == nil {
		return nil
	}

	var idx []int
	for i, src := range m.sources {
		if src.Valid() && m.s.CompareKey(src.Key(), winner) == 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// ahead reports whether a should replace b as the current winning key.
func (m *MergeIter) ahead(a, b []byte) bool {
	c := m.s.CompareKey(a, b)
	if m.dir == Reverse {
		return c > 0
	}
	return c < 0
}

// Resolve applies the point-read visibility policy to every version
// of one key, newest-to-oldest across every
// contributing source, and reports the single visible Record, if any.
// The walk stops at the first version whose LSN is <= vlsn:
//   - a DELETE makes the key absent;
//   - an UPSERT chain folds, oldest-to-newest (the same direction
//     pkg/branch's MergeWriter folds in), starting from the base found
//     by continuing the walk past the UPSERT run to its terminator (a
//     plain write, or nil if the chain runs off the end);
//   - anything else is returned as-is.
//
// Versions above vlsn (not yet visible to this read) are skipped and
// never participate in the fold — a read never observes a commit it
// raced with by folding into it.
func Resolve(versions []*record.Record, vlsn uint64, fold branch.UpsertFold) (*record.Record, bool) {
	i := 0
	for i < len(versions) && versions[i].LSN > vlsn {
		i++
	}
	if i == len(versions) {
		return nil, false
	}

	head := versions[i]
	if head.IsDelete() {
		return nil, false
	}
	if !head.IsUpsert() || head.IsSaveUpsert() {
		return head, true
	}

	var chain []*record.Record
	j := i
	for j < len(versions) && versions[j].IsUpsert() && !versions[j].IsSaveUpsert() {
		chain = append(chain, versions[j])
		j++
	}

	var base []byte
	var terminator *record.Record
	if j < len(versions) {
		terminator = versions[j]
		if terminator.IsDelete() {
			base = nil
		} else {
			base = terminator.Value
		}
	}

	for k := len(chain) - 1; k >= 0; k-- {
		up := chain[k]
		if fold != nil {
			base = fold(base, up.Value)
		} else {
			base = up.Value
		}
	}

	meta := chain[0]
	if terminator != nil {
		meta = terminator
	}
	out := record.New(chain[0].Key, base, meta.Flags&^(record.Upsert|record.Dup|record.Delete))
	out = out.WithLSN(chain[0].LSN)
	out.Timestamp = meta.Timestamp
	return out, true
}
