package task

import (
	"github.com/cuemby/ldb/pkg/iter"
	"github.com/cuemby/ldb/pkg/record"
	"github.com/cuemby/ldb/pkg/schema"
)

// rawMerge walks a set of iter.Source in ascending-key order and
// yields, for each distinct key, every version any winning source
// holds for it — newest first, undeduplicated and unfolded. It
// mirrors iter.MergeIter's winner-selection exactly (same priority
// rule: the caller orders sources most-recent-first, so concatenating
// winners' Versions() in source order already yields a globally
// descending-LSN chain per key) but skips MergeIter's visibility
// Resolve step, since branch/compact tasks feed every surviving
// version into branch.MergeWriter themselves.
type rawMerge struct {
	sources []iter.Source
	s       *schema.Schema
}

func newRawMerge(sources []iter.Source, s *schema.Schema) *rawMerge {
	return &rawMerge{sources: sources, s: s}
}

// next returns the next key and its versions (newest first), or
// ok=false once every source is exhausted.
func (m *rawMerge) next() (key []byte, versions []*record.Record, err error) {
	winners := m.winningSources()
	if len(winners) == 0 {
		return nil, nil, nil
	}

	key = m.sources[winners[0]].Key()
	for _, i := range winners {
		versions = append(versions, m.sources[i].Versions()...)
	}
	for _, i := range winners {
		if e := m.sources[i].Next(); e != nil {
			return nil, nil, e
		}
	}
	return key, versions, nil
}

func (m *rawMerge) close() error {
	var first error
	for _, s := range m.sources {
		if e := s.Close(); e != nil && first == nil {
			first = e
		}
	}
	return first
}

func (m *rawMerge) winningSources() []int {
	var winner []byte
	for _, src := range m.sources {
		if !src.Valid() {
			continue
		}
		k := src.Key()
		if winner == nil || m.s.CompareKey(k, winner) < 0 {
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
