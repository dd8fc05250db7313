package engine

import "github.com/holiman/bloomfilter/v2"

// amqf wraps *bloomfilter.Filter to satisfy task.BloomAdder, isolated
// to its own file since pkg/task never imports the concrete bloom
// library (task.BloomAdder exists precisely so pkg/task doesn't have
// to). Sized for about a million (1<<20) keys per node at a 1%
// false-positive rate; a node that outgrows this
// estimate just gets a noisier filter; it's purely a negative-lookup
// skip, not a correctness dependency ("approximate member
// query filter").
//
// Assumption (unverified locally, no module cache to check against):
// NewOptimal(maxElements uint64, falsePositiveRate float64)
// (*Filter, error), with Add(hash uint64) and MarshalBinary()
// matching task.BloomAdder's signature — see DESIGN.md.
const (
	amqfMaxElements       = 1 << 20
	amqfFalsePositiveRate = 0.01
)

func newAMQF() *amqfAdder {
	f, err := bloomfilter.NewOptimal(amqfMaxElements, amqfFalsePositiveRate)
	if err != nil {
		// NewOptimal only fails on a degenerate (n=0 or p<=0) request,
		// which the constants above never produce.
		panic(err)
	}
	return &amqfAdder{f: f}
}

type amqfAdder struct {
	f *bloomfilter.Filter
}

func (a *amqfAdder) Add(hash uint64) { a.f.Add(bloomfilter.Hash(hash)) }

func (a *amqfAdder) MarshalBinary() ([]byte, error) { return a.f.MarshalBinary() }
