// Package filter defines the engine's pluggable compression interface
// ("Filter interface the core consumes") and the built-in
// no-op implementation. Real compressors (zstd, snappy, ...) are
// external collaborators, Non-goals — this package only
// owns the seam and the identity filter.
package filter

import "github.com/cuemby/ldb/pkg/errs"

// Compressor transforms a page or branch's post-header byte region on
// the way to disk (Compress) and back (Decompress). Implementations
// must be safe for concurrent use: the engine shares one Compressor
// across every page builder and reader for a given branch.
type Compressor interface {
	// Name identifies the filter for branch-trailer bookkeeping and
	// for fast-path dispatch at read time.
	Name() string
	Compress(src []byte) []byte
	// Decompress expands src back to exactly originalSize bytes.
	Decompress(src []byte, originalSize int) ([]byte, error)
}

// None is the identity filter: the core treats it as "a valid, fast
// no-op".
type None struct{}

func (None) Name() string { return "none" }

func (None) Compress(src []byte) []byte { return src }

func (None) Decompress(src []byte, originalSize int) ([]byte, error) {
	if len(src) != originalSize {
		return nil, errs.New(errs.Malfunction, "filter: none decompress size mismatch")
	}
	return src, nil
}

// Registry resolves a filter by name, for branch trailers that record
// which compressor produced them (compression-choice TLV
// entry in the schema file) and for opening a branch written under an
// older configuration than the database's current default.
type Registry struct {
	byName map[string]Compressor
}

// NewRegistry builds a Registry seeded with None, always resolvable
// under the name "none".
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Compressor{"none": None{}}}
}

// Register adds or replaces the Compressor resolved for name.
func (r *Registry) Register(c Compressor) {
	r.byName[c.Name()] = c
}

// Resolve looks up a Compressor by name.
func (r *Registry) Resolve(name string) (Compressor, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, errs.New(errs.Invariant, "filter: unknown compressor %q", name)
	}
	return c, nil
}
