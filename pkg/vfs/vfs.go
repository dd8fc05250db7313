// Package vfs abstracts the file operations the storage engine needs
// as an external collaborator; this package
// is the minimal Go-native implementation the core needs to actually
// run. Every component that touches
// disk — pkg/wal, pkg/node, pkg/branch — takes an FS instead of
// calling os.* directly, so tests can substitute an in-memory FS.
package vfs

import "io"

// File is the subset of *os.File operations the engine needs,
// plus Sync for durability and Advise for the OS-backed
// implementation's madvise hints.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	Sync() error
	Stat() (Stat, error)

	// Mmap maps the whole file read-only and returns the backing
	// slice. Unmap must be called exactly once per successful Mmap.
	Mmap() ([]byte, error)
	Unmap() error

	// Advise hints at how the range [offset, offset+length) will be
	// accessed (e.g. AdviceRandom, AdviceSequential, AdviceDontNeed).
	Advise(offset, length int64, advice Advice) error
}

// Advice mirrors the subset of POSIX madvise() hints the planner's
// anticache zone needs to issue.
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceRandom
	AdviceSequential
	AdviceWillNeed
	AdviceDontNeed
)

// Stat is the subset of file metadata the engine inspects.
type Stat struct {
	Size int64
}

// FS abstracts a directory tree of node files, WAL segments, the
// schema file, and the snapshot file.
type FS interface {
	// Open opens an existing file for read/write.
	Open(path string) (File, error)
	// Create creates a new file, truncating it if it already exists.
	Create(path string) (File, error)
	// Remove deletes a file. Removing a file that doesn't exist is
	// not an error.
	Remove(path string) error
	// Rename atomically renames oldPath to newPath.
	Rename(oldPath, newPath string) error
	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string) error
	// ReadDir lists the entry names of a directory.
	ReadDir(path string) ([]string, error)
	// Exists reports whether path exists.
	Exists(path string) bool
}
