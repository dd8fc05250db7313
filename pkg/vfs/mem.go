package vfs

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/ldb/pkg/errs"
)

// MemFS is an in-memory FS for unit tests: mmap returns a live view
// backed by the same buffer writes go to, so page/branch/node tests
// don't need a real filesystem to exercise the mmap read path.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFileData
	dirs  map[string]bool
}

type memFileData struct {
	mu   sync.Mutex
	data []byte
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *MemFS {
	return &MemFS{files: make(map[string]*memFileData), dirs: map[string]bool{"": true}}
}

func (m *MemFS) Open(p string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[p]
	if !ok {
		return nil, errs.New(errs.Malfunction, "vfs: %s: no such file", p)
	}
	return &memFile{data: d}, nil
}

func (m *MemFS) Create(p string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &memFileData{}
	m.files[p] = d
	return &memFile{data: d}, nil
}

func (m *MemFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, p)
	return nil
}

func (m *MemFS) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[oldPath]
	if !ok {
		return errs.New(errs.Malfunction, "vfs: %s: no such file", oldPath)
	}
	m.files[newPath] = d
	delete(m.files, oldPath)
	return nil
}

func (m *MemFS) MkdirAll(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path.Clean(p)] = true
	return nil
}

func (m *MemFS) ReadDir(p string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = path.Clean(p)
	seen := map[string]bool{}
	var names []string
	for f := range m.files {
		dir, base := path.Split(f)
		if path.Clean(dir) == p && !seen[base] {
			seen[base] = true
			names = append(names, base)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemFS) Exists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[path.Clean(p)] {
		return true
	}
	_, ok := m.files[p]
	if ok {
		return true
	}
	for f := range m.files {
		if strings.HasPrefix(f, p+"/") {
			return true
		}
	}
	return false
}

type memFile struct {
	data *memFileData
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if off >= int64(len(f.data.data)) {
		return 0, errs.New(errs.Malfunction, "vfs: read past EOF")
	}
	n := copy(p, f.data.data[off:])
	if n < len(p) {
		return n, errs.New(errs.Malfunction, "vfs: short read")
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data.data)) {
		grown := make([]byte, end)
		copy(grown, f.data.data)
		f.data.data = grown
	}
	copy(f.data.data[off:end], p)
	return len(p), nil
}

func (f *memFile) Truncate(size int64) error {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	if size <= int64(len(f.data.data)) {
		f.data.data = f.data.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data.data)
	f.data.data = grown
	return nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Stat() (Stat, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	return Stat{Size: int64(len(f.data.data))}, nil
}

func (f *memFile) Close() error { return nil }

// Mmap returns the live backing slice directly; MemFS is used only in
// tests where aliasing writes through the "mapped" view is acceptable
// and in fact useful (it exercises the same read path as a real mmap
// without a second copy).
func (f *memFile) Mmap() ([]byte, error) {
	f.data.mu.Lock()
	defer f.data.mu.Unlock()
	return f.data.data, nil
}

func (f *memFile) Unmap() error { return nil }

func (f *memFile) Advise(offset, length int64, advice Advice) error { return nil }
