package vfs

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/ldb/pkg/errs"
)

// OSFileSystem is the production FS backed by the local filesystem,
// using golang.org/x/sys/unix for mmap/madvise — there is no portable
// mmap in the standard library.
type OSFileSystem struct{}

// NewOS returns the OS-backed filesystem.
func NewOS() *OSFileSystem { return &OSFileSystem{} }

func (OSFileSystem) Open(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "vfs: open %s", path)
	}
	return &osFile{f: f}, nil
}

func (OSFileSystem) Create(path string) (File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "vfs: create %s", path)
	}
	return &osFile{f: f}, nil
}

func (OSFileSystem) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Malfunction, err, "vfs: remove %s", path)
	}
	return nil
}

func (OSFileSystem) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return errs.Wrap(errs.Malfunction, err, "vfs: rename %s -> %s", oldPath, newPath)
	}
	return nil
}

func (OSFileSystem) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errs.Wrap(errs.Malfunction, err, "vfs: mkdir %s", path)
	}
	return nil
}

func (OSFileSystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "vfs: readdir %s", path)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (OSFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type osFile struct {
	f    *os.File
	mmap []byte
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *osFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }

func (o *osFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return errs.Wrap(errs.Malfunction, err, "vfs: truncate to %d", size)
	}
	return nil
}

func (o *osFile) Sync() error {
	if err := o.f.Sync(); err != nil {
		return errs.Wrap(errs.Malfunction, err, "vfs: fsync")
	}
	return nil
}

func (o *osFile) Stat() (Stat, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return Stat{}, errs.Wrap(errs.Malfunction, err, "vfs: stat")
	}
	return Stat{Size: fi.Size()}, nil
}

func (o *osFile) Close() error {
	if o.mmap != nil {
		if err := o.Unmap(); err != nil {
			return err
		}
	}
	return o.f.Close()
}

func (o *osFile) Mmap() ([]byte, error) {
	if o.mmap != nil {
		return o.mmap, nil
	}
	st, err := o.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size == 0 {
		return nil, nil
	}
	b, err := unix.Mmap(int(o.f.Fd()), 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "vfs: mmap")
	}
	o.mmap = b
	return b, nil
}

func (o *osFile) Unmap() error {
	if o.mmap == nil {
		return nil
	}
	err := unix.Munmap(o.mmap)
	o.mmap = nil
	if err != nil {
		return errs.Wrap(errs.Malfunction, err, "vfs: munmap")
	}
	return nil
}

func (o *osFile) Advise(offset, length int64, advice Advice) error {
	if o.mmap == nil {
		return nil
	}
	end := offset + length
	if end > int64(len(o.mmap)) {
		end = int64(len(o.mmap))
	}
	if offset < 0 || offset >= end {
		return nil
	}
	var unixAdvice int
	switch advice {
	case AdviceRandom:
		unixAdvice = syscall.MADV_RANDOM
	case AdviceSequential:
		unixAdvice = syscall.MADV_SEQUENTIAL
	case AdviceWillNeed:
		unixAdvice = syscall.MADV_WILLNEED
	case AdviceDontNeed:
		unixAdvice = syscall.MADV_DONTNEED
	default:
		unixAdvice = syscall.MADV_NORMAL
	}
	if err := unix.Madvise(o.mmap[offset:end], unixAdvice); err != nil {
		return errs.Wrap(errs.Malfunction, err, "vfs: madvise")
	}
	return nil
}
