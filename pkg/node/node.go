package node

import (
	"sync"

	"github.com/cuemby/ldb/pkg/branch"
	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/memindex"
	"github.com/cuemby/ldb/pkg/page"
	"github.com/cuemby/ldb/pkg/schema"
	"github.com/cuemby/ldb/pkg/vfs"
)

// BranchRef is one durable branch in a node's chain plus the
// bookkeeping needed to read it back off disk: the close seal that
// follows it and the file offset its page offsets are relative to.
type BranchRef struct {
	branch.Branch
	Seal        Seal
	branchStart int64
}

// Node is one LSM node's on-disk file plus its in-memory write
// buffers : an open seal, a chain of durable branches
// each bracketed by a close seal, and the i0/i1 memory indices that
// sit above the chain until they're flushed into a new branch.
//
// Node only owns storage mechanics — placing branches, rotating
// memory indices, reading pages back. Cross-branch visibility (which
// version of a key wins) is pkg/iter's job; routing between sibling
// nodes is pkg/tree's.
type Node struct {
	mu sync.Mutex

	// TaskLock enforces "at most one background task at a
	// time per node" — held by the planner/scheduler for the duration
	// of a task, independent of mu's short-lived state protection.
	TaskLock sync.Mutex

	ID     uint64
	MinKey []byte // smallest key this node may own, for tree routing

	schema *schema.Schema
	fs     vfs.FS
	path   string
	file   vfs.File
	end    int64 // current file size / next-write offset

	i0, i1 *memindex.Index

	branches []BranchRef

	refs   int
	closed bool
}

// Create starts a brand-new node file at path: just the open seal,
// an empty i0, and no branches yet.
func Create(fs vfs.FS, path string, id uint64, minKey []byte, s *schema.Schema) (*Node, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: create %s", path)
	}
	sealBytes := encodeSeal(newOpenSeal())
	if _, err := f.WriteAt(sealBytes, 0); err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: write open seal")
	}
	if err := f.Sync(); err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: sync open seal")
	}
	return &Node{
		ID:     id,
		MinKey: append([]byte(nil), minKey...),
		schema: s,
		fs:     fs,
		path:   path,
		file:   f,
		end:    int64(sealSize),
		i0:     memindex.New(s),
	}, nil
}

// Open reconstructs a node from an existing sealed file by walking
// its close-seal breadcrumbs backward from the end of the file: each
// close seal names its branch's trailer, and a branch's trailer names
// where its own byte stream began, which is exactly where the
// previous close seal (or the file's open seal) must end.
func Open(fs vfs.FS, path string, id uint64, minKey []byte, s *schema.Schema) (*Node, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: open %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: stat %s", path)
	}
	if st.Size < int64(sealSize) {
		return nil, errs.New(errs.Malfunction, "node: %s too small for an open seal", path)
	}

	headerBuf := make([]byte, sealSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: read open seal")
	}
	header, err := decodeSeal(headerBuf)
	if err != nil {
		return nil, err
	}
	if header.Flag != sealOpen {
		return nil, errs.New(errs.Malfunction, "node: %s missing open seal", path)
	}

	var rev []BranchRef
	end := st.Size
	for end > int64(sealSize) {
		sealBuf := make([]byte, sealSize)
		if _, err := f.ReadAt(sealBuf, end-int64(sealSize)); err != nil {
			return nil, errs.Wrap(errs.Malfunction, err, "node: read close seal")
		}
		seal, err := decodeSeal(sealBuf)
		if err != nil {
			return nil, err
		}
		if seal.Flag != sealClosed {
			return nil, errs.New(errs.Malfunction, "node: %s expected close seal", path)
		}

		trailerBuf := make([]byte, seal.TrailerSize)
		if _, err := f.ReadAt(trailerBuf, int64(seal.TrailerOffset)); err != nil {
			return nil, errs.Wrap(errs.Malfunction, err, "node: read branch trailer")
		}
		br, err := branch.DecodeTrailer(trailerBuf)
		if err != nil {
			return nil, err
		}

		branchStart := int64(seal.TrailerOffset) - int64(br.Trailer.FileOffset)
		rev = append(rev, BranchRef{Branch: br, Seal: seal, branchStart: branchStart})
		end = branchStart
	}
	if end != int64(sealSize) {
		return nil, errs.New(errs.Malfunction, "node: %s malformed branch chain", path)
	}

	branches := make([]BranchRef, len(rev))
	for i, r := range rev {
		branches[len(rev)-1-i] = r
	}

	return &Node{
		ID:       id,
		MinKey:   append([]byte(nil), minKey...),
		schema:   s,
		fs:       fs,
		path:     path,
		file:     f,
		end:      st.Size,
		i0:       memindex.New(s),
		branches: branches,
	}, nil
}

// SnapshotBranch is one branch's close-seal and trailer bytes as
// carried in a snapshot file : enough to reconstruct its
// BranchRef without reading anything from the node file itself.
type SnapshotBranch struct {
	TrailerOffset uint64
	TrailerSize   uint32
	TrailerBytes  []byte // branch.EncodeTrailer output, verbatim
}

// OpenWithBranches reconstructs a node from pre-decoded branch
// metadata instead of walking close seals backward from the end of
// the file — the snapshot recovery fastpath : the caller
// has already confirmed size matches the snapshot's recorded file
// size for this node id, so the branch chain the snapshot describes
// is known to still be exactly what's on disk.
func OpenWithBranches(fs vfs.FS, path string, id uint64, minKey []byte, s *schema.Schema, size int64, snap []SnapshotBranch) (*Node, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: open %s", path)
	}

	branches := make([]BranchRef, len(snap))
	for i, sb := range snap {
		br, err := branch.DecodeTrailer(sb.TrailerBytes)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		branchStart := int64(sb.TrailerOffset) - int64(br.Trailer.FileOffset)
		branches[i] = BranchRef{
			Branch: br,
			Seal: Seal{
				Flag:          sealClosed,
				VersionStamp:  versionStamp,
				TrailerOffset: sb.TrailerOffset,
				TrailerSize:   sb.TrailerSize,
			},
			branchStart: branchStart,
		}
	}

	return &Node{
		ID:       id,
		MinKey:   append([]byte(nil), minKey...),
		schema:   s,
		fs:       fs,
		path:     path,
		file:     f,
		end:      size,
		i0:       memindex.New(s),
		branches: branches,
	}, nil
}

// AppendBranch durably places blob (a branch.Builder.Finish output)
// at the end of the file and writes the close seal that points at its
// trailer, growing the node's branch chain by one.
func (n *Node) AppendBranch(blob []byte, br branch.Branch) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	start := n.end
	if _, err := n.file.WriteAt(blob, start); err != nil {
		return errs.Wrap(errs.Malfunction, err, "node: write branch")
	}

	seal := Seal{
		Flag:          sealClosed,
		VersionStamp:  versionStamp,
		TrailerOffset: uint64(start) + br.Trailer.FileOffset,
		TrailerSize:   uint32(len(blob)) - uint32(br.Trailer.FileOffset),
	}
	sealBytes := encodeSeal(seal)
	sealAt := start + int64(len(blob))
	if _, err := n.file.WriteAt(sealBytes, sealAt); err != nil {
		return errs.Wrap(errs.Malfunction, err, "node: write close seal")
	}
	if err := n.file.Sync(); err != nil {
		return errs.Wrap(errs.Malfunction, err, "node: sync branch")
	}

	n.end = sealAt + int64(len(sealBytes))
	n.branches = append(n.branches, BranchRef{Branch: br, Seal: seal, branchStart: start})
	return nil
}

// BranchCount returns the number of durable branches in the chain.
func (n *Node) BranchCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.branches)
}

// BranchAt returns the i-th branch, oldest (root) first.
func (n *Node) BranchAt(i int) BranchRef {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.branches[i]
}

// ReadPage decodes one page belonging to ref, described by pd, using
// comp to reverse the page's compression.
func (n *Node) ReadPage(ref BranchRef, pd branch.PageDescriptor, comp filter.Compressor) (page.Page, error) {
	buf := make([]byte, pd.StoredSize)
	if _, err := n.file.ReadAt(buf, ref.branchStart+int64(pd.FileOffset)); err != nil {
		return page.Page{}, errs.Wrap(errs.Malfunction, err, "node: read page")
	}
	return page.Decode(buf, comp)
}

// I0 returns the active (currently written-to) memory index.
func (n *Node) I0() *memindex.Index {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.i0
}

// I1 returns the rotating memory index being flushed into a branch,
// or nil if no flush is in progress.
func (n *Node) I1() *memindex.Index {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.i1
}

// RotateMemIndex moves i0 into i1 and starts a fresh i0, so writes
// keep landing while the returned index is flushed into a branch
// (double-buffer rotation).
func (n *Node) RotateMemIndex() *memindex.Index {
	n.mu.Lock()
	defer n.mu.Unlock()
	flushed := n.i0
	n.i1 = flushed
	n.i0 = memindex.New(n.schema)
	return flushed
}

// ClearFlushedMemIndex drops i1 once its branch has been durably
// appended via AppendBranch.
func (n *Node) ClearFlushedMemIndex() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.i1 = nil
}

// ReadAll returns the node file's full current bytes, for the backup
// task (backup zone: "reads the node's file bytes and
// writes them" verbatim into the backup directory).
func (n *Node) ReadAll() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	buf := make([]byte, n.end)
	if _, err := n.file.ReadAt(buf, 0); err != nil {
		return nil, errs.Wrap(errs.Malfunction, err, "node: read all %s", n.path)
	}
	return buf, nil
}

// Advise forwards a page-cache residency hint to the node's
// underlying file over [offset, offset+length) — used by the lru and
// anticache tasks to release or warm OS page cache for a
// branch's byte range without touching the branch chain itself.
func (n *Node) Advise(offset, length int64, advice vfs.Advice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.file.Advise(offset, length, advice)
}

// BranchByteRange returns the file offset and length spanned by ref's
// pages plus trailer, for Advise.
func (n *Node) BranchByteRange(ref BranchRef) (offset, length int64) {
	return ref.branchStart, int64(ref.Seal.TrailerOffset+uint64(ref.Seal.TrailerSize)) - ref.branchStart
}

// Size returns the node file's current byte size.
func (n *Node) Size() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.end
}

// Path returns the node's current file path.
func (n *Node) Path() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// SetMinKey updates the node's lower key bound. Node files don't
// persist MinKey directly — it's implicit in the node's own data (the
// oldest branch's first page's min key, or the empty-key sentinel for
// the tree's bootstrap root) — so recovery derives it after Open and
// installs it here before the node re-enters the tree.
func (n *Node) SetMinKey(minKey []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.MinKey = append([]byte(nil), minKey...)
}

// Rename updates the path this node believes it lives at, after the
// caller has already renamed the underlying file on the FS as part of
// compaction promotion: the new content is built at SealName(id, id),
// the old file is renamed to GCName(id), then the seal file is
// renamed to FinalName(id) to promote it. The open file handle is
// unaffected by either rename.
func (n *Node) Rename(newPath string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.path = newPath
}

// Retain/Release track open cursors and iterators against this node,
// so a compaction task knows when it's safe to retire a superseded
// node file (node-gc zone).
func (n *Node) Retain() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refs++
}

func (n *Node) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refs--
}

func (n *Node) RefCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refs
}

// Close releases the underlying file handle. Safe to call once;
// repeat calls are a no-op.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.file.Close()
}
