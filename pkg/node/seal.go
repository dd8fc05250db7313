// Package node implements a node file's on-disk lifecycle: open/close
// seals bracketing a chain of branches, the
// recovery file-state scan, and the in-memory Node that routes reads
// and writes between its memory indices and its branch chain.
package node

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cuemby/ldb/pkg/errs"
)

// versionStamp identifies this engine's node-file format; a node
// opened with a mismatched stamp fails recovery loudly rather than
// silently misreading it.
var versionStamp = [16]byte{'l', 'd', 'b', '-', 'n', 'o', 'd', 'e', '-', 'v', '1', 0, 0, 0, 0, 0}

// sealFlag distinguishes an open seal (branch still being written)
// from a close seal (branch durable).
type sealFlag byte

const (
	sealOpen   sealFlag = 0
	sealClosed sealFlag = 1
)

// Seal is the fixed-size header bracketing each branch in a node
// file: each seal is byte-addressed and fixed-width; specific field
// widths are implementation-chosen but must match open/close pairs.
type Seal struct {
	Flag          sealFlag
	VersionStamp  [16]byte
	TrailerOffset uint64 // absolute file offset of the branch-index trailer; 0 until closed
	TrailerSize   uint32 // byte size of the branch-index trailer; 0 until closed
}

// sealSize is CRC(4) + Flag(1) + VersionStamp(16) + TrailerOffset(8) + TrailerSize(4).
const sealSize = 4 + 1 + 16 + 8 + 4

func encodeSeal(s Seal) []byte {
	buf := make([]byte, sealSize)
	buf[4] = byte(s.Flag)
	copy(buf[5:21], s.VersionStamp[:])
	binary.BigEndian.PutUint64(buf[21:29], s.TrailerOffset)
	binary.BigEndian.PutUint32(buf[29:33], s.TrailerSize)
	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf
}

func decodeSeal(buf []byte) (Seal, error) {
	if len(buf) < sealSize {
		return Seal{}, errs.New(errs.Malfunction, "node: truncated seal")
	}
	if crc32.ChecksumIEEE(buf[4:sealSize]) != binary.BigEndian.Uint32(buf[0:4]) {
		return Seal{}, errs.New(errs.Malfunction, "node: seal crc mismatch")
	}
	var s Seal
	s.Flag = sealFlag(buf[4])
	copy(s.VersionStamp[:], buf[5:21])
	s.TrailerOffset = binary.BigEndian.Uint64(buf[21:29])
	s.TrailerSize = binary.BigEndian.Uint32(buf[29:33])
	if s.VersionStamp != versionStamp {
		return Seal{}, errs.New(errs.Malfunction, "node: version stamp mismatch")
	}
	return s, nil
}

func newOpenSeal() Seal {
	return Seal{Flag: sealOpen, VersionStamp: versionStamp}
}
