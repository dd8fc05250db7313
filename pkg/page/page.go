// Package page implements the on-disk page format : a
// fixed header, a record-descriptor array, and a payload region holding
// record bytes; in sparse mode a Dup record stores only its value and
// takes its key from the nearest preceding non-Dup record. Page-level compression (when enabled) covers everything after
// the header; the header itself is always clear.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/record"
)

// headerSize is the fixed {crc, payload_crc, count, dup_count,
// original_size, key_size, stored_size, min_lsn, min_dup_lsn, max_lsn,
// min_timestamp, reserved} region ("A page holds...").
const headerSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 4 + 4

// descriptorSize is one fixed-size record-descriptor slot:
// {intra-page offset, flags, lsn, timestamp, size}.
const descriptorSize = 4 + 1 + 8 + 4 + 4

// Header is a page's fixed-size leading region.
type Header struct {
	PayloadCRC   uint32
	Count        uint32
	DupCount     uint32
	OriginalSize uint32 // size of the post-header region before compression
	KeySize      uint32 // total bytes of distinct keys saved by dup-suppression (sparse mode)
	StoredSize   uint32 // size of the post-header region as stored (after compression, if any)
	MinLSN       uint64
	MinDupLSN    uint64
	MaxLSN       uint64
	MinTimestamp uint32
}

// Descriptor is one record's fixed-size slot in a page's descriptor
// array.
type Descriptor struct {
	Offset    uint32 // intra-page offset of the record payload or sparse entry
	Flags     record.Flag
	LSN       uint64
	Timestamp uint32
	Size      uint32
}

// Page is a decoded, in-memory view of one page: its header,
// descriptor array, and payload region (record bytes; in sparse mode
// Dup records carry their value only).
type Page struct {
	Header      Header
	Descriptors []Descriptor
	Payload     []byte // decompressed, post-header bytes: descriptor-referenced data
	Sparse      bool
}

// Encode serializes p using comp for the post-header region. comp may
// be filter.None{} for uncompressed pages. It also returns the
// pre-compression ("original") size of the post-header region, for
// callers (the branch builder) that need it for a page descriptor
// without re-deriving it from the compressed bytes.
func Encode(p Page, comp filter.Compressor) ([]byte, int) {
	raw := encodePostHeader(p)
	stored := comp.Compress(raw)

	buf := make([]byte, headerSize+len(stored))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(raw))
	binary.BigEndian.PutUint32(buf[8:12], p.Header.Count)
	binary.BigEndian.PutUint32(buf[12:16], p.Header.DupCount)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(raw)))
	binary.BigEndian.PutUint32(buf[20:24], p.Header.KeySize)
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(stored)))
	binary.BigEndian.PutUint64(buf[28:36], p.Header.MinLSN)
	binary.BigEndian.PutUint64(buf[36:44], p.Header.MinDupLSN)
	binary.BigEndian.PutUint64(buf[44:52], p.Header.MaxLSN)
	binary.BigEndian.PutUint32(buf[52:56], p.Header.MinTimestamp)
	copy(buf[headerSize:], stored)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf, len(raw)
}

func encodePostHeader(p Page) []byte {
	out := make([]byte, 0, len(p.Descriptors)*descriptorSize+len(p.Payload))
	for _, d := range p.Descriptors {
		var slot [descriptorSize]byte
		binary.BigEndian.PutUint32(slot[0:4], d.Offset)
		slot[4] = byte(d.Flags)
		binary.BigEndian.PutUint64(slot[5:13], d.LSN)
		binary.BigEndian.PutUint32(slot[13:17], d.Timestamp)
		binary.BigEndian.PutUint32(slot[17:21], d.Size)
		out = append(out, slot[:]...)
	}
	out = append(out, p.Payload...)
	return out
}

// Decode parses a page, decompressing the post-header region with
// decomp.
func Decode(buf []byte, decomp filter.Compressor) (Page, error) {
	if len(buf) < headerSize {
		return Page{}, errs.New(errs.Malfunction, "page: truncated header")
	}
	gotCRC := crc32.ChecksumIEEE(buf[4:])
	wantCRC := binary.BigEndian.Uint32(buf[0:4])
	if gotCRC != wantCRC {
		return Page{}, errs.New(errs.Malfunction, "page: header crc mismatch")
	}

	h := Header{
		PayloadCRC:   binary.BigEndian.Uint32(buf[4:8]),
		Count:        binary.BigEndian.Uint32(buf[8:12]),
		DupCount:     binary.BigEndian.Uint32(buf[12:16]),
		OriginalSize: binary.BigEndian.Uint32(buf[16:20]),
		KeySize:      binary.BigEndian.Uint32(buf[20:24]),
		StoredSize:   binary.BigEndian.Uint32(buf[24:28]),
		MinLSN:       binary.BigEndian.Uint64(buf[28:36]),
		MinDupLSN:    binary.BigEndian.Uint64(buf[36:44]),
		MaxLSN:       binary.BigEndian.Uint64(buf[44:52]),
		MinTimestamp: binary.BigEndian.Uint32(buf[52:56]),
	}
	if headerSize+int(h.StoredSize) > len(buf) {
		return Page{}, errs.New(errs.Malfunction, "page: truncated payload")
	}
	stored := buf[headerSize : headerSize+int(h.StoredSize)]

	raw, err := decomp.Decompress(stored, int(h.OriginalSize))
	if err != nil {
		return Page{}, errs.Wrap(errs.Malfunction, err, "page: decompress")
	}
	if crc32.ChecksumIEEE(raw) != h.PayloadCRC {
		return Page{}, errs.New(errs.Malfunction, "page: payload crc mismatch")
	}

	descBytes := int(h.Count) * descriptorSize
	if descBytes > len(raw) {
		return Page{}, errs.New(errs.Malfunction, "page: descriptor array overruns payload")
	}
	descs := make([]Descriptor, h.Count)
	for i := range descs {
		slot := raw[i*descriptorSize : (i+1)*descriptorSize]
		descs[i] = Descriptor{
			Offset:    binary.BigEndian.Uint32(slot[0:4]),
			Flags:     record.Flag(slot[4]),
			LSN:       binary.BigEndian.Uint64(slot[5:13]),
			Timestamp: binary.BigEndian.Uint32(slot[13:17]),
			Size:      binary.BigEndian.Uint32(slot[17:21]),
		}
	}

	return Page{
		Header:      h,
		Descriptors: descs,
		Payload:     raw[descBytes:],
		Sparse:      h.KeySize > 0,
	}, nil
}
