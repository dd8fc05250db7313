// Package branch implements the branch index trailer and merge-writer
// visibility policy : an immutable, binary-searchable
// index over a sequence of pages, with an optional approximate-
// membership filter extension.
package branch

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cuemby/ldb/pkg/errs"
)

// extensionAMQF is the only currently defined trailer-extension bit
// ("Trailer extensions are opt-in via a bitmap field;
// currently only the approximate-membership-filter extension is
// defined").
const extensionAMQF uint32 = 1 << 0

// Trailer is the branch-index trailer's fixed-size region (
// point 3), excluding the variable-length page-descriptor array, key
// blobs, and extensions that follow it.
type Trailer struct {
	Version             uint32
	ID                  uint64
	FileOffset          uint64 // file_offset_of_trailer, relative to the start of the branch's own byte stream
	TotalByteSize       uint64
	MaxRecordSize       uint32
	PageCount           uint32
	KeyCount            uint32
	TotalPayload        uint64
	UncompressedPayload uint64
	MinTimestamp        uint32
	MinLSN              uint64
	MaxLSN              uint64
	DupKeyCount         uint32
	MinDupLSN           uint64
	ExtensionsBitmap    uint32
}

// PageDescriptor is one page's entry in the trailer's packed sequence
// of per-page descriptors.
type PageDescriptor struct {
	FileOffset         uint64
	IntraTrailerOffset uint32
	StoredSize         uint32
	OriginalSize       uint32
	MinKey             []byte
	MaxKey             []byte
	MinLSN             uint64
	MaxLSN             uint64
}

// Branch is a decoded trailer plus its page descriptors and optional
// AMQF bytes (opaque here; pkg/engine owns filter construction/use so
// this package stays bloom-filter-library-agnostic in its wire format).
type Branch struct {
	Trailer Trailer
	Pages   []PageDescriptor
	AMQF    []byte // nil unless ExtensionsBitmap has extensionAMQF set
}

const trailerFixedSize = 4 + 4 + 8 + 8 + 8 + 4 + 4 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 8 + 4 + 4 + 4

// EncodeTrailer serializes t, the page descriptors (with their
// min/max key blobs inline, length-prefixed), and amqf (may be nil)
// into one trailer region.
func EncodeTrailer(t Trailer, pages []PageDescriptor, amqf []byte) []byte {
	if len(amqf) > 0 {
		t.ExtensionsBitmap |= extensionAMQF
	}
	extSize := uint32(len(amqf))

	body := encodePages(pages)
	body = append(body, amqf...)

	buf := make([]byte, trailerFixedSize+len(body))
	binary.BigEndian.PutUint32(buf[4:8], t.Version)
	binary.BigEndian.PutUint64(buf[8:16], t.ID)
	binary.BigEndian.PutUint64(buf[16:24], t.FileOffset)
	binary.BigEndian.PutUint64(buf[24:32], t.TotalByteSize)
	binary.BigEndian.PutUint32(buf[32:36], t.MaxRecordSize)
	binary.BigEndian.PutUint32(buf[36:40], t.PageCount)
	binary.BigEndian.PutUint32(buf[40:44], t.KeyCount)
	binary.BigEndian.PutUint64(buf[44:52], t.TotalPayload)
	binary.BigEndian.PutUint64(buf[52:60], t.UncompressedPayload)
	binary.BigEndian.PutUint32(buf[60:64], t.MinTimestamp)
	binary.BigEndian.PutUint64(buf[64:72], t.MinLSN)
	binary.BigEndian.PutUint64(buf[72:80], t.MaxLSN)
	binary.BigEndian.PutUint32(buf[80:84], t.DupKeyCount)
	binary.BigEndian.PutUint64(buf[84:92], t.MinDupLSN)
	binary.BigEndian.PutUint32(buf[92:96], extSize)
	binary.BigEndian.PutUint32(buf[96:100], t.ExtensionsBitmap)
	copy(buf[trailerFixedSize:], body)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf
}

func encodePages(pages []PageDescriptor) []byte {
	var out []byte
	for _, p := range pages {
		var fixed [8 + 4 + 4 + 4 + 8 + 8]byte
		binary.BigEndian.PutUint64(fixed[0:8], p.FileOffset)
		binary.BigEndian.PutUint32(fixed[8:12], p.StoredSize)
		binary.BigEndian.PutUint32(fixed[12:16], p.OriginalSize)
		binary.BigEndian.PutUint64(fixed[16:24], p.MinLSN)
		binary.BigEndian.PutUint64(fixed[24:32], p.MaxLSN)
		out = append(out, fixed[:]...)
		out = append(out, lengthPrefixed(p.MinKey)...)
		out = append(out, lengthPrefixed(p.MaxKey)...)
	}
	return out
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}

// DecodeTrailer parses a trailer region produced by EncodeTrailer.
func DecodeTrailer(buf []byte) (Branch, error) {
	if len(buf) < trailerFixedSize {
		return Branch{}, errs.New(errs.Malfunction, "branch: truncated trailer header")
	}
	if crc32.ChecksumIEEE(buf[4:]) != binary.BigEndian.Uint32(buf[0:4]) {
		return Branch{}, errs.New(errs.Malfunction, "branch: trailer crc mismatch")
	}

	t := Trailer{
		Version:             binary.BigEndian.Uint32(buf[4:8]),
		ID:                  binary.BigEndian.Uint64(buf[8:16]),
		FileOffset:          binary.BigEndian.Uint64(buf[16:24]),
		TotalByteSize:       binary.BigEndian.Uint64(buf[24:32]),
		MaxRecordSize:       binary.BigEndian.Uint32(buf[32:36]),
		PageCount:           binary.BigEndian.Uint32(buf[36:40]),
		KeyCount:            binary.BigEndian.Uint32(buf[40:44]),
		TotalPayload:        binary.BigEndian.Uint64(buf[44:52]),
		UncompressedPayload: binary.BigEndian.Uint64(buf[52:60]),
		MinTimestamp:        binary.BigEndian.Uint32(buf[60:64]),
		MinLSN:              binary.BigEndian.Uint64(buf[64:72]),
		MaxLSN:              binary.BigEndian.Uint64(buf[72:80]),
		DupKeyCount:         binary.BigEndian.Uint32(buf[80:84]),
		MinDupLSN:           binary.BigEndian.Uint64(buf[84:92]),
		ExtensionsBitmap:    binary.BigEndian.Uint32(buf[96:100]),
	}
	extSize := binary.BigEndian.Uint32(buf[92:96])
	body := buf[trailerFixedSize:]

	pages, rest, err := decodePages(body, int(t.PageCount))
	if err != nil {
		return Branch{}, err
	}

	var amqf []byte
	if t.ExtensionsBitmap&extensionAMQF != 0 {
		if uint32(len(rest)) < extSize {
			return Branch{}, errs.New(errs.Malfunction, "branch: truncated amqf extension")
		}
		amqf = append([]byte(nil), rest[:extSize]...)
	}

	return Branch{Trailer: t, Pages: pages, AMQF: amqf}, nil
}

func decodePages(buf []byte, count int) ([]PageDescriptor, []byte, error) {
	pages := make([]PageDescriptor, count)
	off := 0
	for i := 0; i < count; i++ {
		descStart := off
		if off+32 > len(buf) {
			return nil, nil, errs.New(errs.Malfunction, "branch: truncated page descriptor")
		}
		fixed := buf[off : off+32]
		off += 32
		p := PageDescriptor{
			FileOffset:         binary.BigEndian.Uint64(fixed[0:8]),
			StoredSize:         binary.BigEndian.Uint32(fixed[8:12]),
			OriginalSize:       binary.BigEndian.Uint32(fixed[12:16]),
			MinLSN:             binary.BigEndian.Uint64(fixed[16:24]),
			MaxLSN:             binary.BigEndian.Uint64(fixed[24:32]),
			IntraTrailerOffset: uint32(descStart),
		}
		minKey, next, err := readLengthPrefixed(buf, off)
		if err != nil {
			return nil, nil, err
		}
		off = next
		maxKey, next, err := readLengthPrefixed(buf, off)
		if err != nil {
			return nil, nil, err
		}
		off = next
		p.MinKey, p.MaxKey = minKey, maxKey
		pages[i] = p
	}
	return pages, buf[off:], nil
}

func readLengthPrefixed(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, errs.New(errs.Malfunction, "branch: truncated key blob length")
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	start := off + 4
	end := start + n
	if end > len(buf) {
		return nil, 0, errs.New(errs.Malfunction, "branch: truncated key blob")
	}
	return append([]byte(nil), buf[start:end]...), end, nil
}
