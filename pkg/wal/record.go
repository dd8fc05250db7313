// Package wal is the write-ahead log pool : a directory of
// monotonically numbered segments, an append-only record format, and
// the replay logic recovery uses to reconstruct in-memory state.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cuemby/ldb/pkg/errs"
	"github.com/cuemby/ldb/pkg/record"
)

// headerSize is the fixed {crc, lsn, dsn, size, timestamp, flags}
// prefix of every WAL record ("A WAL record has layout
// {crc, lsn, dsn, size, timestamp, flags} || payload").
const headerSize = 4 + 8 + 8 + 4 + 4 + 1

// Record is one WAL entry: a record.Record plus the database serial
// number it belongs to (multiple databases share one log pool).
type Record struct {
	DSN       uint64
	LSN       uint64
	Timestamp uint32
	Flags     record.Flag
	Payload   []byte // schema-encoded key+value, empty for a BEGIN framing record

	// WriteCount is only meaningful when Flags has record.Begin: the
	// size field doubles as the batch's statement count for framing
	// records ("flags=BEGIN, size=write_count, payload=∅").
	WriteCount uint32
}

// Encode serializes r into the WAL's on-disk record layout, CRC
// covering header (crc field excluded) and payload.
func Encode(r Record) []byte {
	size := uint32(len(r.Payload))
	if r.Flags.Has(record.Begin) {
		size = r.WriteCount
	}

	buf := make([]byte, headerSize+len(r.Payload))
	binary.BigEndian.PutUint64(buf[4:12], r.LSN)
	binary.BigEndian.PutUint64(buf[12:20], r.DSN)
	binary.BigEndian.PutUint32(buf[20:24], size)
	binary.BigEndian.PutUint32(buf[24:28], r.Timestamp)
	buf[28] = byte(r.Flags)
	copy(buf[headerSize:], r.Payload)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf
}

// Decode parses one record starting at the front of buf, returning
// the record, its encoded length, and an error if the header is
// truncated or the CRC doesn't match (the signal to stop replay at
// this segment, per : "runs the iterator until end-of-file
// or CRC mismatch").
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < headerSize {
		return Record{}, 0, errs.New(errs.Malfunction, "wal: truncated record header")
	}
	size := binary.BigEndian.Uint32(buf[20:24])
	flags := record.Flag(buf[28])

	payloadLen := int(size)
	if flags.Has(record.Begin) {
		payloadLen = 0
	}
	total := headerSize + payloadLen
	if total > len(buf) {
		return Record{}, 0, errs.New(errs.Malfunction, "wal: truncated record payload")
	}

	wantCRC := binary.BigEndian.Uint32(buf[0:4])
	gotCRC := crc32.ChecksumIEEE(buf[4:total])
	if wantCRC != gotCRC {
		return Record{}, 0, errs.New(errs.Malfunction, "wal: crc mismatch")
	}

	r := Record{
		LSN:       binary.BigEndian.Uint64(buf[4:12]),
		DSN:       binary.BigEndian.Uint64(buf[12:20]),
		Timestamp: binary.BigEndian.Uint32(buf[24:28]),
		Flags:     flags,
	}
	if flags.Has(record.Begin) {
		r.WriteCount = size
	} else if payloadLen > 0 {
		r.Payload = append([]byte(nil), buf[headerSize:total]...)
	}
	return r, total, nil
}

// IsBeginFraming reports whether r is a multi-statement transaction's
// BEGIN framing record (flags=BEGIN, size=write_count, payload empty,
// per ).
func (r Record) IsBeginFraming() bool { return r.Flags.Has(record.Begin) }
