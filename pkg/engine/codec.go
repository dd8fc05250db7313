package engine

import (
	"encoding/binary"

	"github.com/cuemby/ldb/pkg/errs"
)

// encodeKV packs a schema-encoded key and value into one WAL payload:
// {u32 key length}{key}{value}. The value already carries its own
// internal offset table (schema.EncodeValue), so no length prefix is
// needed after it.
func encodeKV(key, value []byte) []byte {
	buf := make([]byte, 4+len(key)+len(value))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	copy(buf[4+len(key):], value)
	return buf
}

// decodeKV reverses encodeKV.
func decodeKV(payload []byte) (key, value []byte, err error) {
	if len(payload) < 4 {
		return nil, nil, errs.New(errs.Malfunction, "engine: truncated wal payload")
	}
	klen := binary.BigEndian.Uint32(payload[0:4])
	if int(klen) > len(payload)-4 {
		return nil, nil, errs.New(errs.Malfunction, "engine: wal payload key length overruns buffer")
	}
	key = payload[4 : 4+klen]
	value = payload[4+klen:]
	return key, value, nil
}
