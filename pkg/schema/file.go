package schema

import (
	"encoding/binary"

	"github.com/cuemby/ldb/pkg/errs"
)

// tlvID enumerates the entries of the schema file : a small
// TLV list of (id:u8, type:u8, size:u32, bytes) records.
type tlvID uint8

const (
	tlvVersion tlvID = iota + 1
	tlvName
	tlvField
	tlvNodeSize
	tlvPageSize
	tlvCompression
	tlvExpireSeconds
	tlvAMQFEnabled
	tlvDSN
)

const schemaFileVersion = 1

// Geometry holds the node/page geometry and feature toggles that the
// schema file carries alongside the field list ("node
// geometry, compression choices, expiry, AMQF enable").
type Geometry struct {
	NodeSize      uint32
	PageSize      uint32
	Compression   string
	ExpireSeconds uint32
	AMQFEnabled   bool

	// DSN disambiguates this database's WAL records from every other
	// database sharing the env's log pool ("dsn" field).
	// It is minted once at database creation and persisted here so log
	// replay routes records to the right database across restarts.
	DSN uint32
}

// EncodeFile serializes s and its geometry into the schema file's TLV
// layout.
func EncodeFile(s *Schema, g Geometry) []byte {
	var out []byte
	out = appendTLV(out, tlvVersion, encodeU32(schemaFileVersion))
	out = appendTLV(out, tlvName, []byte(s.Name))
	for _, f := range s.Fields {
		out = appendTLV(out, tlvField, encodeFieldTLV(f))
	}
	out = appendTLV(out, tlvNodeSize, encodeU32(g.NodeSize))
	out = appendTLV(out, tlvPageSize, encodeU32(g.PageSize))
	out = appendTLV(out, tlvCompression, []byte(g.Compression))
	out = appendTLV(out, tlvExpireSeconds, encodeU32(g.ExpireSeconds))
	amqf := byte(0)
	if g.AMQFEnabled {
		amqf = 1
	}
	out = appendTLV(out, tlvAMQFEnabled, []byte{amqf})
	out = appendTLV(out, tlvDSN, encodeU32(g.DSN))
	return out
}

// DecodeFile parses a schema file produced by EncodeFile.
func DecodeFile(buf []byte) (*Schema, Geometry, error) {
	s := &Schema{}
	var g Geometry
	off := 0
	for off < len(buf) {
		if off+5 > len(buf) {
			return nil, g, errs.New(errs.Malfunction, "schema file: truncated TLV header")
		}
		id := tlvID(buf[off])
		size := binary.BigEndian.Uint32(buf[off+1 : off+5])
		start := off + 5
		end := start + int(size)
		if end > len(buf) {
			return nil, g, errs.New(errs.Malfunction, "schema file: TLV %d overruns buffer", id)
		}
		body := buf[start:end]
		switch id {
		case tlvVersion:
			if decodeU32(body) != schemaFileVersion {
				return nil, g, errs.New(errs.Malfunction, "schema file: unsupported version %d", decodeU32(body))
			}
		case tlvName:
			s.Name = string(body)
		case tlvField:
			f, err := decodeFieldTLV(body)
			if err != nil {
				return nil, g, err
			}
			s.Fields = append(s.Fields, f)
		case tlvNodeSize:
			g.NodeSize = decodeU32(body)
		case tlvPageSize:
			g.PageSize = decodeU32(body)
		case tlvCompression:
			g.Compression = string(body)
		case tlvExpireSeconds:
			g.ExpireSeconds = decodeU32(body)
		case tlvAMQFEnabled:
			g.AMQFEnabled = len(body) == 1 && body[0] == 1
		case tlvDSN:
			g.DSN = decodeU32(body)
		default:
			// forward-compatible: skip unknown TLV entries
		}
		off = end
	}
	if err := s.Validate(); err != nil {
		return nil, g, err
	}
	return s, g, nil
}

func appendTLV(out []byte, id tlvID, body []byte) []byte {
	var hdr [5]byte
	hdr[0] = byte(id)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(body)))
	out = append(out, hdr[:]...)
	out = append(out, body...)
	return out
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeU32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// encodeFieldTLV packs one Field as {keyPos:i32}{type:u8}{name}.
func encodeFieldTLV(f Field) []byte {
	out := make([]byte, 5, 5+len(f.Name))
	binary.BigEndian.PutUint32(out[0:4], uint32(int32(f.KeyPos)))
	out[4] = byte(f.Type)
	out = append(out, []byte(f.Name)...)
	return out
}

func decodeFieldTLV(b []byte) (Field, error) {
	if len(b) < 5 {
		return Field{}, errs.New(errs.Malfunction, "schema file: truncated field entry")
	}
	keyPos := int32(binary.BigEndian.Uint32(b[0:4]))
	typ := Type(b[4])
	name := string(b[5:])
	return Field{Name: name, Type: typ, KeyPos: int(keyPos)}, nil
}
