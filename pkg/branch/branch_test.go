package branch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ldb/pkg/filter"
	"github.com/cuemby/ldb/pkg/page"
	"github.com/cuemby/ldb/pkg/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s := schema.New("t", []schema.Field{{Name: "id", Type: schema.String, KeyPos: 0}})
	require.NoError(t, s.Validate())
	return s
}

func key(t *testing.T, s *schema.Schema, id string) []byte {
	t.Helper()
	k, err := s.EncodeKey(schema.Row{id})
	require.NoError(t, err)
	return k
}

func TestBuilderFinishEncodesAndDecodesTrailer(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(7, s, filter.None{}, 1<<20, false, nil, nil)
	b.Add(page.Record{Key: key(t, s, "a"), Value: []byte("va"), LSN: 1, Timestamp: 10})
	b.Add(page.Record{Key: key(t, s, "b"), Value: []byte("vb"), LSN: 2, Timestamp: 11})

	blob, br, err := b.Finish()
	require.NoError(t, err)
	assert.EqualValues(t, 7, br.Trailer.ID)
	assert.EqualValues(t, 2, br.Trailer.KeyCount)
	assert.EqualValues(t, 1, br.Trailer.PageCount)

	trailerOff := len(blob) - len(EncodeTrailer(br.Trailer, br.Pages, nil))
	decoded, err := DecodeTrailer(blob[trailerOff:])
	require.NoError(t, err)
	assert.EqualValues(t, 7, decoded.Trailer.ID)
	require.Len(t, decoded.Pages, 1)
	assert.Equal(t, key(t, s, "a"), decoded.Pages[0].MinKey)
	assert.Equal(t, key(t, s, "b"), decoded.Pages[0].MaxKey)
}

func TestBuilderClosesPageAtCapacityWatermark(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(1, s, filter.None{}, 40, false, nil, nil)
	for i, id := range []string{"a", "b", "c", "d"} {
		b.Add(page.Record{Key: key(t, s, id), Value: []byte("value-bytes"), LSN: uint64(i + 1)})
	}
	_, br, err := b.Finish()
	require.NoError(t, err)
	assert.Greater(t, len(br.Pages), 1)
}

func TestReaderSeekFindsOwningPageByMaxKey(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(1, s, filter.None{}, 30, false, nil, nil)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		b.Add(page.Record{Key: key(t, s, id), Value: []byte("vvvvvvvvvv"), LSN: uint64(i + 1)})
	}
	_, br, err := b.Finish()
	require.NoError(t, err)
	require.Greater(t, len(br.Pages), 1)

	r := NewReader(&br, s)
	idx := r.Seek(key(t, s, "c"))
	require.NotEqual(t, -1, idx)
	pg := r.Page(idx)
	assert.True(t, s.CompareKey(pg.MaxKey, key(t, s, "c")) >= 0)
}

func TestDecodeTrailerDetectsCRCMismatch(t *testing.T) {
	s := testSchema(t)
	b := NewBuilder(1, s, filter.None{}, 1<<20, false, nil, nil)
	b.Add(page.Record{Key: key(t, s, "a"), Value: []byte("v"), LSN: 1})
	blob, br, err := b.Finish()
	require.NoError(t, err)

	trailerOff := len(blob) - len(EncodeTrailer(br.Trailer, br.Pages, nil))
	trailer := append([]byte(nil), blob[trailerOff:]...)
	trailer[0] ^= 0xFF

	_, err = DecodeTrailer(trailer)
	assert.Error(t, err)
}
