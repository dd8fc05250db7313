package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s := New("x", []Field{
		{Name: "id", Type: String, KeyPos: 0},
		{Name: "v", Type: String, KeyPos: -1},
		{Name: "rank", Type: U32, KeyPos: -1},
	})
	require.NoError(t, s.Validate())
	return s
}

func TestValidateRejectsGappedKeyPositions(t *testing.T) {
	s := New("x", []Field{
		{Name: "a", Type: String, KeyPos: 0},
		{Name: "b", Type: String, KeyPos: 2},
	})
	assert.Error(t, s.Validate())
}

func TestValidateRejectsDuplicateKeyPositions(t *testing.T) {
	s := New("x", []Field{
		{Name: "a", Type: String, KeyPos: 0},
		{Name: "b", Type: String, KeyPos: 0},
	})
	assert.Error(t, s.Validate())
}

func TestValidateAllowsKeyOrderIndependentOfDeclarationOrder(t *testing.T) {
	s := New("x", []Field{
		{Name: "second", Type: String, KeyPos: 1},
		{Name: "first", Type: String, KeyPos: 0},
	})
	require.NoError(t, s.Validate())
	assert.Equal(t, 2, s.KeyFieldCount())
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	s := testSchema(t)
	row := Row{"alice", "irrelevant", uint32(7)}
	key, err := s.EncodeKey(row)
	require.NoError(t, err)

	back, err := s.DecodeKey(key)
	require.NoError(t, err)
	assert.Equal(t, "alice", back[0])
}

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	s := testSchema(t)
	row := Row{"alice", "hello world", uint32(42)}
	val, err := s.EncodeValue(row)
	require.NoError(t, err)

	back, err := s.DecodeValue(val)
	require.NoError(t, err)
	assert.Equal(t, "hello world", back[1])
	assert.Equal(t, uint32(42), back[2])
}

func TestCompareKeyOrdersLexicographically(t *testing.T) {
	s := testSchema(t)
	a, _ := s.EncodeKey(Row{"aa", "", uint32(0)})
	b, _ := s.EncodeKey(Row{"ab", "", uint32(0)})
	assert.Negative(t, s.CompareKey(a, b))
	assert.Positive(t, s.CompareKey(b, a))
	assert.Zero(t, s.CompareKey(a, a))
}

func TestCompareKeyReverseNumeric(t *testing.T) {
	s := New("r", []Field{{Name: "rank", Type: U32Rev, KeyPos: 0}}).ValidateOrPanic()
	lo, _ := s.EncodeKey(Row{uint32(1)})
	hi, _ := s.EncodeKey(Row{uint32(2)})
	assert.Positive(t, s.CompareKey(lo, hi), "u32rev sorts descending")
}

func TestPrefixCompareKey(t *testing.T) {
	s := testSchema(t)
	k, _ := s.EncodeKey(Row{"aardvark", "", uint32(0)})
	assert.Zero(t, s.PrefixCompareKey(k, []byte("aa")))
	assert.NotZero(t, s.PrefixCompareKey(k, []byte("zz")))
}

func TestSchemaFileRoundTrip(t *testing.T) {
	s := testSchema(t)
	buf := EncodeFile(s, Geometry{NodeSize: 1 << 20, PageSize: 4096, Compression: "none", AMQFEnabled: true})

	back, geom, err := DecodeFile(buf)
	require.NoError(t, err)
	assert.Equal(t, s.Name, back.Name)
	assert.Equal(t, len(s.Fields), len(back.Fields))
	assert.EqualValues(t, 1<<20, geom.NodeSize)
	assert.True(t, geom.AMQFEnabled)
}
