package hashring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_Wraparound(t *testing.T) {
	assert.Equal(t, Hash{}, MaxHash.Next())
	assert.Equal(t, MaxHash, Hash{}.Prev())
	assert.Equal(t, Hash{Hi: 1, Lo: 0}, Hash{Hi: 0, Lo: ^uint64(0)}.Next())
	assert.Equal(t, Hash{Hi: 0, Lo: ^uint64(0)}, Hash{Hi: 1, Lo: 0}.Prev())
}

func TestHash_Distance(t *testing.T) {
	a := Hash{Lo: 10}
	b := Hash{Lo: 3}
	assert.Equal(t, Hash{Lo: 7}, a.Distance(b))
	assert.Equal(t, MaxHash.Prev().Prev().Prev().Prev().Prev().Prev(), b.Distance(a))
}

func TestHash_StringAndParse(t *testing.T) {
	h := HashOf("127.0.0.1:7000")
	s := h.String()
	assert.Len(t, s, 32)

	parsed, err := ParseHash(s)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	short, err := ParseHash("ff")
	require.NoError(t, err)
	assert.Equal(t, Hash{Lo: 0xff}, short)

	_, err = ParseHash("")
	assert.Error(t, err)
	_, err = ParseHash("0123456789abcdef0123456789abcdef0")
	assert.Error(t, err)
	_, err = ParseHash("xyz")
	assert.Error(t, err)
}

func TestHashOf_MatchesMD5(t *testing.T) {
	// md5("") = d41d8cd98f00b204e9800998ecf8427e
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", HashOf("").String())
}

func TestRange_Contains(t *testing.T) {
	tests := []struct {
		name string
		rng  Range
		h    Hash
		want bool
	}{
		{"inside plain", Range{Start: Hash{Lo: 5}, End: Hash{Lo: 10}}, Hash{Lo: 7}, true},
		{"start inclusive", Range{Start: Hash{Lo: 5}, End: Hash{Lo: 10}}, Hash{Lo: 5}, true},
		{"end inclusive", Range{Start: Hash{Lo: 5}, End: Hash{Lo: 10}}, Hash{Lo: 10}, true},
		{"below plain", Range{Start: Hash{Lo: 5}, End: Hash{Lo: 10}}, Hash{Lo: 4}, false},
		{"wrapped high side", Range{Start: Hash{Hi: 9}, End: Hash{Lo: 3}}, MaxHash, true},
		{"wrapped low side", Range{Start: Hash{Hi: 9}, End: Hash{Lo: 3}}, Hash{Lo: 1}, true},
		{"wrapped gap", Range{Start: Hash{Hi: 9}, End: Hash{Lo: 3}}, Hash{Hi: 1}, false},
		{"full ring", FullRange(Hash{Lo: 42}), Hash{Hi: 77}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rng.Contains(tt.h))
		})
	}
}

func TestRange_Covers(t *testing.T) {
	wrapped := Range{Start: Hash{Hi: 9}, End: Hash{Lo: 3}}

	assert.True(t, wrapped.Covers(Range{Start: Hash{Hi: 10}, End: Hash{Lo: 1}}))
	assert.True(t, wrapped.Covers(Range{Start: Hash{Lo: 0}, End: Hash{Lo: 3}}))
	assert.False(t, wrapped.Covers(Range{Start: Hash{Lo: 2}, End: Hash{Hi: 10}}))
	assert.False(t, wrapped.Covers(Range{Start: Hash{Hi: 1}, End: Hash{Hi: 2}}))
	assert.False(t, wrapped.Covers(FullRange(Hash{})))
	assert.True(t, FullRange(Hash{}).Covers(wrapped))
}

func TestRange_ParseRoundTrip(t *testing.T) {
	r := Range{Start: HashOf("a"), End: HashOf("b")}
	parsed, err := ParseRange(r.String())
	require.NoError(t, err)
	assert.Equal(t, r, parsed)

	_, err = ParseRange("abc")
	assert.Error(t, err)
}
