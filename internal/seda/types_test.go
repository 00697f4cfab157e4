package seda

import (
	"strings"
	"testing"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexToHash_RoundTrip(t *testing.T) {
	in := "9a1c0e61a8c949ebb6f1f7a7d57fd37e5de18d65e962222ab5dbd9958e058f68"

	h, err := HexToHash(in)
	require.NoError(t, err)
	assert.Equal(t, in, h.Hex())

	again, err := HexToHash(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, again)
}

func TestHexToHash_AcceptsPrefix(t *testing.T) {
	bare := strings.Repeat("ab", 32)

	a, err := HexToHash(bare)
	require.NoError(t, err)
	b, err := HexToHash("0x" + bare)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHexToHash_Rejects(t *testing.T) {
	cases := []string{
		"",
		"abcd",
		strings.Repeat("ab", 31),
		strings.Repeat("ab", 33),
		strings.Repeat("zz", 32),
	}
	for _, in := range cases {
		_, err := HexToHash(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestRequestFees_Total(t *testing.T) {
	fees := RequestFees{
		RequestFee: math.NewInt(100),
		ResultFee:  math.NewInt(25),
		BatchFee:   math.NewInt(5),
	}
	assert.Equal(t, math.NewInt(130), fees.Total())
}

func TestRequestFees_TotalWithNilEntries(t *testing.T) {
	fees := RequestFees{ResultFee: math.NewInt(10)}
	assert.Equal(t, math.NewInt(10), fees.Total())

	assert.True(t, RequestFees{}.Total().IsZero())
}
