package watermark

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionToLexiTable(t *testing.T) {
	cases := []struct {
		lsn   string
		lexi  LexiVersion
		value uint64
	}{
		{"0/0", "00", 0},
		{"0/A", "0a", 10},
		{"16/B374D848", "718sh0nk8", 97500059720},
		{"FFFFFFFF/FFFFFFFF", "c3w5e11264sgsf", math.MaxUint64},
	}

	for _, c := range cases {
		t.Run(c.lsn, func(t *testing.T) {
			require.Equal(t, c.lexi, VersionToLexi(c.value))

			lsn, err := ParseLSN(c.lsn)
			require.NoError(t, err)
			require.Equal(t, c.lexi, ToLexi(lsn))

			decoded, err := VersionFromLexi(c.lexi)
			require.NoError(t, err)
			require.Equal(t, c.value, decoded)

			roundTripLSN, err := FromLexi(c.lexi)
			require.NoError(t, err)
			require.Equal(t, lsn, roundTripLSN)
		})
	}
}

func TestRoundTripAllMagnitudes(t *testing.T) {
	values := []uint64{0, 1, 9, 10, 35, 36, 1295, 1296, 1 << 20, 1 << 40, math.MaxUint32, math.MaxUint64 - 1, math.MaxUint64}
	for _, n := range values {
		lexi := VersionToLexi(n)
		got, err := VersionFromLexi(lexi)
		require.NoError(t, err)
		require.Equal(t, n, got, "round trip failed for %d", n)
	}
}

func TestLexiOrderingAgreesWithIntegerOrder(t *testing.T) {
	values := []uint64{0, 1, 2, 9, 10, 35, 36, 100, 99999, math.MaxUint32, math.MaxUint64}
	for i := range values {
		for j := range values {
			a, b := values[i], values[j]
			wantCmp := 0
			switch {
			case a < b:
				wantCmp = -1
			case a > b:
				wantCmp = 1
			}

			gotCmp := Compare(VersionToLexi(a), VersionToLexi(b))
			normalize := func(c int) int {
				switch {
				case c < 0:
					return -1
				case c > 0:
					return 1
				default:
					return 0
				}
			}
			require.Equal(t, wantCmp, normalize(gotCmp), "order mismatch for %d vs %d", a, b)
		}
	}
}

func TestOneAfter(t *testing.T) {
	next, err := OneAfter(LexiVersion("00"))
	require.NoError(t, err)
	require.Equal(t, LexiVersion("01"), next)

	next, err = OneAfter(VersionToLexi(35))
	require.NoError(t, err)
	require.Equal(t, VersionToLexi(36), next)
}

func TestInvalidVersionsRejected(t *testing.T) {
	invalid := []LexiVersion{"", "0", "1a", "zzzzz", "9", "a0"}
	for _, v := range invalid {
		_, err := VersionFromLexi(v)
		require.ErrorIs(t, err, ErrInvalidVersion, "expected error for %q", v)
	}
}
