package size_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlang/codegen/internal/code/size"
)

func TestPredefinedSizes(t *testing.T) {
	require.Equal(t, uint32(1), size.SByte.Size32())
	require.Equal(t, uint32(4), size.SInt.Size32())
	require.Equal(t, uint32(8), size.SLong.Size64())
	require.Equal(t, uint32(4), size.SPtr.Size32())
	require.Equal(t, uint32(8), size.SPtr.Size64())
}

func TestAddAlignsToOperandAlignment(t *testing.T) {
	// int, bool, bool: the booleans are not each padded up to int's
	// alignment (4+1+1 = 6, not 12); Size32 then rounds the total up to the
	// int's alignment of 4.
	total := size.SInt.Add(size.SByte).Add(size.SByte)
	require.Equal(t, uint32(8), total.Size32())
}

func TestMulDistributesOverAdd(t *testing.T) {
	for n := uint32(0); n < 6; n++ {
		a := size.SLong
		mulDirect := a.Mul(n)

		var repeated size.Size
		for i := uint32(0); i < n; i++ {
			repeated = repeated.Add(a)
		}
		require.Equal(t, repeated.Size32(), mulDirect.Size32(), "n=%d", n)
		require.Equal(t, repeated.Size64(), mulDirect.Size64(), "n=%d", n)
	}
}

func TestDistributivityAcrossProjections(t *testing.T) {
	operands := []size.Size{size.SByte, size.SInt, size.SLong, size.SPtr, size.New2(2, 3)}
	for _, a := range operands {
		for _, b := range operands {
			for n := uint32(0); n < 4; n++ {
				lhs := a.Add(b).Mul(n)
				rhs := a.Mul(n).Add(b.Mul(n))
				require.Equal(t, rhs.Size32(), lhs.Size32())
				require.Equal(t, rhs.Size64(), lhs.Size64())
			}
		}
	}
}

func TestOffsetSign(t *testing.T) {
	off := size.OffsetOf(size.SInt, true)
	require.Equal(t, int32(-4), off.Current32())
	pos := off.Negate()
	require.Equal(t, int32(4), pos.Current32())
}
