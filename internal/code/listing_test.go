package code

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlang/codegen/internal/code/size"
)

func TestListingMarkDuplicateLabel(t *testing.T) {
	l := NewListing(false, None, false)
	lbl := l.CreateLabel()
	require.NoError(t, l.Mark(lbl))
	require.Error(t, l.Mark(lbl))
}

func TestListingAddAttachesPendingLabels(t *testing.T) {
	l := NewListing(false, None, false)
	lbl := l.CreateLabel()
	require.NoError(t, l.Mark(lbl))

	ret, err := Ret()
	require.NoError(t, err)
	idx := l.Add(ret)

	require.Equal(t, []Label{lbl}, l.Entries()[idx].Labels)
	require.Empty(t, l.TrailingLabels())
}

func TestListingTrailingLabel(t *testing.T) {
	l := NewListing(false, None, false)
	ret, err := Ret()
	require.NoError(t, err)
	l.Add(ret)

	lbl := l.CreateLabel()
	require.NoError(t, l.Mark(lbl))
	require.Equal(t, []Label{lbl}, l.TrailingLabels())
}

func TestListingDeepCopyIndependence(t *testing.T) {
	l := NewListing(false, None, false)
	block, err := l.CreateBlock(RootBlock)
	require.NoError(t, err)
	_, err = l.CreateVar(l.PartsOf(block)[0], size.SInt, None, FreeNone)
	require.NoError(t, err)

	ret, _ := Ret()
	l.Add(ret)

	cp := l.DeepCopy()
	require.Equal(t, l.Entries(), cp.Entries())

	_, err = cp.CreateBlock(RootBlock)
	require.NoError(t, err)
	require.NotEqual(t, len(l.blocks), len(cp.blocks))
}
