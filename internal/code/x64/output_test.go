package x64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/dwarf"
)

func assembleWithUnwind(t *testing.T, l *code.Listing, info *dwarf.FnInfo) *code.CodeOutput {
	t.Helper()
	a := Arena{}

	transformed, err := a.Transform(l)
	require.NoError(t, err)

	lo := a.LabelOutput()
	require.NoError(t, a.Output(transformed, lo))

	co := a.CodeOutput(lo, nil, 0)
	require.NoError(t, a.OutputWithUnwind(transformed, co, info))
	return co
}

func TestOutputWithUnwindDrivesFnInfoAtPrologAndEpilog(t *testing.T) {
	l := simpleListing(t)

	tbl := dwarf.NewDwarfTable(0)
	fde := tbl.Alloc(0x1000, 64)
	info := &dwarf.FnInfo{}
	info.Reset(fde)

	co := assembleWithUnwind(t, l, info)

	require.NotEmpty(t, co.Code())
	require.Equal(t, co.Pos(), uint32(len(co.Code())))
}

func TestOutputWithoutUnwindMatchesPlainOutput(t *testing.T) {
	l := simpleListing(t)
	a := Arena{}

	transformed, err := a.Transform(l)
	require.NoError(t, err)

	lo1 := a.LabelOutput()
	require.NoError(t, a.Output(transformed, lo1))
	co1 := a.CodeOutput(lo1, nil, 0)
	require.NoError(t, a.Output(transformed, co1))

	lo2 := a.LabelOutput()
	require.NoError(t, a.Output(transformed, lo2))
	co2 := a.CodeOutput(lo2, nil, 0)
	require.NoError(t, a.OutputWithUnwind(transformed, co2, nil))

	require.Equal(t, co1.Code(), co2.Code())
}
