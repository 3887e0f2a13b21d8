package symbolize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perfstacks/nprof/internal/proctree"
)

func TestRegistrySkipsNonStandardDSOs(t *testing.T) {
	r := NewRegistry()

	require.Nil(t, r.For(&proctree.DSO{Kind: proctree.KindVDSO, Pathname: "[vdso]"}))
	require.Nil(t, r.For(&proctree.DSO{Kind: proctree.KindAnon, Pathname: ""}))
	require.Nil(t, r.For(&proctree.DSO{Kind: proctree.KindStack, Pathname: "[stack]"}))
}

func TestRegistryReusesSymbolizerForSamePath(t *testing.T) {
	r := NewRegistry()
	dso := &proctree.DSO{Kind: proctree.KindStandard, Pathname: "/usr/bin/example"}

	first := r.For(dso)
	second := r.For(dso)
	require.Same(t, first, second)
}

func TestSymbolizeMissingFileDegradesGracefully(t *testing.T) {
	e := New("/nonexistent/path/does-not-exist")
	name, line := e.Symbolize(&proctree.DSO{Start: 0x1000, Offset: 0}, 0x100)
	require.Equal(t, "", name)
	require.EqualValues(t, 0, line)
}
