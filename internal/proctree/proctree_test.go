package proctree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/pprof/profile"
)

func TestOnMmapAndFind(t *testing.T) {
	tr := New()
	tr.OnMmap(100, 0x1000, 0x2000, 0, "/lib/libc.so", true)

	d, err := tr.FindOrBackpopulate(100, 0x1500)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "/lib/libc.so", d.Pathname)
}

func TestOnMmapOverlapErased(t *testing.T) {
	tr := New()
	tr.OnMmap(100, 0x1000, 0x3000, 0, "/lib/a.so", true)
	tr.OnMmap(100, 0x2000, 0x4000, 0, "/lib/b.so", true)

	d, err := tr.FindOrBackpopulate(100, 0x2500)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "/lib/b.so", d.Pathname)

	d, err = tr.FindOrBackpopulate(100, 0x1500)
	require.NoError(t, err)
	require.Nil(t, d, "the whole first region was erased by the overlapping mapping")
}

func TestCommExecDropsDSOs(t *testing.T) {
	tr := New()
	tr.OnMmap(100, 0x1000, 0x2000, 0, "/bin/old", true)
	tr.OnComm(100, "new", true)

	p := tr.getOrCreate(100)
	require.Empty(t, p.dsos)
}

func TestForkCopiesParentDSOs(t *testing.T) {
	tr := New()
	tr.OnMmap(100, 0x1000, 0x2000, 0, "/bin/parent", true)
	tr.OnFork(200, 100)

	d, err := tr.FindOrBackpopulate(200, 0x1500)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "/bin/parent", d.Pathname)
}

func TestExitThenSweepRemoves(t *testing.T) {
	tr := New()
	tr.OnMmap(100, 0x1000, 0x2000, 0, "/bin/a", true)
	tr.OnExit(100)

	require.Contains(t, tr.processes, 100)
	tr.Sweep()
	require.NotContains(t, tr.processes, 100)
}

func TestStableIDSharedAcrossProcesses(t *testing.T) {
	tr := New()
	tr.OnMmap(100, 0x1000, 0x2000, 0, "/lib/libc.so", true)
	tr.OnMmap(200, 0x5000, 0x6000, 0, "/lib/libc.so", true)

	d1, _ := tr.FindOrBackpopulate(100, 0x1500)
	d2, _ := tr.FindOrBackpopulate(200, 0x5500)
	require.Equal(t, d1.StableID, d2.StableID)
}

func TestFindOrBackpopulateFromProcMaps(t *testing.T) {
	tr := New()
	tr.readProcMaps = func(pid int) ([]*profile.Mapping, error) {
		return []*profile.Mapping{
			{Start: 0x400000, Limit: 0x401000, Offset: 0, File: "/bin/self"},
		}, nil
	}

	d, err := tr.FindOrBackpopulate(42, 0x400500)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "/bin/self", d.Pathname)
}

func TestMappingsDeduped(t *testing.T) {
	tr := New()
	tr.OnMmap(100, 0x1000, 0x2000, 0, "/lib/libc.so", true)
	tr.OnMmap(200, 0x5000, 0x6000, 0, "/lib/libc.so", true)
	tr.OnMmap(200, 0x7000, 0x8000, 0, "/bin/other", true)

	mm := tr.Mappings()
	require.Len(t, mm, 2)
}
