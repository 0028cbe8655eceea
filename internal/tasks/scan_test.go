package tasks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandalign/internal/raster"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func TestScanGroupsByCapture(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"IMG_0002_1.tif", "IMG_0002_2.tif", "IMG_0002_3.tif", "IMG_0002_4.tif", "IMG_0002_5.tif",
		"IMG_0001_5.TIF", "IMG_0001_4.tif", "IMG_0001_3.tif", "IMG_0001_2.tif", "IMG_0001_1.tiff",
		"IMG_0003_1.tif", "IMG_0003_2.tif",
		"IMG_0004_1.tif", "IMG_0004_2.tif", "IMG_0004_3.tif", "IMG_0004_4.tif", "IMG_0004_6.tif",
		"notes.txt", "DSC_0001.jpg",
	)

	res, err := Scan(dir, 2)
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, "IMG_0001", res.Groups[0].Base)
	assert.Equal(t, "IMG_0002", res.Groups[1].Base)
	assert.Equal(t, 1, res.Groups[0].Reference)
	assert.Equal(t, []string{
		filepath.Join(dir, "IMG_0001_1.tiff"),
		filepath.Join(dir, "IMG_0001_2.tif"),
		filepath.Join(dir, "IMG_0001_3.tif"),
		filepath.Join(dir, "IMG_0001_4.tif"),
		filepath.Join(dir, "IMG_0001_5.TIF"),
	}, res.Groups[0].Paths)

	require.Len(t, res.Incomplete, 2)
	assert.Equal(t, "IMG_0003", res.Incomplete[0].Base)
	assert.Len(t, res.Incomplete[0].Paths, 2)
	// Five files, but band 6 instead of band 5.
	assert.Equal(t, "IMG_0004", res.Incomplete[1].Base)
}

func TestScanFileSelectsItsGroup(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"IMG_0001_1.tif", "IMG_0001_2.tif", "IMG_0001_3.tif", "IMG_0001_4.tif", "IMG_0001_5.tif",
		"IMG_0002_1.tif", "IMG_0002_2.tif", "IMG_0002_3.tif", "IMG_0002_4.tif", "IMG_0002_5.tif",
	)
	res, err := Scan(filepath.Join(dir, "IMG_0002_3.tif"), 1)
	require.NoError(t, err)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, "IMG_0002", res.Groups[0].Base)

	_, err = Scan(filepath.Join(dir, "missing.tif"), 1)
	assert.Error(t, err)
	touch(t, dir, "random.tif")
	_, err = Scan(filepath.Join(dir, "random.tif"), 1)
	assert.Error(t, err)
}

func TestScanOutputs(t *testing.T) {
	m, err := ScanOutputs(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, m)

	dir := t.TempDir()
	touch(t, dir, "IMG_0001_registered.tif", "thermal_dual_registered.tif", "IMG_0002_quicklook.png")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "IMG_0009_registered.tif"), 0o755))
	m, err = ScanOutputs(dir)
	require.NoError(t, err)
	assert.True(t, m.Done("IMG_0001"))
	assert.False(t, m.Done("thermal"))
	assert.False(t, m.Done("thermal_dual"))
	assert.False(t, m.Done("IMG_0002"))
	assert.False(t, m.Done("IMG_0009"))

	dual, err := ScanDualOutputs(dir)
	require.NoError(t, err)
	assert.Equal(t, ResumeManifest{"thermal": {}}, dual)
}

func TestDualOutputDoesNotCompleteGroup(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, DualOutputName("IMG_0001"))

	m, err := ScanOutputs(dir)
	require.NoError(t, err)
	assert.False(t, m.Done("IMG_0001"))
	done, todo := Partition([]BandGroup{{Base: "IMG_0001"}}, m)
	assert.Empty(t, done)
	assert.Equal(t, []BandGroup{{Base: "IMG_0001"}}, todo)

	touch(t, dir, OutputName("IMG_0001"))
	m, err = ScanOutputs(dir)
	require.NoError(t, err)
	assert.True(t, m.Done("IMG_0001"))

	dual, err := ScanDualOutputs(dir)
	require.NoError(t, err)
	assert.Equal(t, ResumeManifest{"IMG_0001": {}}, dual)
}

func TestPartitionIsIdempotent(t *testing.T) {
	groups := []BandGroup{{Base: "IMG_0001"}, {Base: "IMG_0002"}, {Base: "IMG_0003"}}
	m := ResumeManifest{"IMG_0002": {}}

	done, todo := Partition(groups, m)
	assert.Equal(t, []BandGroup{{Base: "IMG_0002"}}, done)
	assert.Equal(t, []BandGroup{{Base: "IMG_0001"}, {Base: "IMG_0003"}}, todo)

	for _, g := range todo {
		m[g.Base] = struct{}{}
	}
	done, todo = Partition(groups, m)
	assert.Len(t, done, 3)
	assert.Empty(t, todo)
}

func TestGroupWatcherEmitsCompleteGroups(t *testing.T) {
	dir := t.TempDir()
	gw, err := NewGroupWatcher(dir, 1, 100*time.Millisecond, nil)
	require.NoError(t, err)
	gw.Skip("IMG_0001")
	require.NoError(t, gw.Start())

	io := raster.Probe(nil)
	base := texture(16, 16, 1)
	writeGroup(t, io, dir, "IMG_0001", []*raster.Grid{base, base, base, base, base})
	writeGroup(t, io, dir, "IMG_0002", []*raster.Grid{base, base, base, base, base})
	writeGroup(t, io, dir, "IMG_0003", []*raster.Grid{base, base})

	select {
	case g := <-gw.Ready:
		assert.Equal(t, "IMG_0002", g.Base)
		assert.Len(t, g.Paths, BandsPerGroup)
	case <-time.After(5 * time.Second):
		t.Fatal("no group emitted")
	}
	require.NoError(t, gw.Stop())
	for g := range gw.Ready {
		t.Fatalf("unexpected group %s", g.Base)
	}
}
