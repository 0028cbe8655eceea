package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandalign/internal/estimate"
	"bandalign/internal/georef"
	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

// phaseOnly is the native adapter with features and superpixels disabled,
// so every hybrid chain falls through to phase correlation.
func phaseOnly() *primitives.Native {
	n := primitives.NewNative(primitives.DefaultSeed)
	n.DisableFeatures = true
	n.DisableSuperpixels = true
	return n
}

var fiveBandShifts = [][2]int{{0, 0}, {2, 3}, {-1, 4}, {3, -2}, {-2, -1}}

// shiftedGroup writes a 256x256 five-band group whose bands are moved by
// fiveBandShifts.
func shiftedGroup(t *testing.T, io *raster.IO, base string) (BandGroup, []*raster.Grid) {
	t.Helper()
	const size, margin = 256, 20
	src := texture(size+2*margin, size+2*margin, 42)
	bands := make([]*raster.Grid, len(fiveBandShifts))
	for i, s := range fiveBandShifts {
		bands[i] = shifted(t, src, size, size, margin, s[0], s[1], 0.002, int64(i+1))
	}
	return writeGroup(t, io, t.TempDir(), base, bands), bands
}

// assertRecoveredShifts checks each transform's displacement at the image
// centre against the shift the band was built with.
func assertRecoveredShifts(t *testing.T, res *RegistrationResult, bands []*raster.Grid) {
	t.Helper()
	cx, cy := float64(bands[0].W)/2, float64(bands[0].H)/2
	for i, s := range fiveBandShifts {
		tr := res.Transforms[i]
		m := tr.Matrix
		dx := m[0]*cx + m[1]*cy + m[2] - cx
		dy := m[3]*cx + m[4]*cy + m[5] - cy
		assert.InDelta(t, float64(-s[0]), dx, 1, "band %d dx (%s)", i+1, tr.Method)
		assert.InDelta(t, float64(-s[1]), dy, 1, "band %d dy (%s)", i+1, tr.Method)
		assert.InDelta(t, 1, tr.Matrix[0], 0.01, "band %d scale (%s)", i+1, tr.Method)
		assert.InDelta(t, 0, tr.Matrix[3], 0.01, "band %d rotation (%s)", i+1, tr.Method)
		if i == 0 {
			assert.Equal(t, LabelReference, tr.Method)
			assert.Equal(t, bands[0].Pix, res.Bands[0].Pix)
			continue
		}
		assert.Less(t, meanAbsDiff(res.Bands[0], res.Bands[i], 8), 0.05, "band %d residual", i+1)
	}
}

func meanAbsDiff(a, b *raster.Grid, border int) float64 {
	var sum float64
	var n int
	for y := border; y < a.H-border; y++ {
		for x := border; x < a.W-border; x++ {
			sum += math.Abs(float64(a.At(x, y) - b.At(x, y)))
			n++
		}
	}
	return sum / float64(n)
}

func TestRegisterGroupIdentity(t *testing.T) {
	io := raster.Probe(nil)
	dir := t.TempDir()
	base := texture(128, 128, 7)
	g := writeGroup(t, io, dir, "IMG_0001", []*raster.Grid{base, base, base, base, base})

	opts := DefaultOptions()
	opts.Segments = 200
	r := NewRegistrar(io, primitives.NewNative(primitives.DefaultSeed), opts, nil)

	res, err := r.RegisterGroup(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, res.Bands, BandsPerGroup)
	assert.Equal(t, LabelReference, res.Transforms[0].Method)
	for i, tr := range res.Transforms {
		want := [6]float64{1, 0, 0, 0, 1, 0}
		for k := range want {
			assert.InDelta(t, want[k], tr.Matrix[k], 1e-6, "band %d coefficient %d", i+1, k)
		}
		assert.Less(t, meanAbsDiff(base, res.Bands[i], 0), 1e-4, "band %d", i+1)
	}
	assert.True(t, res.Verified)
}

func TestRegisterGroupRecoversShifts(t *testing.T) {
	io := raster.Probe(nil)
	g, bands := shiftedGroup(t, io, "IMG_0042")

	r := NewRegistrar(io, primitives.NewNative(primitives.DefaultSeed), DefaultOptions(), nil)
	require.Equal(t, MethodHybrid, r.Options().Method)
	res, err := r.RegisterGroup(context.Background(), g)
	require.NoError(t, err)

	assertRecoveredShifts(t, res, bands)
	for i := 1; i < BandsPerGroup; i++ {
		assert.Equal(t, LabelFeatures, res.Transforms[i].Method, "band %d", i+1)
		assert.Empty(t, res.Attempts[i], "band %d", i+1)
		assert.GreaterOrEqual(t, res.Transforms[i].Inliers, 10, "band %d", i+1)
	}
}

func TestRegisterGroupPhaseFallbackRecoversShifts(t *testing.T) {
	io := raster.Probe(nil)
	g, bands := shiftedGroup(t, io, "IMG_0043")

	res, err := NewRegistrar(io, phaseOnly(), DefaultOptions(), nil).RegisterGroup(context.Background(), g)
	require.NoError(t, err)
	assertRecoveredShifts(t, res, bands)
	for i := 1; i < BandsPerGroup; i++ {
		assert.True(t, strings.HasPrefix(res.Transforms[i].Method, "phase_shift("), "band %d method %s", i+1, res.Transforms[i].Method)
		// Features and superpixels were attempted first and both declined.
		require.Len(t, res.Attempts[i], 2)
		assert.True(t, errors.Is(res.Attempts[i][0].Err, primitives.ErrUnsupported))
		assert.True(t, errors.Is(res.Attempts[i][1].Err, primitives.ErrUnsupported))
	}
}

func TestRegisterGroupSuperpixelChainRecoversShifts(t *testing.T) {
	io := raster.Probe(nil)
	g, bands := shiftedGroup(t, io, "IMG_0044")

	opts := DefaultOptions()
	opts.Method = MethodSLIC
	res, err := NewRegistrar(io, primitives.NewNative(primitives.DefaultSeed), opts, nil).RegisterGroup(context.Background(), g)
	require.NoError(t, err)

	// Whichever stage answers, the shift is right: a superpixel fit that
	// does not hold up hands over to phase correlation.
	assertRecoveredShifts(t, res, bands)
	for i := 1; i < BandsPerGroup; i++ {
		tr := res.Transforms[i]
		if tr.Method == LabelSLIC {
			assert.Empty(t, res.Attempts[i])
			assert.GreaterOrEqual(t, tr.InlierRatio, minSegmentInlierRatio)
			continue
		}
		assert.True(t, strings.HasPrefix(tr.Method, "phase_shift("), "band %d method %s", i+1, tr.Method)
		require.Len(t, res.Attempts[i], 1)
		assert.Equal(t, "slic", res.Attempts[i][0].Strategy)
		err := res.Attempts[i][0].Err
		assert.True(t, errors.Is(err, ErrImplausibleTransform) || errors.Is(err, estimate.ErrInsufficientInliers), "band %d: %v", i+1, err)
	}
}

func TestRegisterGroupNonDefaultReference(t *testing.T) {
	io := raster.Probe(nil)
	dir := t.TempDir()
	base := texture(200, 200, 11)
	bands := []*raster.Grid{
		shifted(t, base, 160, 160, 20, 2, 0, 0, 0),
		shifted(t, base, 160, 160, 20, 0, 0, 0, 0),
		shifted(t, base, 160, 160, 20, 0, 0, 0, 0),
		shifted(t, base, 160, 160, 20, 0, 0, 0, 0),
		shifted(t, base, 160, 160, 20, 0, 2, 0, 0),
	}
	g := writeGroup(t, io, dir, "IMG_0011", bands)
	g.Reference = 2

	res, err := NewRegistrar(io, phaseOnly(), DefaultOptions(), nil).RegisterGroup(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, LabelReference, res.Transforms[2].Method)
	assert.InDelta(t, -2, res.Transforms[0].Matrix[2], 1)
	assert.InDelta(t, -2, res.Transforms[4].Matrix[5], 1)
	assert.Equal(t, "3", res.Meta.Tags["REFERENCE_BAND"])
	assert.Equal(t, "Band 3 (reference)", res.Meta.Descriptions[2])
}

func TestRegisterGroupRejectsInconsistentMetadata(t *testing.T) {
	io := raster.Probe(nil)
	dir := t.TempDir()
	base := texture(64, 64, 5)
	g := writeGroup(t, io, dir, "IMG_0005", []*raster.Grid{base, base, base, base, base})

	moved := testGeoTransform
	moved[2] += 10
	_, err := io.WriteMultiband(g.Paths[2], []*raster.Grid{base}, raster.WriteProfile{CRS: "EPSG:32633", Transform: &moved})
	require.NoError(t, err)

	_, err = NewRegistrar(io, phaseOnly(), DefaultOptions(), nil).RegisterGroup(context.Background(), g)
	var inc *georef.InconsistencyError
	require.True(t, errors.As(err, &inc), "got %v", err)
	assert.Equal(t, 3, inc.Band)
	assert.Equal(t, "transform", inc.Field)
	assert.Contains(t, err.Error(), "band 3")
}

func TestRegisterGroupWithoutMetadataSkipsValidation(t *testing.T) {
	io := raster.Probe(nil)
	dir := t.TempDir()
	base := texture(64, 64, 5)
	g := writeGroup(t, io, dir, "IMG_0006", []*raster.Grid{base, base, base, base, base})
	moved := testGeoTransform
	moved[2] += 10
	_, err := io.WriteMultiband(g.Paths[2], []*raster.Grid{base}, raster.WriteProfile{CRS: "EPSG:32633", Transform: &moved})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.PreserveMetadata = false
	res, err := NewRegistrar(io, phaseOnly(), opts, nil).RegisterGroup(context.Background(), g)
	require.NoError(t, err)
	assert.Nil(t, res.Meta)
}

func TestRegisterGroupIncomplete(t *testing.T) {
	r := NewRegistrar(raster.Probe(nil), phaseOnly(), DefaultOptions(), nil)
	_, err := r.RegisterGroup(context.Background(), BandGroup{Base: "IMG_0007", Paths: []string{"a", "b", "c"}})
	assert.True(t, errors.Is(err, ErrIncompleteGroup))
}

func TestRegisterGroupMissingFile(t *testing.T) {
	dir := t.TempDir()
	paths := make([]string, BandsPerGroup)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("IMG_0008_%d.tif", i+1))
	}
	r := NewRegistrar(raster.Probe(nil), phaseOnly(), DefaultOptions(), nil)
	_, err := r.RegisterGroup(context.Background(), BandGroup{Base: "IMG_0008", Paths: paths})
	var ioErr *raster.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, paths[0], ioErr.Path)
}

func TestProcessWritesGeoreferencedStack(t *testing.T) {
	io := raster.Probe(nil)
	in, out := t.TempDir(), filepath.Join(t.TempDir(), "registered")
	base := texture(120, 120, 9)
	bands := make([]*raster.Grid, BandsPerGroup)
	for i := range bands {
		bands[i] = shifted(t, base, 96, 96, 12, i%2, 0, 0, 0)
	}
	writeGroup(t, io, in, "IMG_0009", bands)

	scan, err := Scan(in, 1)
	require.NoError(t, err)
	require.Len(t, scan.Groups, 1)

	opts := DefaultOptions()
	opts.Quicklook = true
	res, err := NewRegistrar(io, phaseOnly(), opts, nil).Process(context.Background(), scan.Groups[0], out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "IMG_0009_registered.tif"), res.OutputPath)
	assert.FileExists(t, filepath.Join(out, "IMG_0009_quicklook.png"))

	band, err := io.ReadBand(res.OutputPath, true)
	require.NoError(t, err)
	assert.Equal(t, bands[0].Pix, band.Grid.Pix)
	meta := band.Meta
	assert.Equal(t, "EPSG:32633", meta.CRS)
	require.NotNil(t, meta.Transform)
	for k := range testGeoTransform {
		assert.InDelta(t, testGeoTransform[k], meta.Transform[k], 1e-9)
	}
	assert.Equal(t, "Image Registration", meta.Tags["PROCESSING"])
	assert.Equal(t, Software, meta.Tags["SOFTWARE"])
	assert.Equal(t, "5", meta.Tags["BANDS_COUNT"])
	assert.Equal(t, "1", meta.Tags["REFERENCE_BAND"])
	assert.Equal(t, "true", meta.Tags["GEOTRANSFORM_VERIFIED"])
	assert.Equal(t, "reference", meta.Tags["REGISTRATION_METHOD_BAND_1"])
	assert.Equal(t, "[[1.000000, 0.000000, 0.000000], [0.000000, 1.000000, 0.000000]]", meta.Tags["REGISTRATION_MATRIX_BAND_1"])
	assert.Contains(t, meta.Tags, "REGISTRATION_MATRIX_BAND_5")
	assert.Equal(t, "41.9", meta.Tags["GPS_LATITUDE"])
	require.Len(t, meta.Descriptions, 5)
	assert.Equal(t, "Band 1 (reference)", meta.Descriptions[0])
	assert.Equal(t, "Band 2 registered", meta.Descriptions[1])

	// A second scan treats the group as done.
	manifest, err := ScanOutputs(out)
	require.NoError(t, err)
	done, todo := Partition(scan.Groups, manifest)
	assert.Len(t, done, 1)
	assert.Empty(t, todo)
}

func TestProcessWithoutMetadataWritesPlainStack(t *testing.T) {
	io := raster.Probe(nil)
	in, out := t.TempDir(), t.TempDir()
	base := texture(64, 64, 2)
	g := writeGroup(t, io, in, "IMG_0010", []*raster.Grid{base, base, base, base, base})

	opts := DefaultOptions()
	opts.PreserveMetadata = false
	res, err := NewRegistrar(io, phaseOnly(), opts, nil).Process(context.Background(), g, out)
	require.NoError(t, err)

	band, err := io.ReadBand(res.OutputPath, true)
	require.NoError(t, err)
	assert.Empty(t, band.Meta.CRS)
	assert.Nil(t, band.Meta.Transform)
	_, err = os.Stat(filepath.Join(out, "IMG_0010_quicklook.png"))
	assert.True(t, os.IsNotExist(err))
}
