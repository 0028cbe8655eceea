package tasks

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandalign/internal/raster"
)

// halfCovered is a 40x30 result whose target covers the left half.
func halfCovered() *DualResult {
	ref := raster.NewGrid(40, 30).Filled(0.2)
	reg := raster.NewGrid(40, 30).Filled(1)
	mask := make([]bool, ref.Len())
	for y := 0; y < 30; y++ {
		for x := 0; x < 20; x++ {
			mask[y*40+x] = true
		}
	}
	return &DualResult{Reference: ref, Registered: reg, Mask: mask}
}

func grey(v float32) uint8 { return raster.NewGrid(1, 1).Filled(v).ToGray8().Pix[0] }

func TestOverlayBlend(t *testing.T) {
	img, err := Overlay(halfCovered(), OverlayBlend)
	require.NoError(t, err)
	g := img.(*image.Gray)
	assert.Equal(t, grey(0.6), g.GrayAt(5, 5).Y)
	assert.Equal(t, grey(0.2), g.GrayAt(30, 5).Y)
}

func TestOverlayCheckerboard(t *testing.T) {
	img, err := Overlay(halfCovered(), OverlayCheckerboard)
	require.NoError(t, err)
	g := img.(*image.Gray)
	assert.Equal(t, grey(1), g.GrayAt(0, 0).Y)
	assert.Equal(t, grey(1), g.GrayAt(10, 10).Y)
	assert.Equal(t, grey(0.2), g.GrayAt(1, 0).Y)
	assert.Equal(t, grey(0.2), g.GrayAt(10, 0).Y)
	// Lattice points outside the mask keep the reference.
	assert.Equal(t, grey(0.2), g.GrayAt(20, 20).Y)
}

func TestOverlayThermal(t *testing.T) {
	img, err := Overlay(halfCovered(), OverlayThermal)
	require.NoError(t, err)
	rgba := img.(*image.RGBA)

	inside := rgba.RGBAAt(5, 5)
	// hot(1) is white, so the blend stays neutral and brighter than the reference.
	assert.Equal(t, inside.R, inside.G)
	assert.Equal(t, inside.G, inside.B)
	outside := rgba.RGBAAt(30, 5)
	assert.Greater(t, inside.R, outside.R)
	assert.Equal(t, outside.R, outside.B)
}

func TestHotColourMap(t *testing.T) {
	c := hot(0)
	assert.InDelta(t, 0.0416, c.R, 1e-9)
	assert.Zero(t, c.G)
	c = hot(0.5)
	assert.Equal(t, 1.0, c.R)
	assert.Greater(t, c.G, 0.0)
	assert.Zero(t, c.B)
	c = hot(1)
	assert.Equal(t, [3]float64{1, 1, 1}, [3]float64{c.R, c.G, c.B})
}

func TestOverlaySideBySide(t *testing.T) {
	img, err := Overlay(halfCovered(), OverlaySideBySide)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 80, 30), img.Bounds())
}

func TestOverlayRejectsMismatchedInputs(t *testing.T) {
	res := halfCovered()
	res.Mask = res.Mask[:10]
	_, err := Overlay(res, OverlayBlend)
	assert.Error(t, err)
	_, err = Overlay(halfCovered(), OverlayMode("sepia"))
	assert.Error(t, err)
}

func TestParseOverlay(t *testing.T) {
	m, err := ParseOverlay(" Thermal_Overlay ")
	require.NoError(t, err)
	assert.Equal(t, OverlayThermal, m)
	_, err = ParseOverlay("heatmap")
	assert.Error(t, err)
}

func TestWriteQuicklookFitsSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ql", "IMG_0001_quicklook.png")
	bands := []*raster.Grid{texture(200, 100, 1), texture(200, 100, 2), texture(200, 100, 3)}
	require.NoError(t, WriteQuicklook(path, bands, 64))

	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(64, 32), img.Bounds().Size())
}
