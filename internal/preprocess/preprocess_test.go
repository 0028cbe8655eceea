package preprocess

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

func ramp(w, h int, scale, offset float32) *raster.Grid {
	g := raster.NewGrid(w, h)
	for i := range g.Pix {
		g.Pix[i] = float32(i)*scale + offset
	}
	return g
}

func TestNormalizeRange(t *testing.T) {
	g := ramp(16, 16, 3, 1000)
	n := Normalize(g)
	lo, hi := n.MinMax()
	assert.InDelta(t, 0, lo, 1e-9)
	assert.InDelta(t, 1, hi, 1e-6)
	assert.Equal(t, float32(1000), g.Pix[0], "input must not change")

	flat := Normalize(raster.NewGrid(4, 4).Filled(7))
	for _, v := range flat.Pix {
		assert.Equal(t, float32(0), v)
	}
}

func TestProcessWithoutSmoothingOrEnhancement(t *testing.T) {
	p := New(primitives.NewNative(primitives.DefaultSeed), MultibandOptions(0), nil)
	g := ramp(32, 32, 1, 0)
	assert.Equal(t, Normalize(g).Pix, p.Process(g, false).Pix)
}

func TestProcessKeepsUnenhancedOnFailure(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	p := New(primitives.NewNative(primitives.DefaultSeed), MultibandOptions(0), log)

	// Too small for an 8x8 tile grid.
	g := ramp(4, 4, 1, 0)
	assert.Equal(t, Normalize(g).Pix, p.Process(g, true).Pix)
	assert.Contains(t, buf.String(), "contrast enhancement failed")
}

func TestProcessEnhancesAndSmooths(t *testing.T) {
	p := New(primitives.NewNative(primitives.DefaultSeed), MultibandOptions(1), nil)
	out := p.Process(ramp(64, 64, 0.5, 10), true)
	lo, hi := out.MinMax()
	assert.GreaterOrEqual(t, lo, float32(0))
	assert.LessOrEqual(t, hi, float32(1))
	assert.Equal(t, 64, out.W)
}

func TestMatchHistogramMonotoneMapping(t *testing.T) {
	ref := ramp(10, 10, 0.01, 0)
	src := ramp(10, 10, 2, 5)

	out, err := MatchHistogram(src, ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Pix, out.Pix)
}

func TestMatchHistogramKeepsNaN(t *testing.T) {
	nan := float32(math.NaN())
	src := raster.NewGrid(3, 2)
	copy(src.Pix, []float32{4, nan, 1, 3, nan, 2})
	ref := raster.NewGrid(3, 2)
	copy(ref.Pix, []float32{10, 20, nan, 30, 40, 50})

	out, err := MatchHistogram(src, ref)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(out.Pix[1])))
	assert.True(t, math.IsNaN(float64(out.Pix[4])))
	// ranks 1..4 of src land on the reference quantiles
	assert.InDelta(t, 12.5, out.Pix[2], 1e-4)
	assert.InDelta(t, 25, out.Pix[5], 1e-4)
	assert.InDelta(t, 37.5, out.Pix[3], 1e-4)
	assert.InDelta(t, 50, out.Pix[0], 1e-4)

	allNaN := src.Filled(nan)
	out, err = MatchHistogram(allNaN, ref)
	require.NoError(t, err)
	for _, v := range out.Pix {
		assert.True(t, math.IsNaN(float64(v)))
	}

	_, err = MatchHistogram(src, allNaN)
	assert.True(t, errors.Is(err, ErrHistogramMismatch))
}

func TestMatchHistogramErrors(t *testing.T) {
	_, err := MatchHistogram(raster.NewGrid(0, 0), raster.NewGrid(0, 0))
	assert.True(t, errors.Is(err, ErrHistogramMismatch))

	_, err = MatchHistogram(raster.NewGrid(3, 3), raster.NewGrid(4, 3))
	assert.True(t, errors.Is(err, ErrHistogramMismatch))
}

func TestPrepareGroupMatchesToReference(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	p := New(primitives.NewNative(primitives.DefaultSeed), MultibandOptions(0), log)

	bands := []*raster.Grid{ramp(32, 32, 1, 0), ramp(32, 32, 1, 3), ramp(16, 16, 1, 0)}
	out, err := p.PrepareGroup(bands, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, out[0].Pix, out[1].Pix, "offset bands match the reference exactly")
	assert.Equal(t, 16, out[2].W, "unmatched band is kept")
	assert.Contains(t, buf.String(), "band=3")

	_, err = p.PrepareGroup(bands, 5)
	assert.Error(t, err)
}
