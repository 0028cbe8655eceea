package georef

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f64"

	"bandalign/internal/raster"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestComposeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		reg := f64.Aff3{
			0.8 + 0.4*rng.Float64(), rng.Float64() - 0.5, 20 * (rng.Float64() - 0.5),
			rng.Float64() - 0.5, 0.8 + 0.4*rng.Float64(), 20 * (rng.Float64() - 0.5),
		}
		world := raster.GeoTransform{0.05, 0.001 * rng.Float64(), 500000 + rng.Float64()*1000, 0.001 * rng.Float64(), -0.05, 4649776}

		out, err := Compose(world, reg)
		require.NoError(t, err)

		back, err := Recover(out, world)
		require.NoError(t, err)
		if diff := cmp.Diff(reg, back, approx); diff != "" {
			t.Fatalf("round trip %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestComposeShiftMovesOrigin(t *testing.T) {
	// Target content sits 2 columns right and 3 rows down of the reference;
	// the registration shifts it back.
	world := raster.GeoTransform{0.5, 0, 100, 0, -0.5, 200}
	reg := Translation(-2, -3)

	out, err := Compose(world, reg)
	require.NoError(t, err)

	// Reference pixel (0,0) came from target pixel (2,3).
	x, y := out.Apply(0, 0)
	wx, wy := world.Apply(2, 3)
	assert.InDelta(t, wx, x, 1e-12)
	assert.InDelta(t, wy, y, 1e-12)
}

func TestComposeIdentityKeepsTransform(t *testing.T) {
	world := raster.GeoTransform{0.05, 0, 500000, 0, -0.05, 4649776}
	out, err := Compose(world, Identity)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(world, out, approx))
}

func TestComposeOrFallbackOnDegenerate(t *testing.T) {
	world := raster.GeoTransform{1, 0, 0, 0, -1, 0}
	out, verified := ComposeOrFallback(world, f64.Aff3{0, 0, 3, 0, 0, 4})
	assert.False(t, verified)
	assert.Equal(t, world, out)

	_, err := Compose(world, f64.Aff3{0, 0, 3, 0, 0, 4})
	assert.True(t, errors.Is(err, ErrNotInvertible))
}

func TestInvertMultiplyIsIdentity(t *testing.T) {
	m := f64.Aff3{1.1, 0.2, 5, -0.3, 0.9, -7}
	inv, err := Invert(m)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(Identity, Multiply(m, inv), approx))
	assert.Empty(t, cmp.Diff(Identity, Multiply(inv, m), approx))
}

func groupMetas(n int) []*raster.GeoMetadata {
	out := make([]*raster.GeoMetadata, n)
	for i := range out {
		tr := raster.GeoTransform{0.05, 0, 500000, 0, -0.05, 4649776}
		out[i] = &raster.GeoMetadata{CRS: "EPSG:32633", Transform: &tr, Width: 256, Height: 256}
	}
	return out
}

func TestValidateGroupAccepts(t *testing.T) {
	metas := groupMetas(5)
	metas[3].Transform[2] += 5e-11
	assert.NoError(t, ValidateGroup(metas, 0))
}

func TestValidateGroupNamesOffendingBand(t *testing.T) {
	for band := 1; band <= 5; band++ {
		for coef := 0; coef < 6; coef++ {
			metas := groupMetas(5)
			ref := 0
			if band == 1 {
				ref = 4
			}
			metas[band-1].Transform[coef] += 1e-9

			err := ValidateGroup(metas, ref)
			var inc *InconsistencyError
			require.True(t, errors.As(err, &inc), "band %d coef %d", band, coef)
			assert.Equal(t, band, inc.Band)
			assert.Equal(t, "transform", inc.Field)
			assert.Contains(t, inc.Reason, "band ")
			assert.Contains(t, err.Error(), "band "+string(rune('0'+band)))
		}
	}
}

func TestValidateGroupCRSAndDimensions(t *testing.T) {
	metas := groupMetas(5)
	metas[2].CRS = "EPSG:4326"
	err := ValidateGroup(metas, 0)
	var inc *InconsistencyError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, 3, inc.Band)
	assert.Equal(t, "crs", inc.Field)

	metas = groupMetas(5)
	metas[4].Width = 255
	require.True(t, errors.As(ValidateGroup(metas, 0), &inc))
	assert.Equal(t, 5, inc.Band)
	assert.Equal(t, "dimensions", inc.Field)

	metas = groupMetas(5)
	metas[1] = nil
	require.True(t, errors.As(ValidateGroup(metas, 0), &inc))
	assert.Equal(t, 2, inc.Band)
}
