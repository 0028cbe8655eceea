package tasks

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bandalign/internal/raster"
)

// texture returns a smooth random field in roughly [0,1].
func texture(w, h int, seed int64) *raster.Grid {
	rng := rand.New(rand.NewSource(seed))
	g := raster.NewGrid(w, h)
	blobs := w * h / 100
	for b := 0; b < blobs; b++ {
		cx, cy := rng.Float64()*float64(w), rng.Float64()*float64(h)
		s := 1.5 + rng.Float64()*3
		amp := rng.Float64()
		r := int(3 * s)
		for y := max(int(cy)-r, 0); y < min(int(cy)+r+1, h); y++ {
			for x := max(int(cx)-r, 0); x < min(int(cx)+r+1, w); x++ {
				d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
				g.Pix[y*w+x] += float32(amp * math.Exp(-d2/(2*s*s)))
			}
		}
	}
	return g
}

// shifted crops a w x h band out of base whose content is moved by
// (dx, dy) relative to the crop at (margin, margin), with additive noise.
func shifted(t *testing.T, base *raster.Grid, w, h, margin, dx, dy int, noise float32, seed int64) *raster.Grid {
	t.Helper()
	g, err := base.Crop(margin-dx, margin-dy, w, h)
	require.NoError(t, err)
	if noise > 0 {
		rng := rand.New(rand.NewSource(seed))
		for i := range g.Pix {
			g.Pix[i] += noise * float32(rng.NormFloat64())
		}
	}
	return g
}

var testGeoTransform = raster.GeoTransform{0.05, 0, 500000, 0, -0.05, 4649776}

// writeGroup writes bands as IMG_<base>_<n>.tif GeoTIFFs sharing one
// spatial reference and returns the group.
func writeGroup(t *testing.T, io *raster.IO, dir, base string, bands []*raster.Grid) BandGroup {
	t.Helper()
	g := BandGroup{Base: base}
	for i, b := range bands {
		tr := testGeoTransform
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.tif", base, i+1))
		_, err := io.WriteMultiband(path, []*raster.Grid{b}, raster.WriteProfile{
			CRS:       "EPSG:32633",
			Transform: &tr,
			Tags:      map[string]string{"GPS_LATITUDE": "41.9", "GPS_LONGITUDE": "12.5"},
		})
		require.NoError(t, err)
		g.Paths = append(g.Paths, path)
	}
	return g
}
