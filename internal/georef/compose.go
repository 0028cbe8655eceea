// Package georef keeps the output spatial reference correct after a band has
// been warped in pixel space.
package georef

import (
	"errors"
	"math"

	"golang.org/x/image/math/f64"

	"bandalign/internal/raster"
)

// ErrNotInvertible is returned for degenerate (zero-determinant) transforms.
var ErrNotInvertible = errors.New("transform is not invertible")

const detEpsilon = 1e-12

// Identity is the 2x3 identity map.
var Identity = f64.Aff3{1, 0, 0, 0, 1, 0}

// Multiply returns p∘q, the map that applies q first and then p.
func Multiply(p, q f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		p[0]*q[0] + p[1]*q[3], p[0]*q[1] + p[1]*q[4], p[0]*q[2] + p[1]*q[5] + p[2],
		p[3]*q[0] + p[4]*q[3], p[3]*q[1] + p[4]*q[4], p[3]*q[2] + p[4]*q[5] + p[5],
	}
}

// Invert returns m⁻¹.
func Invert(m f64.Aff3) (f64.Aff3, error) {
	det := m[0]*m[4] - m[1]*m[3]
	if math.Abs(det) < detEpsilon || math.IsNaN(det) || math.IsInf(det, 0) {
		return f64.Aff3{}, ErrNotInvertible
	}
	a := m[4] / det
	b := -m[1] / det
	d := -m[3] / det
	e := m[0] / det
	return f64.Aff3{
		a, b, -(a*m[2] + b*m[5]),
		d, e, -(d*m[2] + e*m[5]),
	}, nil
}

// Compose returns the world transform of the registered output,
// original ∘ reg⁻¹. reg maps target pixels onto reference pixels, so a
// reference pixel p lands where the target pixel reg⁻¹(p) was georeferenced.
func Compose(original raster.GeoTransform, reg f64.Aff3) (raster.GeoTransform, error) {
	inv, err := Invert(reg)
	if err != nil {
		return raster.GeoTransform{}, err
	}
	return raster.GeoTransform(Multiply(f64.Aff3(original), inv)), nil
}

// ComposeOrFallback composes like Compose and falls back to the original
// transform, reporting verified=false, when reg cannot be inverted.
func ComposeOrFallback(original raster.GeoTransform, reg f64.Aff3) (out raster.GeoTransform, verified bool) {
	out, err := Compose(original, reg)
	if err != nil {
		return original, false
	}
	return out, true
}

// Recover derives the pixel transform that Compose applied, reg =
// output⁻¹ ∘ original.
func Recover(output, original raster.GeoTransform) (f64.Aff3, error) {
	inv, err := Invert(f64.Aff3(output))
	if err != nil {
		return f64.Aff3{}, err
	}
	return Multiply(inv, f64.Aff3(original)), nil
}

// Translation builds the pure shift map [[1,0,dx],[0,1,dy]].
func Translation(dx, dy float64) f64.Aff3 {
	return f64.Aff3{1, 0, dx, 0, 1, dy}
}
