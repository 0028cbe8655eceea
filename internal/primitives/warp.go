package primitives

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"bandalign/internal/georef"
	"bandalign/internal/raster"
)

// reflectIndex mirrors i into [0, n) including the edge pixel
// (fedcba|abcdef|fedcba).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i - 1
	}
	return i
}

// gridImage presents a Grid to x/image/draw as 16-bit gray, mapping
// [lo, lo+span] linearly onto the full 16-bit range. With reflect set its
// bounds may reach past the grid and samples mirror back inside.
type gridImage struct {
	g       *raster.Grid
	lo      float64
	span    float64
	rect    image.Rectangle
	reflect bool
}

func newGridImage(g *raster.Grid, lo, span float64) *gridImage {
	return &gridImage{g: g, lo: lo, span: span, rect: image.Rect(0, 0, g.W, g.H)}
}

func (m *gridImage) ColorModel() color.Model { return color.Gray16Model }

func (m *gridImage) Bounds() image.Rectangle { return m.rect }

func (m *gridImage) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(m.rect)) {
		return color.Gray16{}
	}
	if m.reflect {
		x, y = reflectIndex(x, m.g.W), reflectIndex(y, m.g.H)
	}
	v := (float64(m.g.Pix[y*m.g.W+x]) - m.lo) / m.span
	if v != v {
		v = 0
	}
	return color.Gray16{Y: uint16(math.Round(clampf(v, 0, 1) * 0xffff))}
}

func (m *gridImage) Set(x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}.In(m.rect)) {
		return
	}
	r, _, _, _ := c.RGBA()
	m.g.Pix[y*m.g.W+x] = float32(m.lo + float64(r)/0xffff*m.span)
}

// valueRange returns the offset and width used to quantise g; flat grids get
// a unit width so their single value survives the round trip.
func valueRange(g *raster.Grid) (lo, span float64) {
	l, h := g.MinMax()
	lo, span = float64(l), float64(h)-float64(l)
	if span == 0 {
		span = 1
	}
	return lo, span
}

// pixelCentred converts a map between pixel indices into the continuous
// coordinates x/image/draw uses, where pixel i covers [i, i+1).
func pixelCentred(m f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		m[0], m[1], m[2] + 0.5 - 0.5*(m[0]+m[1]),
		m[3], m[4], m[5] + 0.5 - 0.5*(m[3]+m[4]),
	}
}

// footprint is the source rectangle that a w x h destination reads through
// inv, padded by two pixels for the interpolation kernel.
func footprint(inv f64.Aff3, w, h int) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range [][2]float64{{0, 0}, {float64(w), 0}, {0, float64(h)}, {float64(w), float64(h)}} {
		x := inv[0]*c[0] + inv[1]*c[1] + inv[2]
		y := inv[3]*c[0] + inv[4]*c[1] + inv[5]
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return image.Rect(int(math.Floor(minX))-2, int(math.Floor(minY))-2, int(math.Ceil(maxX))+2, int(math.Ceil(maxY))+2)
}

// warpAffine resamples img through m with draw.BiLinear. Destination pixels
// outside the source stay zero under BorderConstant.
func warpAffine(img *raster.Grid, m f64.Aff3, w, h int, border Border) (*raster.Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", w, h)
	}
	if img.Len() == 0 {
		return nil, ErrDegenerate
	}
	inv, err := georef.Invert(m)
	if err != nil {
		return nil, err
	}
	lo, span := valueRange(img)
	src := newGridImage(img, lo, span)
	if border == BorderReflect {
		src.rect = src.rect.Union(footprint(inv, w, h))
		src.reflect = true
	}
	out := raster.NewGrid(w, h)
	draw.BiLinear.Transform(newGridImage(out, lo, span), pixelCentred(m), src, src.rect, draw.Src, nil)
	return out, nil
}

// resize scales img onto w x h with draw.BiLinear, sampling pixel centres.
func resize(img *raster.Grid, w, h int) (*raster.Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", w, h)
	}
	if img.Len() == 0 {
		return nil, ErrDegenerate
	}
	lo, span := valueRange(img)
	out := raster.NewGrid(w, h)
	draw.BiLinear.Scale(newGridImage(out, lo, span), image.Rect(0, 0, w, h), newGridImage(img, lo, span), image.Rect(0, 0, img.W, img.H), draw.Src, nil)
	return out, nil
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
