package raster

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Grid is a single-channel float32 raster stored row-major.
type Grid struct {
	W, H int
	Pix  []float32
}

// NewGrid allocates a zeroed w x h grid.
func NewGrid(w, h int) *Grid {
	return &Grid{W: w, H: h, Pix: make([]float32, w*h)}
}

func (g *Grid) At(x, y int) float32     { return g.Pix[y*g.W+x] }
func (g *Grid) Set(x, y int, v float32) { g.Pix[y*g.W+x] = v }
func (g *Grid) Len() int                { return len(g.Pix) }

// SameSize reports whether both grids have identical dimensions.
func (g *Grid) SameSize(o *Grid) bool { return g.W == o.W && g.H == o.H }

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	c := &Grid{W: g.W, H: g.H, Pix: make([]float32, len(g.Pix))}
	copy(c.Pix, g.Pix)
	return c
}

// Filled returns a new grid of the same size with every pixel set to v.
func (g *Grid) Filled(v float32) *Grid {
	c := NewGrid(g.W, g.H)
	for i := range c.Pix {
		c.Pix[i] = v
	}
	return c
}

// MinMax returns the smallest and largest finite values.
func (g *Grid) MinMax() (float32, float32) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range g.Pix {
		if v != v || math.IsInf(float64(v), 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// Crop copies the w x h window starting at (x0, y0).
func (g *Grid) Crop(x0, y0, w, h int) (*Grid, error) {
	if x0 < 0 || y0 < 0 || w <= 0 || h <= 0 || x0+w > g.W || y0+h > g.H {
		return nil, fmt.Errorf("crop %dx%d+%d+%d outside %dx%d grid", w, h, x0, y0, g.W, g.H)
	}
	c := NewGrid(w, h)
	for y := 0; y < h; y++ {
		copy(c.Pix[y*w:(y+1)*w], g.Pix[(y0+y)*g.W+x0:(y0+y)*g.W+x0+w])
	}
	return c, nil
}

// Float64s returns the pixels widened to float64.
func (g *Grid) Float64s() []float64 {
	out := make([]float64, len(g.Pix))
	for i, v := range g.Pix {
		out[i] = float64(v)
	}
	return out
}

// ToGray8 quantises a [0,1] grid to 8 bits, truncating like an integer cast.
func (g *Grid) ToGray8() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.W, g.H))
	for i, v := range g.Pix {
		img.Pix[i] = quantise8(v)
	}
	return img
}

func quantise8(v float32) uint8 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v * 255)
	}
}

// FromGray8 maps an 8-bit image back to [0,1].
func FromGray8(img *image.Gray) *Grid {
	b := img.Bounds()
	g := NewGrid(b.Dx(), b.Dy())
	for y := 0; y < g.H; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+g.W]
		for x, p := range row {
			g.Pix[y*g.W+x] = float32(p) / 255
		}
	}
	return g
}

// FromImage converts any image to a luminance grid, keeping 16-bit range
// for 16-bit sources and 8-bit range otherwise.
func FromImage(img image.Image) *Grid {
	b := img.Bounds()
	g := NewGrid(b.Dx(), b.Dy())
	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				g.Pix[y*g.W+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				g.Pix[y*g.W+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < g.H; y++ {
			for x := 0; x < g.W; x++ {
				c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				g.Pix[y*g.W+x] = float32(c.Y)
			}
		}
	}
	return g
}
