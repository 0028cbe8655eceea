package primitives

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"bandalign/internal/raster"
)

// gaussianBlur smooths through imaging.Blur on an 8-bit rendition of the
// grid's value range. Flat grids come back unchanged.
func gaussianBlur(img *raster.Grid, sigma float64) *raster.Grid {
	if sigma <= 0 || img.Len() == 0 {
		return img.Clone()
	}
	lo, hi := img.MinMax()
	span := float64(hi) - float64(lo)
	if span == 0 {
		return img.Clone()
	}

	gray := image.NewGray(image.Rect(0, 0, img.W, img.H))
	for i, v := range img.Pix {
		if v != v {
			continue
		}
		gray.Pix[i] = uint8(math.Round(clampf((float64(v)-float64(lo))/span, 0, 1) * 255))
	}
	blurred := imaging.Blur(gray, sigma)

	out := raster.NewGrid(img.W, img.H)
	for y := 0; y < img.H; y++ {
		row := blurred.Pix[y*blurred.Stride:]
		for x := 0; x < img.W; x++ {
			out.Pix[y*img.W+x] = float32(float64(lo) + float64(row[4*x])/255*span)
		}
	}
	return out
}

// clahe equalises a [0,1] image on 8-bit bins over a tiles x tiles grid.
// clip is the OpenCV-style multiple of the uniform bin height; the result is
// bilinearly blended between neighbouring tile mappings.
func clahe(img *raster.Grid, clip float64, tiles int) (*raster.Grid, error) {
	if tiles < 1 {
		return nil, fmt.Errorf("tile count must be positive, got %d", tiles)
	}
	if img.W < tiles || img.H < tiles {
		return nil, fmt.Errorf("image %dx%d smaller than %d tiles", img.W, img.H, tiles)
	}
	gray := img.ToGray8()
	w, h := img.W, img.H
	tw := (w + tiles - 1) / tiles
	th := (h + tiles - 1) / tiles

	luts := make([][256]float64, tiles*tiles)
	for ty := 0; ty < tiles; ty++ {
		for tx := 0; tx < tiles; tx++ {
			x0, y0 := tx*tw, ty*th
			x1, y1 := min(x0+tw, w), min(y0+th, h)
			if x0 >= x1 || y0 >= y1 {
				// Trailing tiles can be empty when the size does not divide evenly.
				x0, y0 = max(x1-tw, 0), max(y1-th, 0)
			}
			luts[ty*tiles+tx] = tileLUT(gray.Pix, w, x0, y0, x1, y1, clip)
		}
	}

	out := raster.NewGrid(w, h)
	invTW, invTH := 1/float64(tw), 1/float64(th)
	for y := 0; y < h; y++ {
		tyf := float64(y)*invTH - 0.5
		ty1 := int(math.Floor(tyf))
		ya := tyf - float64(ty1)
		ty2 := min(ty1+1, tiles-1)
		ty1 = max(ty1, 0)
		for x := 0; x < w; x++ {
			txf := float64(x)*invTW - 0.5
			tx1 := int(math.Floor(txf))
			xa := txf - float64(tx1)
			tx2 := min(tx1+1, tiles-1)
			tx1 = max(tx1, 0)

			v := gray.Pix[y*w+x]
			top := luts[ty1*tiles+tx1][v]*(1-xa) + luts[ty1*tiles+tx2][v]*xa
			bot := luts[ty2*tiles+tx1][v]*(1-xa) + luts[ty2*tiles+tx2][v]*xa
			out.Pix[y*w+x] = float32((top*(1-ya) + bot*ya) / 255)
		}
	}
	return out, nil
}

func tileLUT(pix []uint8, stride, x0, y0, x1, y1 int, clip float64) [256]float64 {
	var hist [256]int
	for y := y0; y < y1; y++ {
		for _, v := range pix[y*stride+x0 : y*stride+x1] {
			hist[v]++
		}
	}
	area := (x1 - x0) * (y1 - y0)

	if clip > 0 {
		limit := max(int(clip*float64(area)/256), 1)
		excess := 0
		for i := range hist {
			if hist[i] > limit {
				excess += hist[i] - limit
				hist[i] = limit
			}
		}
		bonus := excess / 256
		residual := excess - bonus*256
		for i := range hist {
			hist[i] += bonus
		}
		if residual > 0 {
			stepSize := max(256/residual, 1)
			for i := 0; i < 256 && residual > 0; i += stepSize {
				hist[i]++
				residual--
			}
		}
	}

	var lut [256]float64
	scale := 255 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = math.Min(255, math.Round(float64(sum)*scale))
	}
	return lut
}
