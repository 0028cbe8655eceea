package primitives

import (
	"fmt"
	"math"

	"bandalign/internal/raster"
)

const slicIterations = 10

type slicCenter struct {
	y, x, c float64
}

// slic clusters a single-channel [0,1] image into compact superpixels. The
// distance is (Δc/compactness)² + (Δs/step)², the same weighting
// scikit-image uses, so a high compactness yields near-regular cells.
func slic(img *raster.Grid, nSegments int, compactness, sigma float64) (*Labels, error) {
	if nSegments < 1 {
		return nil, fmt.Errorf("segment count must be positive, got %d", nSegments)
	}
	if compactness <= 0 {
		return nil, fmt.Errorf("compactness must be positive, got %g", compactness)
	}
	if img.Len() == 0 {
		return nil, ErrDegenerate
	}
	src := img
	if sigma > 0 {
		src = gaussianBlur(img, sigma)
	}
	w, h := src.W, src.H

	step := math.Sqrt(float64(w*h) / float64(nSegments))
	s := int(math.Max(1, math.Round(step)))
	var centers []slicCenter
	for y := s / 2; y < h; y += s {
		for x := s / 2; x < w; x += s {
			centers = append(centers, slicCenter{y: float64(y), x: float64(x), c: float64(src.At(x, y))})
		}
	}

	ratio := 1 / compactness
	spatial := 1 / float64(s*s)
	labels := make([]int32, w*h)
	dist := make([]float64, w*h)
	win := 2 * s

	sums := make([]slicCenter, len(centers))
	counts := make([]int, len(centers))
	for iter := 0; iter < slicIterations; iter++ {
		for i := range labels {
			labels[i] = -1
			dist[i] = math.Inf(1)
		}
		for k, ctr := range centers {
			cy, cx := int(ctr.y), int(ctr.x)
			y0, y1 := max(cy-win, 0), min(cy+win+1, h)
			x0, x1 := max(cx-win, 0), min(cx+win+1, w)
			for y := y0; y < y1; y++ {
				dy := float64(y) - ctr.y
				for x := x0; x < x1; x++ {
					i := y*w + x
					dx := float64(x) - ctr.x
					dc := (float64(src.Pix[i]) - ctr.c) * ratio
					d := dc*dc + (dy*dy+dx*dx)*spatial
					if d < dist[i] {
						dist[i] = d
						labels[i] = int32(k)
					}
				}
			}
		}

		clear(sums)
		clear(counts)
		for i, l := range labels {
			if l < 0 {
				continue
			}
			sums[l].y += float64(i / w)
			sums[l].x += float64(i % w)
			sums[l].c += float64(src.Pix[i])
			counts[l]++
		}
		for k := range centers {
			if n := float64(counts[k]); n > 0 {
				centers[k] = slicCenter{y: sums[k].y / n, x: sums[k].x / n, c: sums[k].c / n}
			}
		}
	}

	for i, l := range labels {
		if l < 0 {
			labels[i] = nearestCenter(centers, float64(i/w), float64(i%w))
		}
	}
	return relabel(labels, w, h), nil
}

func nearestCenter(centers []slicCenter, y, x float64) int32 {
	best, at := math.Inf(1), 0
	for k, c := range centers {
		if d := (c.y-y)*(c.y-y) + (c.x-x)*(c.x-x); d < best {
			best, at = d, k
		}
	}
	return int32(at)
}

// relabel renumbers labels 1..N in raster order of first appearance.
func relabel(labels []int32, w, h int) *Labels {
	ids := make(map[int32]int32)
	out := &Labels{W: w, H: h, L: make([]int32, len(labels))}
	for i, l := range labels {
		id, ok := ids[l]
		if !ok {
			id = int32(len(ids) + 1)
			ids[l] = id
		}
		out.L[i] = id
	}
	out.Count = len(ids)
	return out
}
