package primitives

import (
	"math"
	"math/bits"
	"math/rand"
	"sort"

	"bandalign/internal/raster"
)

const (
	defaultFeatures = 1000
	// cornerWindow is the half size of the structure tensor window.
	cornerWindow = 2
	// cornerSuppression is the non-maximum suppression radius.
	cornerSuppression = 3
	// cornerFloor drops corners weaker than this fraction of the strongest.
	cornerFloor = 0.01
	detectSigma = 1.0

	briefRadius = 12
	briefBits   = 256
	briefSigma  = 2.0
	// maxHamming rejects matches differing in more than a quarter of the bits.
	maxHamming = briefBits / 4
)

type briefPair struct {
	x1, y1, x2, y2 int
}

// briefPattern is fixed so descriptors are comparable across runs.
var briefPattern = makeBriefPattern(briefBits, briefRadius, 0x5eed)

func makeBriefPattern(n, r int, seed int64) []briefPair {
	rng := rand.New(rand.NewSource(seed))
	sigma := float64(2*r+1) / 5
	coord := func() int {
		for {
			if v := int(math.Round(rng.NormFloat64() * sigma)); v >= -r && v <= r {
				return v
			}
		}
	}
	p := make([]briefPair, n)
	for i := range p {
		p[i] = briefPair{coord(), coord(), coord(), coord()}
	}
	return p
}

type descriptor [briefBits / 64]uint64

func (d descriptor) distance(o descriptor) int {
	n := 0
	for i := range d {
		n += bits.OnesCount64(d[i] ^ o[i])
	}
	return n
}

type keypoint struct {
	pt       Point
	response float64
	desc     descriptor
}

// detectAndMatch finds Shi-Tomasi corners on both images, describes them
// with BRIEF bit strings and keeps mutual nearest neighbours by Hamming
// distance, best first.
func detectAndMatch(ref, target *raster.Grid, opts MatchOptions) Matches {
	limit := opts.Features
	if limit <= 0 {
		limit = defaultFeatures
	}
	rk := keypoints(ref, limit)
	tk := keypoints(target, limit)
	pairs := matchKeypoints(rk, tk)
	if opts.Best > 0 && len(pairs) > opts.Best {
		pairs = pairs[:opts.Best]
	}
	return Matches{RefFeatures: len(rk), TargetFeatures: len(tk), Pairs: pairs}
}

func keypoints(img *raster.Grid, limit int) []keypoint {
	kps := detectCorners(gaussianBlur(img, detectSigma), briefRadius+1, limit)
	smooth := gaussianBlur(img, briefSigma)
	for i := range kps {
		describe(smooth, &kps[i])
	}
	return kps
}

// detectCorners returns minimum-eigenvalue corners at least margin pixels
// from the border, strongest first, at most limit of them.
func detectCorners(img *raster.Grid, margin, limit int) []keypoint {
	w, h := img.W, img.H
	if w <= 2*margin || h <= 2*margin {
		return nil
	}
	gxx := make([]float64, w*h)
	gyy := make([]float64, w*h)
	gxy := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			ix := float64(img.Pix[i+1]-img.Pix[i-1]) / 2
			iy := float64(img.Pix[i+w]-img.Pix[i-w]) / 2
			gxx[i], gyy[i], gxy[i] = ix*ix, iy*iy, ix*iy
		}
	}

	resp := make([]float64, w*h)
	var peak float64
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			var a, b, c float64
			for dy := -cornerWindow; dy <= cornerWindow; dy++ {
				row := (y + dy) * w
				for dx := -cornerWindow; dx <= cornerWindow; dx++ {
					j := row + x + dx
					a += gxx[j]
					b += gxy[j]
					c += gyy[j]
				}
			}
			r := (a+c)/2 - math.Sqrt((a-c)*(a-c)/4+b*b)
			resp[y*w+x] = r
			peak = math.Max(peak, r)
		}
	}
	if peak <= 0 {
		return nil
	}

	floor := peak * cornerFloor
	var kps []keypoint
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			r := resp[y*w+x]
			if r <= floor || !isLocalMax(resp, w, h, x, y) {
				continue
			}
			kps = append(kps, keypoint{pt: Point{X: float64(x), Y: float64(y)}, response: r})
		}
	}
	sort.SliceStable(kps, func(i, j int) bool { return kps[i].response > kps[j].response })
	if len(kps) > limit {
		kps = kps[:limit]
	}
	return kps
}

// isLocalMax breaks ties in favour of the first pixel in row-major order.
func isLocalMax(resp []float64, w, h, x, y int) bool {
	i := y*w + x
	r := resp[i]
	for yy := max(y-cornerSuppression, 0); yy <= min(y+cornerSuppression, h-1); yy++ {
		for xx := max(x-cornerSuppression, 0); xx <= min(x+cornerSuppression, w-1); xx++ {
			j := yy*w + xx
			if resp[j] > r || (resp[j] == r && j < i) {
				return false
			}
		}
	}
	return true
}

func describe(img *raster.Grid, kp *keypoint) {
	x, y := int(kp.pt.X), int(kp.pt.Y)
	for i, p := range briefPattern {
		if img.At(x+p.x1, y+p.y1) < img.At(x+p.x2, y+p.y2) {
			kp.desc[i/64] |= 1 << (i % 64)
		}
	}
}

// matchKeypoints is a brute-force Hamming matcher with cross-checking.
func matchKeypoints(ref, target []keypoint) []Match {
	if len(ref) == 0 || len(target) == 0 {
		return nil
	}
	fwd := make([]int, len(ref))
	fwdDist := make([]int, len(ref))
	back := make([]int, len(target))
	backDist := make([]int, len(target))
	for j := range back {
		back[j], backDist[j] = -1, briefBits+1
	}
	for i, r := range ref {
		fwd[i], fwdDist[i] = -1, briefBits+1
		for j, t := range target {
			d := r.desc.distance(t.desc)
			if d < fwdDist[i] {
				fwd[i], fwdDist[i] = j, d
			}
			if d < backDist[j] {
				back[j], backDist[j] = i, d
			}
		}
	}

	var out []Match
	for i, j := range fwd {
		if j < 0 || back[j] != i || fwdDist[i] > maxHamming {
			continue
		}
		out = append(out, Match{Ref: ref[i].pt, Target: target[j].pt, Distance: float64(fwdDist[i])})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Distance < out[b].Distance })
	return out
}
