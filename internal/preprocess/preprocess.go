// Package preprocess prepares raw bands for transform estimation.
package preprocess

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

const normEpsilon = 1e-8

// Options controls contrast enhancement and smoothing.
type Options struct {
	Sigma float64
	Clip  float64
	Tiles int
	// AdaptiveClip enables the normalised-clip equaliser as a second try
	// when CLAHE fails; 0 disables it.
	AdaptiveClip float64
}

// MultibandOptions are the settings used for five-band groups.
func MultibandOptions(sigma float64) Options {
	return Options{Sigma: sigma, Clip: 2.0, Tiles: 8}
}

// DualOptions are the settings used for the two-image variant.
func DualOptions(sigma float64) Options {
	return Options{Sigma: sigma, Clip: 3.0, Tiles: 8, AdaptiveClip: 0.03}
}

// Preprocessor normalises, equalises and smooths bands. It never modifies
// its inputs.
type Preprocessor struct {
	prims primitives.Primitives
	opts  Options
	log   *slog.Logger
}

func New(prims primitives.Primitives, opts Options, log *slog.Logger) *Preprocessor {
	if log == nil {
		log = slog.Default()
	}
	return &Preprocessor{prims: prims, opts: opts, log: log}
}

// Normalize maps g linearly onto [0,1].
func Normalize(g *raster.Grid) *raster.Grid {
	lo, hi := g.MinMax()
	span := float64(hi) - float64(lo) + normEpsilon
	out := raster.NewGrid(g.W, g.H)
	for i, v := range g.Pix {
		out.Pix[i] = float32((float64(v) - float64(lo)) / span)
	}
	return out
}

// Process normalises g, optionally equalises it, and blurs it with the
// configured sigma. Enhancement failures leave the grid unenhanced.
func (p *Preprocessor) Process(g *raster.Grid, enhance bool) *raster.Grid {
	out := Normalize(g)

	if enhance {
		eq, err := p.prims.EqualizeCLAHE(out, p.opts.Clip, p.opts.Tiles)
		if err != nil && p.opts.AdaptiveClip > 0 {
			p.log.Debug("CLAHE failed, trying adaptive equalisation", "error", err)
			eq, err = p.prims.EqualizeAdaptive(out, p.opts.AdaptiveClip)
		}
		if err != nil {
			p.log.Warn("contrast enhancement failed, using normalised band", "error", err)
		} else {
			out = eq
		}
	}

	if p.opts.Sigma > 0 {
		blurred, err := p.prims.GaussianBlur(out, p.opts.Sigma)
		if err != nil {
			p.log.Warn("gaussian smoothing failed", "sigma", p.opts.Sigma, "error", err)
		} else {
			out = blurred
		}
	}
	return out
}

// PrepareGroup processes the reference band first and histogram-matches
// every other processed band to it. ref is 0-based.
func (p *Preprocessor) PrepareGroup(bands []*raster.Grid, ref int) ([]*raster.Grid, error) {
	if ref < 0 || ref >= len(bands) {
		return nil, fmt.Errorf("reference index %d outside group of %d", ref, len(bands))
	}
	out := make([]*raster.Grid, len(bands))
	out[ref] = p.Process(bands[ref], true)
	for i, b := range bands {
		if i == ref {
			continue
		}
		processed := p.Process(b, true)
		matched, err := MatchHistogram(processed, out[ref])
		if err != nil {
			p.log.Warn("histogram matching failed, using unmatched band", "band", i+1, "error", err)
			out[i] = processed
			continue
		}
		out[i] = matched
	}
	return out, nil
}

// ErrHistogramMismatch is returned when two grids cannot be matched.
var ErrHistogramMismatch = errors.New("histogram matching needs non-empty grids of equal size")

// MatchHistogram maps the quantiles of src onto those of ref, interpolating
// between the reference's distinct values. NaN pixels take no part in the
// quantiles and stay NaN in the output.
func MatchHistogram(src, ref *raster.Grid) (*raster.Grid, error) {
	if src.Len() == 0 || ref.Len() == 0 || !src.SameSize(ref) {
		return nil, ErrHistogramMismatch
	}

	srcVals, srcCounts, srcN := uniqueCounts(src.Pix)
	refVals, refCounts, refN := uniqueCounts(ref.Pix)
	out := raster.NewGrid(src.W, src.H)
	if srcN == 0 {
		copy(out.Pix, src.Pix)
		return out, nil
	}
	if refN == 0 {
		return nil, fmt.Errorf("%w: reference has no valid pixels", ErrHistogramMismatch)
	}
	srcQ := cumulative(srcCounts, srcN)
	refQ := cumulative(refCounts, refN)

	mapped := make([]float32, len(srcVals))
	for i := range srcVals {
		mapped[i] = float32(interp(srcQ[i], refQ, refVals))
	}
	for i, v := range src.Pix {
		if math.IsNaN(float64(v)) {
			out.Pix[i] = v
			continue
		}
		out.Pix[i] = mapped[sort.Search(len(srcVals), func(j int) bool { return srcVals[j] >= v })]
	}
	return out, nil
}

// uniqueCounts returns the distinct non-NaN values of pix in ascending order,
// how often each occurs and how many pixels were counted.
func uniqueCounts(pix []float32) ([]float32, []int, int) {
	sorted := make([]float32, 0, len(pix))
	for _, v := range pix {
		if !math.IsNaN(float64(v)) {
			sorted = append(sorted, v)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var vals []float32
	var counts []int
	for i, v := range sorted {
		if i > 0 && v == sorted[i-1] {
			counts[len(counts)-1]++
			continue
		}
		vals = append(vals, v)
		counts = append(counts, 1)
	}
	return vals, counts, len(sorted)
}

func cumulative(counts []int, total int) []float64 {
	out := make([]float64, len(counts))
	sum := 0
	for i, c := range counts {
		sum += c
		out[i] = float64(sum) / float64(total)
	}
	return out
}

// interp is piecewise-linear interpolation of (xp, fp) at x, clamped to the
// end values.
func interp(x float64, xp []float64, fp []float32) float64 {
	if x <= xp[0] {
		return float64(fp[0])
	}
	last := len(xp) - 1
	if x >= xp[last] {
		return float64(fp[last])
	}
	j := sort.SearchFloat64s(xp, x)
	x0, x1 := xp[j-1], xp[j]
	f0, f1 := float64(fp[j-1]), float64(fp[j])
	return f0 + (f1-f0)*(x-x0)/(x1-x0)
}
