// Package scale estimates the pixel-scale ratio between a small and a large
// image of the same scene.
package scale

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/montanaflynn/stats"

	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

// Options tune the discrete search around the size-ratio estimate.
type Options struct {
	Search  bool    `json:"search" toml:"search"`
	Samples int     `json:"samples" toml:"samples"`
	Window  float64 `json:"window" toml:"window"`
}

// DefaultOptions searches ten candidates within ±30% of the size ratio.
func DefaultOptions() Options {
	return Options{Search: true, Samples: 10, Window: 0.3}
}

// Result reports the initial estimate, the chosen scale and its score.
// Score is 0 when no candidate beat the initial estimate.
type Result struct {
	Initial float64
	Scale   float64
	Score   float64
	Tried   int
}

// Estimator resamples the small image at candidate scales and scores each
// against the centre of the large image.
type Estimator struct {
	prims primitives.Primitives
	opts  Options
	log   *slog.Logger
}

func New(prims primitives.Primitives, opts Options, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	if opts.Samples < 1 {
		opts.Samples = 10
	}
	return &Estimator{prims: prims, opts: opts, log: log}
}

// InitialScale is the mean of the height and width ratios.
func InitialScale(small, large *raster.Grid) float64 {
	return (float64(large.H)/float64(small.H) + float64(large.W)/float64(small.W)) / 2
}

// Candidates returns n evenly spaced values over [lo, hi].
func Candidates(lo, hi float64, n int) []float64 {
	if n == 1 {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	return out
}

func (e *Estimator) Estimate(small, large *raster.Grid) (Result, error) {
	if small.Len() == 0 || large.Len() == 0 {
		return Result{}, fmt.Errorf("scale estimation needs non-empty images")
	}
	initial := InitialScale(small, large)
	res := Result{Initial: initial, Scale: initial}
	if !e.opts.Search {
		return res, nil
	}

	for _, s := range Candidates(initial*(1-e.opts.Window), initial*(1+e.opts.Window), e.opts.Samples) {
		w := int(float64(small.W) * s)
		h := int(float64(small.H) * s)
		if w < 2 || h < 2 || w > large.W || h > large.H {
			continue
		}
		resized, err := e.prims.Resize(small, w, h)
		if err != nil {
			e.log.Debug("scale candidate resize failed", "scale", s, "error", err)
			continue
		}
		roi, err := large.Crop((large.W-w)/2, (large.H-h)/2, w, h)
		if err != nil {
			continue
		}
		res.Tried++

		score, err := stats.Correlation(roi.Float64s(), resized.Float64s())
		if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		if score > res.Score {
			res.Score = score
			res.Scale = s
		}
	}
	e.log.Info("scale factor estimated", "scale", fmt.Sprintf("%.3f", res.Scale), "score", fmt.Sprintf("%.3f", res.Score))
	return res, nil
}
