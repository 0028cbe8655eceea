// Package estimate applies the acceptance policy around robust similarity
// fitting: a fit backed by too few inliers is no fit at all.
package estimate

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/image/math/f64"

	"bandalign/internal/primitives"
)

// MinCorrespondences is the smallest point set worth fitting.
const MinCorrespondences = 6

// ErrInsufficientInliers means no acceptable transform was found.
var ErrInsufficientInliers = errors.New("insufficient inliers")

// Params configure the robust fit and its acceptance threshold.
type Params struct {
	Threshold  float64 `json:"threshold" toml:"threshold"`
	MaxIters   int     `json:"max_iters" toml:"max_iters"`
	Confidence float64 `json:"confidence" toml:"confidence"`
	MinInliers int     `json:"min_inliers" toml:"min_inliers"`
}

var (
	// Multiband suits bands sharing one pixel grid.
	Multiband = Params{Threshold: 3.0, MaxIters: 2000, Confidence: 0.99, MinInliers: 6}
	// Dual tolerates the coarser correspondences of cross-scale pairs.
	Dual = Params{Threshold: 5.0, MaxIters: 3000, Confidence: 0.95, MinInliers: 6}
)

// Fit is an accepted target-to-reference transform.
type Fit struct {
	Matrix      f64.Aff3
	Inliers     int
	Total       int
	InlierRatio float64
}

type Estimator struct {
	prims  primitives.Primitives
	params Params
	log    *slog.Logger
}

func New(prims primitives.Primitives, params Params, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	if params.MinInliers < MinCorrespondences {
		params.MinInliers = MinCorrespondences
	}
	return &Estimator{prims: prims, params: params, log: log}
}

// Params returns the active configuration.
func (e *Estimator) Params() Params { return e.params }

// Estimate fits the transform that maps target points onto their reference
// correspondences. It returns ErrInsufficientInliers whenever the solver's
// consensus is below the minimum, even if a matrix was produced.
func (e *Estimator) Estimate(ref, target []primitives.Point) (*Fit, error) {
	if len(ref) != len(target) {
		return nil, fmt.Errorf("correspondence count mismatch: %d reference vs %d target", len(ref), len(target))
	}
	if len(ref) < MinCorrespondences {
		return nil, fmt.Errorf("%w: %d correspondences", ErrInsufficientInliers, len(ref))
	}

	m, mask, err := e.prims.FitAffinePartial(target, ref, primitives.RobustParams{
		Threshold:  e.params.Threshold,
		MaxIters:   e.params.MaxIters,
		Confidence: e.params.Confidence,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientInliers, err)
	}

	inliers := 0
	for _, ok := range mask {
		if ok {
			inliers++
		}
	}
	ratio := float64(inliers) / float64(len(ref))
	e.log.Debug("robust fit", "inliers", inliers, "total", len(ref), "ratio", fmt.Sprintf("%.3f", ratio))

	if inliers < e.params.MinInliers {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientInliers, inliers, len(ref))
	}
	return &Fit{Matrix: m, Inliers: inliers, Total: len(ref), InlierRatio: ratio}, nil
}
