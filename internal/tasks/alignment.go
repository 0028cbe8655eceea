package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/image/math/f64"

	"bandalign/internal/estimate"
	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

// Strategy estimates the pixel transform that maps a target band onto the
// reference band.
type Strategy interface {
	Name() string
	Supports(m Method) bool
	Estimate(ctx context.Context, ref, target *raster.Grid) (*Transform, error)
}

// Method selects the strategy chain used for every band of a run.
type Method string

const (
	MethodSLIC     Method = "slic"
	MethodFeatures Method = "features"
	MethodHybrid   Method = "hybrid"
	MethodPhase    Method = "phase"
)

// ParseMethod validates a method name from flags or configuration.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodSLIC, MethodFeatures, MethodHybrid, MethodPhase:
		return m, nil
	default:
		return "", fmt.Errorf("unknown registration method %q (want slic, features, hybrid or phase)", s)
	}
}

var (
	// ErrIncompleteGroup marks a group without exactly the expected bands.
	ErrIncompleteGroup = errors.New("incomplete band group")
	// ErrInsufficientFeatures means a side produced fewer than ten keypoints.
	ErrInsufficientFeatures = errors.New("insufficient features")
	// ErrInsufficientMatches means fewer than ten cross-checked matches.
	ErrInsufficientMatches = errors.New("insufficient matches")
	// ErrImplausibleTransform rejects a fit that cannot relate two bands.
	ErrImplausibleTransform = errors.New("implausible transform")
	// ErrNoTransform is returned when every strategy in the chain failed.
	ErrNoTransform = errors.New("no registration strategy produced a transform")
)

// Method labels recorded on transforms. Phase labels carry the shift.
const (
	LabelReference = "reference"
	LabelFeatures  = "features"
	LabelSLIC      = "slic"
	LabelCenter    = "center_placement"
)

// Transform is a 2x3 map from target pixel to reference pixel plus the
// evidence behind it.
type Transform struct {
	Matrix          f64.Aff3
	Method          string
	InlierRatio     float64
	Inliers         int
	Correspondences int
}

func fromFit(fit *estimate.Fit, method string) *Transform {
	return &Transform{
		Matrix:          fit.Matrix,
		Method:          method,
		InlierRatio:     fit.InlierRatio,
		Inliers:         fit.Inliers,
		Correspondences: fit.Total,
	}
}

func referenceTransform() Transform {
	return Transform{Matrix: f64.Aff3{1, 0, 0, 0, 1, 0}, Method: LabelReference, InlierRatio: 1}
}

// MatrixString formats the matrix row-major with six decimals.
func (t Transform) MatrixString() string {
	m := t.Matrix
	return fmt.Sprintf("[[%.6f, %.6f, %.6f], [%.6f, %.6f, %.6f]]", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Attempt records one failed strategy.
type Attempt struct {
	Strategy string
	Err      error
}

// BandGroup is one capture: ordered band paths sharing a base name.
type BandGroup struct {
	Base      string
	Paths     []string
	Reference int // 0-based
}

// RegistrationResult is the outcome of one multiband group.
type RegistrationResult struct {
	Group      BandGroup
	Bands      []*raster.Grid
	Transforms []Transform
	Attempts   [][]Attempt
	Meta       *raster.GeoMetadata
	// Verified is false when the output geotransform could not be composed
	// and the reference transform was kept unchanged.
	Verified   bool
	OutputPath string
	Duration   time.Duration
}

// Methods returns the per-band method labels.
func (r *RegistrationResult) Methods() []string {
	out := make([]string, len(r.Transforms))
	for i, t := range r.Transforms {
		out[i] = t.Method
	}
	return out
}

// DualResult is the outcome of registering one image onto another of a
// different size.
type DualResult struct {
	Reference     *raster.Grid
	Registered    *raster.Grid
	TargetResized *raster.Grid
	Mask          []bool
	Transform     Transform
	Attempts      []Attempt
	Scale         float64
	ScaleScore    float64
	ReferencePath string
	TargetPath    string
	Swapped       bool
	OutputPath    string
	Duration      time.Duration
}

// Coverage is the fraction of reference pixels covered by the target.
func (d *DualResult) Coverage() float64 {
	if len(d.Mask) == 0 {
		return 0
	}
	n := 0
	for _, ok := range d.Mask {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(d.Mask))
}

// Options configure multiband registration. The CLI and configuration layer
// build one per run and pass it explicitly.
type Options struct {
	Segments         int
	Compactness      float64
	Sigma            float64
	ReferenceBand    int // 1-based
	Method           Method
	PreserveMetadata bool
	Resume           bool
	Robust           estimate.Params
	PhaseUpsample    int
	Features         primitives.MatchOptions
	Quicklook        bool
}

// DefaultOptions mirrors the command-line defaults.
func DefaultOptions() Options {
	return Options{
		Segments:         1000,
		Compactness:      10,
		Sigma:            1,
		ReferenceBand:    1,
		Method:           MethodHybrid,
		PreserveMetadata: true,
		Resume:           true,
		Robust:           estimate.Multiband,
		PhaseUpsample:    20,
		Features:         primitives.MatchOptions{Features: 1000},
	}
}

// Validate checks ranges the registrar relies on.
func (o Options) Validate() error {
	if o.ReferenceBand < 1 || o.ReferenceBand > BandsPerGroup {
		return fmt.Errorf("reference band %d outside 1..%d", o.ReferenceBand, BandsPerGroup)
	}
	if _, err := ParseMethod(string(o.Method)); err != nil {
		return err
	}
	if o.Segments < 1 {
		return fmt.Errorf("segments must be positive, got %d", o.Segments)
	}
	if o.Compactness <= 0 {
		return fmt.Errorf("compactness must be positive, got %g", o.Compactness)
	}
	if o.Sigma < 0 {
		return fmt.Errorf("sigma must not be negative, got %g", o.Sigma)
	}
	return nil
}
