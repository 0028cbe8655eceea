// Package primitives wraps the geometric image operations the registration
// pipeline consumes: feature matching, robust similarity fitting, phase
// correlation, superpixel segmentation and resampling.
//
// Two adapters exist. Native is pure Go on top of gonum, x/image and
// imaging and is always available. The OpenCV adapter is compiled in with
// the opencv build tag and swaps in ORB matching and OpenCV resampling.
// Probe picks one at startup.
package primitives

import (
	"errors"

	"golang.org/x/image/math/f64"

	"bandalign/internal/raster"
)

var (
	// ErrUnsupported is returned by adapters that lack a capability.
	ErrUnsupported = errors.New("operation not supported by this adapter")
	// ErrDegenerate is returned when a fit has too few usable points.
	ErrDegenerate = errors.New("degenerate point configuration")
	// ErrSizeMismatch is returned when two grids must share dimensions.
	ErrSizeMismatch = errors.New("image sizes differ")
)

// Point is a pixel coordinate, x to the right and y down.
type Point struct {
	X, Y float64
}

// Match is one correspondence between a reference and a target keypoint.
type Match struct {
	Ref, Target Point
	Distance    float64
}

// Matches is the output of DetectAndMatch. Keypoint counts are reported so
// callers can distinguish too few features from too few matches.
type Matches struct {
	RefFeatures    int
	TargetFeatures int
	Pairs          []Match
}

// MatchOptions configure keypoint detection and matching. ScaleFactor and
// Levels only apply to ORB.
type MatchOptions struct {
	Features    int
	ScaleFactor float64
	Levels      int
	// Best keeps only the N lowest-distance matches; 0 keeps all.
	Best int
}

// RobustParams configure the RANSAC similarity fit.
type RobustParams struct {
	Threshold  float64
	MaxIters   int
	Confidence float64
}

// Border selects how samples outside the source image are filled.
type Border int

const (
	BorderReflect Border = iota
	BorderConstant
)

func (b Border) String() string {
	if b == BorderConstant {
		return "constant"
	}
	return "reflect"
}

// Labels is a superpixel label map; labels start at 1.
type Labels struct {
	W, H  int
	L     []int32
	Count int
}

// At returns the label of pixel (x, y).
func (l *Labels) At(x, y int) int32 { return l.L[y*l.W+x] }

// Primitives is the set of image operations the registration pipeline uses.
type Primitives interface {
	Name() string
	DetectAndMatch(ref, target *raster.Grid, opts MatchOptions) (Matches, error)
	// FitAffinePartial fits a rotation, uniform scale and translation mapping
	// src onto dst. The mask flags the inliers of the returned model.
	FitAffinePartial(src, dst []Point, p RobustParams) (f64.Aff3, []bool, error)
	// PhaseCorrelate returns the shift that registers target onto ref.
	PhaseCorrelate(ref, target *raster.Grid, upsample int) (dy, dx float64, err error)
	CrossCorrelate(ref, target *raster.Grid) (dy, dx float64, err error)
	Superpixels(img *raster.Grid, nSegments int, compactness, sigma float64) (*Labels, error)
	// WarpAffine maps img through m (source pixel to destination pixel) onto
	// a w x h canvas with bilinear sampling. Outside the source, constant
	// borders read zero and reflect borders mirror the edge.
	WarpAffine(img *raster.Grid, m f64.Aff3, w, h int, border Border) (*raster.Grid, error)
	Resize(img *raster.Grid, w, h int) (*raster.Grid, error)
	EqualizeCLAHE(img *raster.Grid, clip float64, tiles int) (*raster.Grid, error)
	EqualizeAdaptive(img *raster.Grid, clip float64) (*raster.Grid, error)
	GaussianBlur(img *raster.Grid, sigma float64) (*raster.Grid, error)
}
