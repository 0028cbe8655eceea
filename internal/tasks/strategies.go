package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/image/math/f64"

	"bandalign/internal/estimate"
	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

const (
	minFeatures    = 10
	minMatches     = 10
	minSegmentArea = 10
	// maxSegmentScore bounds |Δmean| + (1 - area ratio) for a segment pair.
	maxSegmentScore = 0.3
	// segmentReach is how far, in superpixel spacings, a pair may move.
	segmentReach = 2.0

	// A superpixel fit between bands of one camera keeps most pairs in
	// consensus and stays near unit scale without rotation. The warped
	// target must show no residual shift against the reference.
	minSegmentInlierRatio = 0.5
	maxSegmentScaleError  = 0.01
	maxSegmentRotation    = 0.5 * math.Pi / 180
	maxResidualShift      = 0.5
	residualUpsample      = 10
)

// FeatureStrategy matches ORB keypoints and fits a similarity to them.
type FeatureStrategy struct {
	prims primitives.Primitives
	est   *estimate.Estimator
	opts  primitives.MatchOptions
	dual  bool
	log   *slog.Logger
}

func NewFeatureStrategy(prims primitives.Primitives, est *estimate.Estimator, opts primitives.MatchOptions, dual bool, log *slog.Logger) *FeatureStrategy {
	return &FeatureStrategy{prims: prims, est: est, opts: opts, dual: dual, log: orDefault(log)}
}

func (s *FeatureStrategy) Name() string { return "features" }

func (s *FeatureStrategy) Supports(m Method) bool {
	return m == MethodFeatures || m == MethodHybrid
}

func (s *FeatureStrategy) Estimate(ctx context.Context, ref, target *raster.Grid) (*Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matches, err := s.prims.DetectAndMatch(ref, target, s.opts)
	if err != nil {
		return nil, fmt.Errorf("feature detection: %w", err)
	}
	if matches.RefFeatures < minFeatures || matches.TargetFeatures < minFeatures {
		return nil, fmt.Errorf("%w: %d reference, %d target", ErrInsufficientFeatures, matches.RefFeatures, matches.TargetFeatures)
	}
	if len(matches.Pairs) < minMatches {
		return nil, fmt.Errorf("%w: %d", ErrInsufficientMatches, len(matches.Pairs))
	}
	if s.dual {
		s.log.Info("feature matches found", "matches", len(matches.Pairs))
	}

	ref0 := make([]primitives.Point, len(matches.Pairs))
	tgt0 := make([]primitives.Point, len(matches.Pairs))
	for i, p := range matches.Pairs {
		ref0[i], tgt0[i] = p.Ref, p.Target
	}
	fit, err := s.est.Estimate(ref0, tgt0)
	if err != nil {
		return nil, err
	}
	return fromFit(fit, LabelFeatures), nil
}

// SuperpixelStrategy pairs SLIC segments by intensity and area and fits a
// similarity to the paired centroids.
type SuperpixelStrategy struct {
	prims       primitives.Primitives
	est         *estimate.Estimator
	segments    int
	compactness float64
	sigma       float64
}

func NewSuperpixelStrategy(prims primitives.Primitives, est *estimate.Estimator, segments int, compactness, sigma float64) *SuperpixelStrategy {
	return &SuperpixelStrategy{prims: prims, est: est, segments: segments, compactness: compactness, sigma: sigma}
}

func (s *SuperpixelStrategy) Name() string { return "slic" }

func (s *SuperpixelStrategy) Supports(m Method) bool {
	return m == MethodSLIC || m == MethodHybrid
}

func (s *SuperpixelStrategy) Estimate(ctx context.Context, ref, target *raster.Grid) (*Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	refLabels, err := s.prims.Superpixels(ref, s.segments, s.compactness, s.sigma)
	if err != nil {
		return nil, fmt.Errorf("reference superpixels: %w", err)
	}
	tgtLabels, err := s.prims.Superpixels(target, s.segments, s.compactness, s.sigma)
	if err != nil {
		return nil, fmt.Errorf("target superpixels: %w", err)
	}

	reach := segmentReach * math.Sqrt(float64(ref.W*ref.H)/float64(max(s.segments, 1)))
	refPts, tgtPts := matchSegments(segmentFeatures(ref, refLabels), segmentFeatures(target, tgtLabels), reach)
	fit, err := s.est.Estimate(refPts, tgtPts)
	if err != nil {
		return nil, err
	}
	if err := checkSegmentFit(fit); err != nil {
		return nil, err
	}
	if err := s.checkResidual(ref, target, fit.Matrix); err != nil {
		return nil, err
	}
	return fromFit(fit, LabelSLIC), nil
}

func checkSegmentFit(fit *estimate.Fit) error {
	if fit.InlierRatio < minSegmentInlierRatio {
		return fmt.Errorf("%w: %d of %d segment pairs agree", ErrImplausibleTransform, fit.Inliers, fit.Total)
	}
	m := fit.Matrix
	scale := math.Hypot(m[0], m[3])
	rot := math.Atan2(m[3], m[0])
	if math.Abs(scale-1) > maxSegmentScaleError || math.Abs(rot) > maxSegmentRotation {
		return fmt.Errorf("%w: scale %.3f, rotation %.2f degrees", ErrImplausibleTransform, scale, rot*180/math.Pi)
	}
	return nil
}

// checkResidual warps target through m and phase-correlates it against ref.
func (s *SuperpixelStrategy) checkResidual(ref, target *raster.Grid, m f64.Aff3) error {
	warped, err := s.prims.WarpAffine(target, m, ref.W, ref.H, primitives.BorderReflect)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImplausibleTransform, err)
	}
	dy, dx, err := s.prims.PhaseCorrelate(ref, warped, residualUpsample)
	if err != nil {
		return fmt.Errorf("%w: residual check: %v", ErrImplausibleTransform, err)
	}
	if math.Hypot(dy, dx) > maxResidualShift {
		return fmt.Errorf("%w: residual shift (%.2f, %.2f) after superpixel fit", ErrImplausibleTransform, dy, dx)
	}
	return nil
}

type segment struct {
	cx, cy float64
	mean   float64
	std    float64
	area   int
}

// segmentFeatures summarises every labelled region of at least
// minSegmentArea pixels, in label order.
func segmentFeatures(img *raster.Grid, labels *primitives.Labels) []segment {
	type acc struct {
		sx, sy, sum, sq float64
		n               int
	}
	accs := make([]acc, labels.Count+1)
	for y := 0; y < labels.H; y++ {
		for x := 0; x < labels.W; x++ {
			l := labels.At(x, y)
			if l < 1 || int(l) > labels.Count {
				continue
			}
			v := float64(img.At(x, y))
			a := &accs[l]
			a.sx += float64(x)
			a.sy += float64(y)
			a.sum += v
			a.sq += v * v
			a.n++
		}
	}

	var out []segment
	for _, a := range accs[1:] {
		if a.n < minSegmentArea {
			continue
		}
		n := float64(a.n)
		mean := a.sum / n
		out = append(out, segment{
			cx:   a.sx / n,
			cy:   a.sy / n,
			mean: mean,
			std:  math.Sqrt(math.Max(a.sq/n-mean*mean, 0)),
			area: a.n,
		})
	}
	return out
}

// matchSegments picks, for each reference segment, the lowest-scoring
// target segment below maxSegmentScore whose centroid lies within reach.
// The first of equal scores wins.
func matchSegments(ref, target []segment, reach float64) (refPts, tgtPts []primitives.Point) {
	for _, r := range ref {
		best := -1
		bestScore := math.Inf(1)
		for j, t := range target {
			if math.Hypot(t.cx-r.cx, t.cy-r.cy) > reach {
				continue
			}
			ratio := float64(min(r.area, t.area)) / float64(max(r.area, t.area))
			score := math.Abs(r.mean-t.mean) + (1 - ratio)
			if score < bestScore && score < maxSegmentScore {
				best, bestScore = j, score
			}
		}
		if best < 0 {
			continue
		}
		refPts = append(refPts, primitives.Point{X: r.cx, Y: r.cy})
		tgtPts = append(tgtPts, primitives.Point{X: target[best].cx, Y: target[best].cy})
	}
	return refPts, tgtPts
}

// PhaseStrategy recovers a pure translation by phase correlation. For image
// pairs of different size it correlates a centred reference window against
// the top-left corner of the target.
type PhaseStrategy struct {
	prims    primitives.Primitives
	upsample int
	dual     bool
	log      *slog.Logger
}

func NewPhaseStrategy(prims primitives.Primitives, upsample int, dual bool, log *slog.Logger) *PhaseStrategy {
	if upsample < 1 {
		upsample = 1
	}
	return &PhaseStrategy{prims: prims, upsample: upsample, dual: dual, log: orDefault(log)}
}

func (s *PhaseStrategy) Name() string { return "phase" }

// Supports reports that the multiband phase stage closes every chain. The
// dual variant only takes part in the phase and hybrid chains.
func (s *PhaseStrategy) Supports(m Method) bool {
	if s.dual {
		return m == MethodPhase || m == MethodHybrid
	}
	return true
}

func (s *PhaseStrategy) Estimate(ctx context.Context, ref, target *raster.Grid) (*Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.dual {
		return s.estimateWindow(ref, target)
	}

	dy, dx, err := s.prims.PhaseCorrelate(ref, target, s.upsample)
	if err != nil {
		s.log.Debug("phase correlation failed, using cross-correlation peak", "error", err)
		if dy, dx, err = s.prims.CrossCorrelate(ref, target); err != nil {
			return nil, fmt.Errorf("phase correlation: %w", err)
		}
	}
	return &Transform{
		Matrix: f64.Aff3{1, 0, dx, 0, 1, dy},
		Method: fmt.Sprintf("phase_shift(%.1f,%.1f)", dy, dx),
	}, nil
}

func (s *PhaseStrategy) estimateWindow(ref, target *raster.Grid) (*Transform, error) {
	halfH := min(target.H/2, ref.H/4)
	halfW := min(target.W/2, ref.W/4)
	if halfH < 1 || halfW < 1 {
		return nil, fmt.Errorf("phase correlation window is empty for %dx%d onto %dx%d", target.W, target.H, ref.W, ref.H)
	}
	x0, y0 := ref.W/2-halfW, ref.H/2-halfH
	refWin, err := ref.Crop(x0, y0, 2*halfW, 2*halfH)
	if err != nil {
		return nil, err
	}
	tgtWin, err := target.Crop(0, 0, 2*halfW, 2*halfH)
	if err != nil {
		return nil, err
	}
	dy, dx, err := s.prims.PhaseCorrelate(refWin, tgtWin, s.upsample)
	if err != nil {
		return nil, fmt.Errorf("phase correlation: %w", err)
	}
	s.log.Info("phase correlation shift", "dy", fmt.Sprintf("%.2f", dy), "dx", fmt.Sprintf("%.2f", dx))
	return &Transform{
		Matrix: f64.Aff3{1, 0, dx + float64(x0), 0, 1, dy + float64(y0)},
		Method: fmt.Sprintf("phase_correlation(shift:%.1f,%.1f)", dy, dx),
	}, nil
}

// CenterStrategy places the target in the middle of the reference canvas.
// It never fails.
type CenterStrategy struct{}

func (CenterStrategy) Name() string { return "center" }

func (CenterStrategy) Supports(Method) bool { return true }

func (CenterStrategy) Estimate(_ context.Context, ref, target *raster.Grid) (*Transform, error) {
	return &Transform{
		Matrix: f64.Aff3{1, 0, float64((ref.W - target.W) / 2), 0, 1, float64((ref.H - target.H) / 2)},
		Method: LabelCenter,
	}, nil
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
