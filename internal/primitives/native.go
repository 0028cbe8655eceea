package primitives

import (
	"math/rand"
	"sync"

	"golang.org/x/image/math/f64"

	"bandalign/internal/raster"
)

// DefaultSeed makes RANSAC sampling repeatable across runs.
const DefaultSeed = 1

// Native implements Primitives in pure Go. Features are Shi-Tomasi corners
// with BRIEF descriptors; resampling goes through x/image/draw and
// smoothing through imaging.
type Native struct {
	mu  sync.Mutex
	rng *rand.Rand

	// DisableFeatures makes DetectAndMatch report ErrUnsupported.
	DisableFeatures bool
	// DisableSuperpixels makes Superpixels report ErrUnsupported.
	DisableSuperpixels bool
}

// NewNative returns a Native adapter whose RANSAC sampling is seeded with seed.
func NewNative(seed int64) *Native {
	return &Native{rng: rand.New(rand.NewSource(seed))}
}

func (n *Native) Name() string { return "native" }

func (n *Native) DetectAndMatch(ref, target *raster.Grid, opts MatchOptions) (Matches, error) {
	if n.DisableFeatures {
		return Matches{}, ErrUnsupported
	}
	return detectAndMatch(ref, target, opts), nil
}

func (n *Native) FitAffinePartial(src, dst []Point, p RobustParams) (f64.Aff3, []bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fitPartialAffine(src, dst, p, n.rng)
}

func (n *Native) PhaseCorrelate(ref, target *raster.Grid, upsample int) (float64, float64, error) {
	return phaseCorrelate(ref, target, upsample)
}

func (n *Native) CrossCorrelate(ref, target *raster.Grid) (float64, float64, error) {
	return crossCorrelate(ref, target)
}

func (n *Native) Superpixels(img *raster.Grid, nSegments int, compactness, sigma float64) (*Labels, error) {
	if n.DisableSuperpixels {
		return nil, ErrUnsupported
	}
	return slic(img, nSegments, compactness, sigma)
}

func (n *Native) WarpAffine(img *raster.Grid, m f64.Aff3, w, h int, border Border) (*raster.Grid, error) {
	return warpAffine(img, m, w, h, border)
}

func (n *Native) Resize(img *raster.Grid, w, h int) (*raster.Grid, error) {
	return resize(img, w, h)
}

func (n *Native) EqualizeCLAHE(img *raster.Grid, clip float64, tiles int) (*raster.Grid, error) {
	return clahe(img, clip, tiles)
}

// EqualizeAdaptive takes a normalised clip limit (fraction of the tile
// area per bin) over an 8x8 tile grid.
func (n *Native) EqualizeAdaptive(img *raster.Grid, clip float64) (*raster.Grid, error) {
	return clahe(img, clip*256, 8)
}

func (n *Native) GaussianBlur(img *raster.Grid, sigma float64) (*raster.Grid, error) {
	return gaussianBlur(img, sigma), nil
}
