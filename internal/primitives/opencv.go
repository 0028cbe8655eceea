//go:build opencv

package primitives

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sort"

	"gocv.io/x/gocv"
	"golang.org/x/image/math/f64"

	"bandalign/internal/raster"
)

// OpenCV implements Primitives through gocv. RANSAC and SLIC run on the
// native adapter so results do not depend on the installed OpenCV version.
type OpenCV struct {
	native *Native
}

// NewOpenCV returns an OpenCV adapter whose native fallbacks use seed.
func NewOpenCV(seed int64) *OpenCV {
	return &OpenCV{native: NewNative(seed)}
}

func probeOpenCV(log *slog.Logger, seed int64) Primitives {
	// A tiny round trip catches a binary linked against a broken OpenCV.
	m := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8U)
	defer m.Close()
	if m.Empty() {
		log.Warn("OpenCV adapter unavailable, using native primitives")
		return nil
	}
	log.Info("OpenCV adapter available", "version", gocv.OpenCVVersion())
	return NewOpenCV(seed)
}

func (o *OpenCV) Name() string { return "opencv" }

func gridToMat32(g *raster.Grid) (gocv.Mat, error) {
	buf := make([]byte, 4*len(g.Pix))
	for i, v := range g.Pix {
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return gocv.NewMatFromBytes(g.H, g.W, gocv.MatTypeCV32F, buf)
}

func gridToMat8(g *raster.Grid) (gocv.Mat, error) {
	return gocv.NewMatFromBytes(g.H, g.W, gocv.MatTypeCV8U, g.ToGray8().Pix)
}

func matToGrid(m gocv.Mat) (*raster.Grid, error) {
	out := raster.NewGrid(m.Cols(), m.Rows())
	switch m.Type() {
	case gocv.MatTypeCV32F:
		data, err := m.DataPtrFloat32()
		if err != nil {
			return nil, err
		}
		copy(out.Pix, data)
	case gocv.MatTypeCV8U:
		for i, b := range m.ToBytes() {
			out.Pix[i] = float32(b) / 255
		}
	default:
		return nil, fmt.Errorf("unexpected mat type %v", m.Type())
	}
	return out, nil
}

func (o *OpenCV) DetectAndMatch(ref, target *raster.Grid, opts MatchOptions) (Matches, error) {
	a, err := gridToMat8(ref)
	if err != nil {
		return Matches{}, err
	}
	defer a.Close()
	b, err := gridToMat8(target)
	if err != nil {
		return Matches{}, err
	}
	defer b.Close()

	scale := opts.ScaleFactor
	if scale <= 1 {
		scale = 1.2
	}
	levels := opts.Levels
	if levels <= 0 {
		levels = 8
	}
	orb := gocv.NewORBWithParams(opts.Features, float32(scale), levels, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	kpA, descA := orb.DetectAndCompute(a, mask)
	defer descA.Close()
	kpB, descB := orb.DetectAndCompute(b, mask)
	defer descB.Close()

	out := Matches{RefFeatures: descA.Rows(), TargetFeatures: descB.Rows()}
	if descA.Empty() || descB.Empty() {
		return out, nil
	}

	matcher := gocv.NewBFMatcherWithParams(gocv.NormHamming, true)
	defer matcher.Close()
	dm := matcher.Match(descA, descB)
	sort.Slice(dm, func(i, j int) bool { return dm[i].Distance < dm[j].Distance })
	if opts.Best > 0 && len(dm) > opts.Best {
		dm = dm[:opts.Best]
	}
	for _, m := range dm {
		out.Pairs = append(out.Pairs, Match{
			Ref:      Point{X: kpA[m.QueryIdx].X, Y: kpA[m.QueryIdx].Y},
			Target:   Point{X: kpB[m.TrainIdx].X, Y: kpB[m.TrainIdx].Y},
			Distance: m.Distance,
		})
	}
	return out, nil
}

func (o *OpenCV) FitAffinePartial(src, dst []Point, p RobustParams) (f64.Aff3, []bool, error) {
	return o.native.FitAffinePartial(src, dst, p)
}

// PhaseCorrelate uses OpenCV's centroid sub-pixel peak; upsample is unused.
func (o *OpenCV) PhaseCorrelate(ref, target *raster.Grid, _ int) (float64, float64, error) {
	if !ref.SameSize(target) {
		return 0, 0, ErrSizeMismatch
	}
	a, err := gridToMat32(ref)
	if err != nil {
		return 0, 0, err
	}
	defer a.Close()
	b, err := gridToMat32(target)
	if err != nil {
		return 0, 0, err
	}
	defer b.Close()
	window := gocv.NewMat()
	defer window.Close()

	// OpenCV reports how far target moved; registering it undoes that.
	shift, _ := gocv.PhaseCorrelate(a, b, window)
	return -float64(shift.Y), -float64(shift.X), nil
}

func (o *OpenCV) CrossCorrelate(ref, target *raster.Grid) (float64, float64, error) {
	return o.native.CrossCorrelate(ref, target)
}

func (o *OpenCV) Superpixels(img *raster.Grid, nSegments int, compactness, sigma float64) (*Labels, error) {
	return o.native.Superpixels(img, nSegments, compactness, sigma)
}

func (o *OpenCV) WarpAffine(img *raster.Grid, m f64.Aff3, w, h int, border Border) (*raster.Grid, error) {
	src, err := gridToMat32(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	tm := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer tm.Close()
	for i, v := range m {
		tm.SetDoubleAt(i/3, i%3, v)
	}

	bt := gocv.BorderReflect
	if border == BorderConstant {
		bt = gocv.BorderConstant
	}
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.WarpAffineWithParams(src, &dst, tm, image.Point{X: w, Y: h},
		gocv.InterpolationLinear, bt, color.RGBA{})
	return matToGrid(dst)
}

func (o *OpenCV) Resize(img *raster.Grid, w, h int) (*raster.Grid, error) {
	src, err := gridToMat32(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Point{X: w, Y: h}, 0, 0, gocv.InterpolationLinear)
	return matToGrid(dst)
}

func (o *OpenCV) EqualizeCLAHE(img *raster.Grid, clip float64, tiles int) (*raster.Grid, error) {
	src, err := gridToMat8(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	c := gocv.NewCLAHEWithParams(clip, image.Point{X: tiles, Y: tiles})
	defer c.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	c.Apply(src, &dst)
	return matToGrid(dst)
}

func (o *OpenCV) EqualizeAdaptive(img *raster.Grid, clip float64) (*raster.Grid, error) {
	return o.native.EqualizeAdaptive(img, clip)
}

func (o *OpenCV) GaussianBlur(img *raster.Grid, sigma float64) (*raster.Grid, error) {
	if sigma <= 0 {
		return img.Clone(), nil
	}
	src, err := gridToMat32(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	k := 2*int(math.Ceil(4*sigma)) + 1
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.GaussianBlur(src, &dst, image.Point{X: k, Y: k}, sigma, sigma, gocv.BorderReplicate)
	return matToGrid(dst)
}
