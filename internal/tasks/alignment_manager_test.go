package tasks

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f64"

	"bandalign/internal/estimate"
	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

type stubStrategy struct {
	name     string
	supports []Method
	result   *Transform
	err      error
	calls    *[]string
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Supports(m Method) bool {
	for _, x := range s.supports {
		if x == m {
			return true
		}
	}
	return false
}

func (s *stubStrategy) Estimate(context.Context, *raster.Grid, *raster.Grid) (*Transform, error) {
	*s.calls = append(*s.calls, s.name)
	return s.result, s.err
}

func stubChain(calls *[]string, method Method, featErr, slicErr error) *Orchestrator {
	o := NewOrchestrator(method, nil)
	o.Register(&stubStrategy{name: "features", supports: []Method{MethodFeatures, MethodHybrid}, err: featErr, calls: calls,
		result: &Transform{Method: LabelFeatures}})
	o.Register(&stubStrategy{name: "slic", supports: []Method{MethodSLIC, MethodHybrid}, err: slicErr, calls: calls,
		result: &Transform{Method: LabelSLIC}})
	o.Register(&stubStrategy{name: "phase", supports: []Method{MethodSLIC, MethodFeatures, MethodHybrid, MethodPhase}, calls: calls,
		result: &Transform{Method: "phase_shift(0.0,0.0)"}})
	return o
}

func TestResolveFallsBackInOrder(t *testing.T) {
	var calls []string
	o := stubChain(&calls, MethodHybrid, ErrInsufficientFeatures, estimate.ErrInsufficientInliers)

	tr, attempts := o.Resolve(context.Background(), nil, nil)
	require.NotNil(t, tr)
	assert.Equal(t, "phase_shift(0.0,0.0)", tr.Method)
	assert.Equal(t, []string{"features", "slic", "phase"}, calls)
	require.Len(t, attempts, 2)
	assert.Equal(t, "features", attempts[0].Strategy)
	assert.True(t, errors.Is(attempts[0].Err, ErrInsufficientFeatures))
	assert.Equal(t, "slic", attempts[1].Strategy)
	assert.True(t, errors.Is(attempts[1].Err, estimate.ErrInsufficientInliers))
}

func TestResolveStopsAtFirstSuccess(t *testing.T) {
	var calls []string
	o := stubChain(&calls, MethodHybrid, ErrInsufficientMatches, nil)

	tr, attempts := o.Resolve(context.Background(), nil, nil)
	require.NotNil(t, tr)
	assert.Equal(t, LabelSLIC, tr.Method)
	assert.Equal(t, []string{"features", "slic"}, calls)
	assert.Len(t, attempts, 1)
}

func TestChainPerMethod(t *testing.T) {
	cases := map[Method][]string{
		MethodHybrid:   {"features", "slic", "phase"},
		MethodFeatures: {"features", "phase"},
		MethodSLIC:     {"slic", "phase"},
		MethodPhase:    {"phase"},
	}
	for m, want := range cases {
		var calls []string
		assert.Equal(t, want, stubChain(&calls, m, nil, nil).Chain(), "method %s", m)
	}
}

func TestResolveAllFailed(t *testing.T) {
	var calls []string
	o := NewOrchestrator(MethodFeatures, nil)
	o.Register(&stubStrategy{name: "features", supports: []Method{MethodFeatures}, err: ErrInsufficientFeatures, calls: &calls})
	o.Register(&stubStrategy{name: "empty", supports: []Method{MethodFeatures}, calls: &calls})

	tr, attempts := o.Resolve(context.Background(), nil, nil)
	assert.Nil(t, tr)
	require.Len(t, attempts, 2)
	assert.True(t, errors.Is(attempts[1].Err, ErrNoTransform))
}

func TestRegisterKeepsFirstPosition(t *testing.T) {
	var calls []string
	o := stubChain(&calls, MethodHybrid, nil, nil)
	o.Register(&stubStrategy{name: "features", supports: []Method{MethodHybrid}, calls: &calls, result: &Transform{Method: "replaced"}})
	o.Register(nil)

	assert.Equal(t, []string{"features", "slic", "phase"}, o.Chain())
	tr, _ := o.Resolve(context.Background(), nil, nil)
	assert.Equal(t, "replaced", tr.Method)
}

func TestRegistrarChains(t *testing.T) {
	prims := primitives.NewNative(primitives.DefaultSeed)
	io := raster.Probe(nil)

	opts := DefaultOptions()
	assert.Equal(t, []string{"features", "slic", "phase"}, NewRegistrar(io, prims, opts, nil).Orchestrator().Chain())

	dual := DefaultDualOptions()
	assert.Equal(t, []string{"features", "phase", "center"}, NewDualRegistrar(io, prims, dual, nil).Orchestrator().Chain())
	dual.Method = MethodFeatures
	assert.Equal(t, []string{"features", "center"}, NewDualRegistrar(io, prims, dual, nil).Orchestrator().Chain())
	dual.Method = MethodPhase
	assert.Equal(t, []string{"phase", "center"}, NewDualRegistrar(io, prims, dual, nil).Orchestrator().Chain())
}

// matcher reports canned ORB output on top of the native adapter.
type matcher struct {
	*primitives.Native
	matches primitives.Matches
}

func (m *matcher) DetectAndMatch(_, _ *raster.Grid, _ primitives.MatchOptions) (primitives.Matches, error) {
	return m.matches, nil
}

func TestFeatureStrategyThresholds(t *testing.T) {
	native := primitives.NewNative(primitives.DefaultSeed)
	var pairs []primitives.Match
	for i := 0; i < 30; i++ {
		p := primitives.Point{X: float64(i*17%90 + 5), Y: float64(i*29%70 + 5)}
		pairs = append(pairs, primitives.Match{Ref: p, Target: primitives.Point{X: p.X - 3, Y: p.Y + 2}})
	}

	cases := []struct {
		name    string
		matches primitives.Matches
		wantErr error
	}{
		{"few reference features", primitives.Matches{RefFeatures: 9, TargetFeatures: 50, Pairs: pairs}, ErrInsufficientFeatures},
		{"few target features", primitives.Matches{RefFeatures: 50, TargetFeatures: 3, Pairs: pairs}, ErrInsufficientFeatures},
		{"few matches", primitives.Matches{RefFeatures: 50, TargetFeatures: 50, Pairs: pairs[:9]}, ErrInsufficientMatches},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := &matcher{Native: native, matches: c.matches}
			s := NewFeatureStrategy(m, estimate.New(m, estimate.Multiband, nil), primitives.MatchOptions{}, false, nil)
			_, err := s.Estimate(context.Background(), nil, nil)
			assert.True(t, errors.Is(err, c.wantErr), "got %v", err)
		})
	}

	m := &matcher{Native: native, matches: primitives.Matches{RefFeatures: 50, TargetFeatures: 50, Pairs: pairs}}
	s := NewFeatureStrategy(m, estimate.New(m, estimate.Multiband, nil), primitives.MatchOptions{}, false, nil)
	tr, err := s.Estimate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, LabelFeatures, tr.Method)
	assert.InDelta(t, 3, tr.Matrix[2], 1e-6)
	assert.InDelta(t, -2, tr.Matrix[5], 1e-6)
	assert.Equal(t, 30, tr.Inliers)
}

func TestFeatureStrategyReportsDisabledDetector(t *testing.T) {
	native := primitives.NewNative(primitives.DefaultSeed)
	native.DisableFeatures = true
	s := NewFeatureStrategy(native, estimate.New(native, estimate.Multiband, nil), primitives.MatchOptions{Features: 1000}, false, nil)
	_, err := s.Estimate(context.Background(), texture(32, 32, 1), texture(32, 32, 1))
	assert.True(t, errors.Is(err, primitives.ErrUnsupported))
}

func TestCenterStrategy(t *testing.T) {
	tr, err := CenterStrategy{}.Estimate(context.Background(), raster.NewGrid(200, 100), raster.NewGrid(51, 40))
	require.NoError(t, err)
	assert.Equal(t, f64.Aff3{1, 0, 74, 0, 1, 30}, tr.Matrix)
	assert.Equal(t, LabelCenter, tr.Method)
}

func TestStrategiesHonourCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	native := primitives.NewNative(primitives.DefaultSeed)
	_, err := NewPhaseStrategy(native, 20, false, nil).Estimate(ctx, texture(16, 16, 1), texture(16, 16, 1))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSegmentMatching(t *testing.T) {
	labels := &primitives.Labels{W: 8, H: 4, Count: 3, L: []int32{
		1, 1, 1, 1, 2, 2, 2, 2,
		1, 1, 1, 1, 2, 2, 2, 2,
		1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 2, 2, 2, 2,
	}}
	img := raster.NewGrid(8, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			if x >= 4 {
				img.Set(x, y, 0.8)
			} else {
				img.Set(x, y, 0.2)
			}
		}
	}
	segs := segmentFeatures(img, labels)
	// Segment 3 has 4 pixels and is dropped.
	require.Len(t, segs, 2)
	assert.Equal(t, 12, segs[0].area)
	assert.InDelta(t, 1.5, segs[0].cx, 1e-12)
	assert.InDelta(t, 1, segs[0].cy, 1e-12)
	assert.InDelta(t, 0.8, segs[1].mean, 1e-6)
	assert.InDelta(t, 0, segs[1].std, 1e-6)

	ref, tgt := matchSegments(segs, segs, 10)
	require.Len(t, ref, 2)
	assert.Equal(t, ref, tgt)

	// Too different in brightness to pair.
	other := []segment{{cx: 1, cy: 1, mean: 0.6, area: 12}}
	ref, _ = matchSegments(segs[:1], other, 10)
	assert.Empty(t, ref)

	// Same brightness and size, but beyond reach.
	far := []segment{{cx: 40, cy: 1, mean: segs[0].mean, area: 12}}
	ref, _ = matchSegments(segs[:1], far, 10)
	assert.Empty(t, ref)
	ref, _ = matchSegments(segs[:1], far, 50)
	assert.Len(t, ref, 1)
}

func TestSegmentFitPlausibility(t *testing.T) {
	rot := func(deg, scale float64) f64.Aff3 {
		r := deg * math.Pi / 180
		return f64.Aff3{scale * math.Cos(r), -scale * math.Sin(r), 0, scale * math.Sin(r), scale * math.Cos(r), 0}
	}
	cases := []struct {
		name string
		fit  estimate.Fit
		ok   bool
	}{
		{"shift", estimate.Fit{Matrix: f64.Aff3{1, 0, -2, 0, 1, -3}, Inliers: 80, Total: 100, InlierRatio: 0.8}, true},
		{"small rotation", estimate.Fit{Matrix: rot(0.3, 1.005), Inliers: 60, Total: 100, InlierRatio: 0.6}, true},
		{"weak consensus", estimate.Fit{Matrix: f64.Aff3{1, 0, -2, 0, 1, -3}, Inliers: 6, Total: 1000, InlierRatio: 0.006}, false},
		{"rotated and shrunk", estimate.Fit{
			Matrix:  f64.Aff3{-0.5356, 0.3811, 103.16, -0.3811, -0.5356, 252.999},
			Inliers: 60, Total: 100, InlierRatio: 0.6,
		}, false},
		{"rotated", estimate.Fit{Matrix: rot(5, 1), Inliers: 90, Total: 100, InlierRatio: 0.9}, false},
		{"scaled", estimate.Fit{Matrix: rot(0, 1.1), Inliers: 90, Total: 100, InlierRatio: 0.9}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := checkSegmentFit(&c.fit)
			if c.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrImplausibleTransform), "got %v", err)
		})
	}
}

func TestSegmentFitResidualCheck(t *testing.T) {
	base := texture(200, 200, 17)
	ref, err := base.Crop(20, 20, 160, 160)
	require.NoError(t, err)
	// Content moved 3 px right.
	target, err := base.Crop(17, 20, 160, 160)
	require.NoError(t, err)

	native := primitives.NewNative(primitives.DefaultSeed)
	s := NewSuperpixelStrategy(native, estimate.New(native, estimate.Multiband, nil), 400, 10, 1)

	err = s.checkResidual(ref, target, f64.Aff3{1, 0, 0, 0, 1, 0})
	assert.True(t, errors.Is(err, ErrImplausibleTransform), "got %v", err)
	assert.NoError(t, s.checkResidual(ref, target, f64.Aff3{1, 0, -3, 0, 1, 0}))
}
