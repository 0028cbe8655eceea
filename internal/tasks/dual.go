package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bandalign/internal/estimate"
	"bandalign/internal/logging"
	"bandalign/internal/preprocess"
	"bandalign/internal/primitives"
	"bandalign/internal/raster"
	"bandalign/internal/scale"
)

// DualOptions configure the two-image variant.
type DualOptions struct {
	Method        Method
	Scale         scale.Options
	Contrast      bool
	Robust        estimate.Params
	Features      primitives.MatchOptions
	PhaseUpsample int
	Overlay       OverlayMode
}

// DefaultDualOptions mirrors the command-line defaults.
func DefaultDualOptions() DualOptions {
	return DualOptions{
		Method:        MethodHybrid,
		Scale:         scale.DefaultOptions(),
		Contrast:      true,
		Robust:        estimate.Dual,
		Features:      primitives.MatchOptions{Features: 2000, ScaleFactor: 1.2, Levels: 8, Best: 100},
		PhaseUpsample: 1,
		Overlay:       OverlayBlend,
	}
}

// Validate rejects methods the dual chain cannot run.
func (o DualOptions) Validate() error {
	switch o.Method {
	case MethodFeatures, MethodPhase, MethodHybrid:
	default:
		return fmt.Errorf("dual registration supports features, phase or hybrid, not %q", o.Method)
	}
	if o.Overlay != "" {
		if _, err := ParseOverlay(string(o.Overlay)); err != nil {
			return err
		}
	}
	return nil
}

// DualRegistrar places a smaller image inside the canvas of a larger one.
type DualRegistrar struct {
	io    *raster.IO
	prims primitives.Primitives
	pre   *preprocess.Preprocessor
	scale *scale.Estimator
	orch  *Orchestrator
	opts  DualOptions
	log   *slog.Logger
}

// NewDualRegistrar wires the dual chain: features, windowed phase, centre
// placement.
func NewDualRegistrar(io *raster.IO, prims primitives.Primitives, opts DualOptions, log *slog.Logger) *DualRegistrar {
	log = orDefault(log)
	est := estimate.New(prims, opts.Robust, log)
	orch := NewOrchestrator(opts.Method, log)
	orch.Register(NewFeatureStrategy(prims, est, opts.Features, true, log))
	orch.Register(NewPhaseStrategy(prims, opts.PhaseUpsample, true, log))
	orch.Register(CenterStrategy{})
	return &DualRegistrar{
		io:    io,
		prims: prims,
		pre:   preprocess.New(prims, preprocess.DualOptions(0), log),
		scale: scale.New(prims, opts.Scale, log),
		orch:  orch,
		opts:  opts,
		log:   log,
	}
}

// Orchestrator exposes the strategy registry.
func (d *DualRegistrar) Orchestrator() *Orchestrator { return d.orch }

// Register aligns targetPath onto refPath. The larger image by area always
// becomes the reference.
func (d *DualRegistrar) Register(ctx context.Context, refPath, targetPath string) (*DualResult, error) {
	start := time.Now()
	refBand, err := d.io.ReadBand(refPath, false)
	if err != nil {
		return nil, err
	}
	tgtBand, err := d.io.ReadBand(targetPath, false)
	if err != nil {
		return nil, err
	}
	return d.RegisterGrids(ctx, refBand, tgtBand, start)
}

// RegisterGrids is Register on already loaded bands.
func (d *DualRegistrar) RegisterGrids(ctx context.Context, refBand, tgtBand *raster.Band, start time.Time) (*DualResult, error) {
	swapped := false
	if refBand.Grid.Len() < tgtBand.Grid.Len() {
		refBand, tgtBand = tgtBand, refBand
		swapped = true
		d.log.Info("swapped images so the reference is the larger one", "reference", refBand.Path)
	}
	ref, tgt := refBand.Grid, tgtBand.Grid
	d.log.Info("images loaded", "reference", fmt.Sprintf("%dx%d", ref.W, ref.H), "target", fmt.Sprintf("%dx%d", tgt.W, tgt.H))

	refProc := d.pre.Process(ref, d.opts.Contrast)
	tgtProc := d.pre.Process(tgt, d.opts.Contrast)

	sc, err := d.scale.Estimate(tgtProc, refProc)
	if err != nil {
		return nil, err
	}
	w := min(int(float64(tgt.W)*sc.Scale), ref.W)
	h := min(int(float64(tgt.H)*sc.Scale), ref.H)
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("scale %.3f leaves an empty target", sc.Scale)
	}
	tgtResized, err := d.prims.Resize(tgtProc, w, h)
	if err != nil {
		return nil, fmt.Errorf("failed to resize target: %w", err)
	}
	tgtOut, err := d.prims.Resize(preprocess.Normalize(tgt), w, h)
	if err != nil {
		return nil, fmt.Errorf("failed to resize target: %w", err)
	}
	d.log.Info("target resized", "from", fmt.Sprintf("%dx%d", tgt.W, tgt.H), "to", fmt.Sprintf("%dx%d", w, h))

	t, attempts := d.orch.Resolve(ctx, refProc, tgtResized)
	if t == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoTransform, tgtBand.Path)
	}

	registered, err := d.prims.WarpAffine(tgtOut, t.Matrix, ref.W, ref.H, primitives.BorderConstant)
	if err != nil {
		return nil, fmt.Errorf("failed to warp target: %w", err)
	}
	cover, err := d.prims.WarpAffine(raster.NewGrid(w, h).Filled(1), t.Matrix, ref.W, ref.H, primitives.BorderConstant)
	if err != nil {
		return nil, fmt.Errorf("failed to warp mask: %w", err)
	}
	mask := make([]bool, cover.Len())
	for i, v := range cover.Pix {
		mask[i] = v > 0.5
	}

	d.log.Info("dual registration completed", "method", t.Method)
	return &DualResult{
		Reference:     preprocess.Normalize(ref),
		Registered:    registered,
		TargetResized: tgtOut,
		Mask:          mask,
		Transform:     *t,
		Attempts:      attempts,
		Scale:         sc.Scale,
		ScaleScore:    sc.Score,
		ReferencePath: refBand.Path,
		TargetPath:    tgtBand.Path,
		Swapped:       swapped,
		Duration:      time.Since(start),
	}, nil
}

// Process registers the pair and writes a two-band stack (reference,
// registered target) plus the overlay PNG into outDir.
func (d *DualRegistrar) Process(ctx context.Context, refPath, targetPath, outDir string) (*DualResult, error) {
	start := time.Now()
	name := stem(targetPath)
	logging.LogGroupStart(d.log, "dual", name, 2, map[string]any{
		"method":       string(d.opts.Method),
		"scale_search": d.opts.Scale.Search,
		"contrast":     d.opts.Contrast,
	})
	res, err := d.Register(ctx, refPath, targetPath)
	if err == nil {
		err = d.write(res, outDir)
	}
	if err != nil {
		logging.LogGroupError(d.log, "dual", name, time.Since(start), err)
		return nil, err
	}
	logging.LogGroupComplete(d.log, "dual", name, res.OutputPath, time.Since(start), []string{res.Transform.Method})
	return res, nil
}

func (d *DualRegistrar) write(res *DualResult, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return &raster.IOError{Path: outDir, Op: "create", Err: err}
	}
	res.OutputPath = filepath.Join(outDir, DualOutputName(stem(res.TargetPath)))
	if err := d.io.WritePlain(res.OutputPath, []*raster.Grid{res.Reference, res.Registered}); err != nil {
		return err
	}
	if d.opts.Overlay != "" {
		p := filepath.Join(outDir, fmt.Sprintf("%s_overlay_%s.png", stem(res.TargetPath), d.opts.Overlay))
		if err := WriteOverlay(p, res, d.opts.Overlay); err != nil {
			d.log.Warn("overlay failed", "mode", d.opts.Overlay, "error", err)
		}
	}
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
