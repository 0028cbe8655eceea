package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"bandalign/internal/estimate"
	"bandalign/internal/georef"
	"bandalign/internal/logging"
	"bandalign/internal/preprocess"
	"bandalign/internal/primitives"
	"bandalign/internal/raster"
)

const (
	// BandsPerGroup is the band count of a complete multiband capture.
	BandsPerGroup = 5
	// Software is written to the SOFTWARE tag of every output.
	Software = "bandalign"
)

// Registrar aligns the bands of one group onto its reference band and
// writes the stacked result.
type Registrar struct {
	io    *raster.IO
	prims primitives.Primitives
	pre   *preprocess.Preprocessor
	orch  *Orchestrator
	opts  Options
	log   *slog.Logger
}

// NewRegistrar wires the multiband chain: features, superpixels, phase.
func NewRegistrar(io *raster.IO, prims primitives.Primitives, opts Options, log *slog.Logger) *Registrar {
	log = orDefault(log)
	est := estimate.New(prims, opts.Robust, log)
	orch := NewOrchestrator(opts.Method, log)
	orch.Register(NewFeatureStrategy(prims, est, opts.Features, false, log))
	orch.Register(NewSuperpixelStrategy(prims, est, opts.Segments, opts.Compactness, opts.Sigma))
	orch.Register(NewPhaseStrategy(prims, opts.PhaseUpsample, false, log))
	return &Registrar{
		io:    io,
		prims: prims,
		pre:   preprocess.New(prims, preprocess.MultibandOptions(opts.Sigma), log),
		orch:  orch,
		opts:  opts,
		log:   log,
	}
}

// Orchestrator exposes the strategy registry.
func (r *Registrar) Orchestrator() *Orchestrator { return r.orch }

// Options returns the options the registrar was built with.
func (r *Registrar) Options() Options { return r.opts }

// RegisterGroup loads, validates, preprocesses and registers every band of
// g. The reference band is returned unchanged; every other band is warped
// from its original pixels.
func (r *Registrar) RegisterGroup(ctx context.Context, g BandGroup) (*RegistrationResult, error) {
	start := time.Now()
	if len(g.Paths) != BandsPerGroup {
		return nil, fmt.Errorf("%w: %s has %d bands, want %d", ErrIncompleteGroup, g.Base, len(g.Paths), BandsPerGroup)
	}
	ref := g.Reference
	if ref < 0 || ref >= len(g.Paths) {
		return nil, fmt.Errorf("reference band %d outside group %s", ref+1, g.Base)
	}

	bands := make([]*raster.Band, len(g.Paths))
	for i, p := range g.Paths {
		b, err := r.io.ReadBand(p, r.opts.PreserveMetadata)
		if err != nil {
			return nil, err
		}
		b.Index = i + 1
		bands[i] = b
	}
	if r.opts.PreserveMetadata {
		metas := lo.Map(bands, func(b *raster.Band, _ int) *raster.GeoMetadata { return b.Meta })
		if err := georef.ValidateGroup(metas, ref); err != nil {
			return nil, err
		}
	}

	grids := lo.Map(bands, func(b *raster.Band, _ int) *raster.Grid { return b.Grid })
	processed, err := r.pre.PrepareGroup(grids, ref)
	if err != nil {
		return nil, err
	}
	r.log.Debug("bands preprocessed", "group", g.Base, "reference", ref+1, "method", r.opts.Method)

	res := &RegistrationResult{
		Group:      g,
		Bands:      make([]*raster.Grid, len(bands)),
		Transforms: make([]Transform, len(bands)),
		Attempts:   make([][]Attempt, len(bands)),
		Verified:   true,
	}
	for i := range bands {
		if i == ref {
			res.Bands[i] = grids[i]
			res.Transforms[i] = referenceTransform()
			r.log.Info("band is the reference", "group", g.Base, "band", i+1)
			continue
		}

		t, attempts := r.orch.Resolve(ctx, processed[ref], processed[i])
		res.Attempts[i] = attempts
		if t == nil {
			errs := lo.Map(attempts, func(a Attempt, _ int) error { return fmt.Errorf("%s: %w", a.Strategy, a.Err) })
			return nil, fmt.Errorf("band %d: %w: %w", i+1, ErrNoTransform, multierr.Combine(errs...))
		}
		warped, err := r.prims.WarpAffine(grids[i], t.Matrix, grids[i].W, grids[i].H, primitives.BorderReflect)
		if err != nil {
			return nil, fmt.Errorf("failed to warp band %d: %w", i+1, err)
		}
		res.Bands[i] = warped
		res.Transforms[i] = *t
		logging.LogBandRegistered(r.log, g.Base, i+1, t.Method, t.InlierRatio)
	}

	if r.opts.PreserveMetadata {
		res.Meta, res.Verified = r.outputMeta(bands[ref].Meta, res)
	}
	res.Duration = time.Since(start)
	return res, nil
}

// outputMeta derives the output spatial profile from the reference band.
func (r *Registrar) outputMeta(refMeta *raster.GeoMetadata, res *RegistrationResult) (*raster.GeoMetadata, bool) {
	out := refMeta.Clone()
	ref := res.Group.Reference
	verified := true
	if out.Transform != nil {
		composed, ok := georef.ComposeOrFallback(*out.Transform, res.Transforms[ref].Matrix)
		if !ok {
			r.log.Warn("geotransform composition failed, keeping the reference transform", "group", res.Group.Base)
		}
		out.Transform = &composed
		verified = ok
	}

	out.Tags["PROCESSING"] = "Image Registration"
	out.Tags["SOFTWARE"] = Software
	out.Tags["BANDS_COUNT"] = strconv.Itoa(len(res.Bands))
	out.Tags["REFERENCE_BAND"] = strconv.Itoa(ref + 1)
	out.Tags["GEOTRANSFORM_VERIFIED"] = strconv.FormatBool(verified)
	out.Descriptions = make([]string, len(res.Bands))
	for i, t := range res.Transforms {
		out.Tags[fmt.Sprintf("REGISTRATION_METHOD_BAND_%d", i+1)] = t.Method
		out.Tags[fmt.Sprintf("REGISTRATION_MATRIX_BAND_%d", i+1)] = t.MatrixString()
		out.Descriptions[i] = fmt.Sprintf("Band %d registered", i+1)
	}
	out.Descriptions[ref] = fmt.Sprintf("Band %d (reference)", ref+1)
	return out, verified
}

// Write stores res at path. Results without metadata, and results whose
// geospatial encoding fails, are written as plain multiband TIFFs.
func (r *Registrar) Write(res *RegistrationResult, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &raster.IOError{Path: path, Op: "create directory for", Err: err}
	}
	res.OutputPath = path
	if res.Meta == nil {
		return r.io.WritePlain(path, res.Bands)
	}
	geo, err := r.io.WriteMultiband(path, res.Bands, raster.WriteProfile{
		CRS:          res.Meta.CRS,
		Transform:    res.Meta.Transform,
		Nodata:       res.Meta.Nodata,
		Tags:         res.Meta.Tags,
		Descriptions: res.Meta.Descriptions,
		Software:     Software,
	})
	if err != nil {
		return err
	}
	if !geo {
		r.log.Warn("saved without geospatial metadata", "path", path)
	}
	return nil
}

// Process registers g and writes it into outDir, plus a quicklook when
// enabled.
func (r *Registrar) Process(ctx context.Context, g BandGroup, outDir string) (*RegistrationResult, error) {
	start := time.Now()
	logging.LogGroupStart(r.log, "multiband", g.Base, len(g.Paths), map[string]any{
		"method":    string(r.opts.Method),
		"reference": g.Reference + 1,
		"metadata":  r.opts.PreserveMetadata,
	})
	res, err := r.RegisterGroup(ctx, g)
	if err == nil {
		err = r.Write(res, filepath.Join(outDir, OutputName(g.Base)))
	}
	if err != nil {
		logging.LogGroupError(r.log, "multiband", g.Base, time.Since(start), err)
		return nil, err
	}
	if r.opts.Quicklook {
		ql := filepath.Join(outDir, g.Base+"_quicklook.png")
		if qerr := WriteQuicklook(ql, res.Bands, QuicklookSize); qerr != nil {
			r.log.Warn("quicklook failed", "group", g.Base, "error", qerr)
		}
	}
	logging.LogGroupComplete(r.log, "multiband", g.Base, res.OutputPath, time.Since(start), res.Methods())
	return res, nil
}
