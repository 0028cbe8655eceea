package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"bandalign/internal/config"
	"bandalign/internal/fsutil"
	"bandalign/internal/logging"
	"bandalign/internal/pipeline"
	"bandalign/internal/primitives"
	"bandalign/internal/project"
	"bandalign/internal/raster"
	"bandalign/internal/server"
	"bandalign/internal/storage"
	"bandalign/internal/tasks"
)

// ErrRunFailed is returned when a run finished with failed, incomplete or
// cancelled work. The process exits with status 1.
var ErrRunFailed = errors.New("registration run did not complete")

type serverFunc func(ctx context.Context, srv *server.Server) error

func defaultServe(ctx context.Context, srv *server.Server) error {
	return srv.Start(ctx)
}

// Root holds the dependencies shared by every command.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	io    *raster.IO
	prims primitives.Primitives
	out   io.Writer

	verbose bool
	closer  io.Closer
	serveFn serverFunc
}

// NewRoot creates the command root. store may be nil to run without history.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		out:     os.Stdout,
		serveFn: defaultServe,
	}
}

// Run executes args against the command tree.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

// Close releases the rotated log file opened by a verbose run.
func (r *Root) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// prepare finishes wiring once flags are parsed.
func (r *Root) prepare() error {
	if r.verbose {
		logger, closer, err := logging.Setup(r.cfg.Logging, true)
		if err != nil {
			return err
		}
		r.log, r.closer = logger, closer
	}
	if r.io == nil {
		r.io = raster.Probe(r.log)
	}
	if r.prims == nil {
		r.prims = primitives.Probe(r.log, r.cfg.Registration.Seed)
	}
	logging.LogAdapterStatus(r.log, r.prims.Name(), r.io.Codecs())
	return nil
}

// registerOptions is the multiband configuration before flags are applied.
func (r *Root) registerOptions() tasks.Options {
	reg := r.cfg.Registration
	opts := tasks.DefaultOptions()
	opts.Segments = reg.Segments
	opts.Compactness = reg.Compactness
	opts.Sigma = reg.Sigma
	opts.ReferenceBand = reg.ReferenceBand
	if m, err := tasks.ParseMethod(reg.Method); err == nil {
		opts.Method = m
	}
	opts.PreserveMetadata = reg.PreserveMetadata
	opts.Resume = reg.Resume
	opts.Robust = reg.Robust
	opts.PhaseUpsample = reg.PhaseUpsample
	opts.Features.Features = reg.Features
	return opts
}

// dualOptions is the dual configuration before flags are applied.
func (r *Root) dualOptions() tasks.DualOptions {
	d := r.cfg.Dual
	opts := tasks.DefaultDualOptions()
	if m, err := tasks.ParseMethod(d.Method); err == nil {
		opts.Method = m
	}
	opts.Scale = d.Scale
	opts.Contrast = d.Contrast
	opts.Robust = r.cfg.Registration.DualRobust
	if d.Overlay != "" {
		opts.Overlay = tasks.OverlayMode(d.Overlay)
	}
	if d.Features > 0 {
		opts.Features.Features = d.Features
	}
	opts.Features.Best = d.Best
	return opts
}

// defaultOutput is <input>/registered, or the sibling folder when input is
// a single file.
func (r *Root) defaultOutput(input string) string {
	if r.cfg.Paths.DefaultOutput != "" {
		return r.cfg.Paths.DefaultOutput
	}
	if !fsutil.IsDir(input) {
		input = filepath.Dir(input)
	}
	return filepath.Join(input, "registered")
}

// register scans input, registers every complete group not already in
// output, and prints the summary.
func (r *Root) register(ctx context.Context, input, output string, opts tasks.Options, projectDir string) (*pipeline.Summary, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var (
		proj *project.Manager
		sink project.Sink
	)
	if projectDir != "" {
		var err error
		proj, err = project.OpenOrCreate(projectDir, "Multiband registration of "+input, r.log)
		if err != nil {
			return nil, err
		}
		sink = proj
		if output == "" {
			output = proj.RegisteredDir()
		}
	}
	if output == "" {
		output = r.defaultOutput(input)
	}

	scan, err := tasks.Scan(input, opts.ReferenceBand)
	if err != nil {
		return nil, err
	}
	manifest := tasks.ResumeManifest{}
	if opts.Resume {
		if manifest, err = tasks.ScanOutputs(output); err != nil {
			return nil, err
		}
	}
	jobs := pipeline.MultibandJobs(scan, manifest, output)
	if len(jobs) == 0 {
		fmt.Fprintf(r.out, "No band groups found in %s\n", input)
		return &pipeline.Summary{}, nil
	}
	r.log.Info("band groups discovered",
		"input", input,
		"complete", len(scan.Groups),
		"incomplete", len(scan.Incomplete),
		"already_done", len(manifest),
	)

	reg := tasks.NewRegistrar(r.io, r.prims, opts, r.log)
	p := pipeline.New(pipeline.NewRouter(r.log, reg, nil, sink), r.log, r.store, pipeline.RunInfo{
		Kind:    pipeline.KindMultiband,
		Input:   input,
		Output:  output,
		Options: opts,
	})
	sum := p.Run(ctx, jobs)

	if proj != nil {
		r.exportReport(proj, "registration", sum)
	}
	r.printSummary(sum)
	if !sum.OK() {
		return sum, ErrRunFailed
	}
	return sum, nil
}

// dual registers one pair through the pipeline so the run is recorded.
func (r *Root) dual(ctx context.Context, refPath, targetPath, output string, opts tasks.DualOptions) (*pipeline.Summary, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if output == "" {
		output = r.defaultOutput(targetPath)
	}
	reg := tasks.NewDualRegistrar(r.io, r.prims, opts, r.log)
	p := pipeline.New(pipeline.NewRouter(r.log, nil, reg, nil), r.log, r.store, pipeline.RunInfo{
		Kind:    pipeline.KindDual,
		Input:   refPath,
		Output:  output,
		Options: opts,
	})
	sum := p.Run(ctx, []pipeline.Job{{Kind: pipeline.KindDual, Reference: refPath, Target: targetPath, OutDir: output}})
	r.printSummary(sum)
	if !sum.OK() {
		return sum, ErrRunFailed
	}
	return sum, nil
}

// scan prints every discovered group and whether output already holds it.
func (r *Root) scan(input, output string, reference int) error {
	res, err := tasks.Scan(input, reference)
	if err != nil {
		return err
	}
	if output == "" {
		output = r.defaultOutput(input)
	}
	manifest, err := tasks.ScanOutputs(output)
	if err != nil {
		return err
	}
	done, todo := tasks.Partition(res.Groups, manifest)

	for _, g := range res.Groups {
		status := color.CyanString("pending")
		if manifest.Done(g.Base) {
			status = color.GreenString("done")
		}
		fmt.Fprintf(r.out, "%-16s %d bands  %s\n", g.Base, len(g.Paths), status)
	}
	for _, g := range res.Incomplete {
		fmt.Fprintf(r.out, "%-16s %d bands  %s\n", g.Base, len(g.Paths), color.YellowString("incomplete"))
	}
	fmt.Fprintf(r.out, "\n%d groups: %d done, %d pending, %d incomplete\n",
		len(res.Groups)+len(res.Incomplete), len(done), len(todo), len(res.Incomplete))
	return nil
}

// gps prints and records the GPS fix of each raster under input.
func (r *Root) gps(input string) error {
	files := []string{input}
	if fsutil.IsDir(input) {
		var err error
		if files, err = fsutil.ListRasters(input, false); err != nil {
			return err
		}
	}
	found := 0
	for _, f := range files {
		meta, err := tasks.ExtractMetadata(r.io, f)
		if err != nil {
			r.log.Warn("metadata unreadable", "file", f, "error", err)
			continue
		}
		if err := r.store.RecordImageMetadata(meta); err != nil {
			r.log.Warn("metadata not recorded", "file", f, "error", err)
		}
		if meta.GPSSource == "" {
			fmt.Fprintf(r.out, "%s: %s\n", filepath.Base(f), color.YellowString("no GPS fix"))
			continue
		}
		found++
		alt := "n/a"
		if meta.GPSAlt != nil {
			alt = fmt.Sprintf("%.1f m", *meta.GPSAlt)
		}
		fmt.Fprintf(r.out, "%s: lat %.6f lon %.6f alt %s (%s)\n", filepath.Base(f), meta.GPSLat, meta.GPSLon, alt, meta.GPSSource)
	}
	fmt.Fprintf(r.out, "%d of %d files carry a GPS fix\n", found, len(files))
	return nil
}

func (r *Root) exportReport(proj *project.Manager, name string, sum *pipeline.Summary) {
	counts := map[string]int{
		"total":        sum.Total,
		"succeeded":    sum.Succeeded,
		"already_done": sum.AlreadyDone,
		"failed":       sum.Failed,
		"incomplete":   sum.Incomplete,
		"cancelled":    sum.Cancelled,
	}
	methods := make(map[string]any, len(sum.Methods))
	for k, v := range sum.Methods {
		methods[k] = v
	}
	path, err := proj.ExportReport(name, sum.RunID, counts, methods)
	if err != nil {
		r.log.Warn("report not exported", "project", proj.Dir(), "error", err)
		return
	}
	r.log.Info("report exported", "path", path)
}

func (r *Root) printSummary(sum *pipeline.Summary) {
	for _, res := range sum.Results {
		line := fmt.Sprintf("%-16s %s", res.Job.Name(), statusLabel(res.Status))
		switch {
		case res.Error != nil:
			line += "  " + res.Error.Error()
		case len(res.Methods) > 0:
			line += "  " + strings.Join(res.Methods, ", ")
		}
		fmt.Fprintln(r.out, line)
	}

	fmt.Fprintf(r.out, "\nTotal %d: %s, %s, %s, %s, %s\n",
		sum.Total,
		color.GreenString("%d succeeded", sum.Succeeded),
		color.CyanString("%d already done", sum.AlreadyDone),
		color.RedString("%d failed", sum.Failed),
		color.YellowString("%d incomplete", sum.Incomplete),
		color.YellowString("%d cancelled", sum.Cancelled),
	)
	if sum.Durations != nil && sum.Durations.TotalCount() > 0 {
		fmt.Fprintf(r.out, "Group time: p50 %dms, p95 %dms, max %dms\n",
			sum.Durations.ValueAtQuantile(50), sum.Durations.ValueAtQuantile(95), sum.Durations.Max())
	}
}

func statusLabel(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSucceeded:
		return color.GreenString(string(s))
	case pipeline.StatusAlreadyDone:
		return color.CyanString("already done")
	case pipeline.StatusFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}
