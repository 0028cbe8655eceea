package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bandalign/internal/project"
	"bandalign/internal/storage"
	"bandalign/internal/tasks"
)

// router implements Processor and routes jobs to the registrar for their kind.
type router struct {
	log       *slog.Logger
	multiband groupRegistrar
	dual      pairRegistrar
	sink      project.Sink
}

type groupRegistrar interface {
	Process(ctx context.Context, g tasks.BandGroup, outDir string) (*tasks.RegistrationResult, error)
}

type pairRegistrar interface {
	Process(ctx context.Context, refPath, targetPath, outDir string) (*tasks.DualResult, error)
}

// NewRouter returns the Processor for the given registrars. Either registrar
// may be nil when the run only carries the other kind; sink may be nil.
func NewRouter(logger *slog.Logger, multiband *tasks.Registrar, dual *tasks.DualRegistrar, sink project.Sink) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &router{log: logger, sink: sink}
	if multiband != nil {
		r.multiband = multiband
	}
	if dual != nil {
		r.dual = dual
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	r.log.Debug("routing job", "name", job.Name(), "kind", job.Kind)
	switch job.Kind {
	case KindMultiband:
		return r.handleMultiband(ctx, job)
	case KindDual:
		return r.handleDual(ctx, job)
	default:
		return Result{Job: job, Status: StatusFailed, Error: fmt.Errorf("unknown job kind: %s", job.Kind)}
	}
}

func (r *router) handleMultiband(ctx context.Context, job Job) Result {
	if r.multiband == nil {
		return Result{Job: job, Status: StatusFailed, Error: errors.New("multiband registration is not configured")}
	}
	start := time.Now()
	res, err := r.multiband.Process(ctx, job.Group, job.OutDir)
	if err != nil {
		status := StatusFailed
		if errors.Is(err, tasks.ErrIncompleteGroup) {
			status = StatusIncomplete
		}
		return Result{Job: job, Status: status, Error: err, Duration: time.Since(start)}
	}

	bands := make([]storage.BandRecord, len(res.Transforms))
	for i, t := range res.Transforms {
		bands[i] = storage.BandRecord{
			Band:            i + 1,
			Method:          t.Method,
			Matrix:          t.MatrixString(),
			InlierRatio:     t.InlierRatio,
			Inliers:         t.Inliers,
			Correspondences: t.Correspondences,
		}
	}
	if r.sink != nil {
		for _, p := range job.Group.Paths {
			r.sink.RecordProcessed(p, res.OutputPath)
		}
	}
	return Result{
		Job:        job,
		Status:     StatusSucceeded,
		OutputPath: res.OutputPath,
		Verified:   res.Verified,
		Methods:    res.Methods(),
		Bands:      bands,
		Duration:   res.Duration,
	}
}

func (r *router) handleDual(ctx context.Context, job Job) Result {
	if r.dual == nil {
		return Result{Job: job, Status: StatusFailed, Error: errors.New("dual registration is not configured")}
	}
	start := time.Now()
	res, err := r.dual.Process(ctx, job.Reference, job.Target, job.OutDir)
	if err != nil {
		return Result{Job: job, Status: StatusFailed, Error: err, Duration: time.Since(start)}
	}
	if r.sink != nil {
		r.sink.RecordProcessed(res.TargetPath, res.OutputPath)
	}
	t := res.Transform
	return Result{
		Job:        job,
		Status:     StatusSucceeded,
		OutputPath: res.OutputPath,
		Verified:   true,
		Methods:    []string{t.Method},
		Bands: []storage.BandRecord{{
			Band:            2,
			Method:          t.Method,
			Matrix:          t.MatrixString(),
			InlierRatio:     t.InlierRatio,
			Inliers:         t.Inliers,
			Correspondences: t.Correspondences,
		}},
		Duration: res.Duration,
	}
}

// MultibandJobs turns a scan into jobs: complete groups in order, marked
// done when manifest already holds them, then the incomplete groups.
func MultibandJobs(scan tasks.ScanResult, manifest tasks.ResumeManifest, outDir string) []Job {
	jobs := make([]Job, 0, len(scan.Groups)+len(scan.Incomplete))
	for _, g := range scan.Groups {
		jobs = append(jobs, Job{Kind: KindMultiband, Group: g, OutDir: outDir, Done: manifest.Done(g.Base)})
	}
	for _, g := range scan.Incomplete {
		jobs = append(jobs, Job{Kind: KindMultiband, Group: g, OutDir: outDir, Incomplete: true})
	}
	return jobs
}
