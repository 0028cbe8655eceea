package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"bandalign/internal/storage"
	"bandalign/internal/tasks"
)

// Kind enumerates the supported registration jobs.
type Kind string

const (
	KindMultiband Kind = "multiband"
	KindDual      Kind = "dual"
)

// Status is the outcome of one job.
type Status string

const (
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusIncomplete  Status = "incomplete"
	StatusAlreadyDone Status = "skipped"
	StatusCancelled   Status = "cancelled"
)

// Job is one band group or one image pair.
type Job struct {
	Kind      Kind
	Group     tasks.BandGroup
	Reference string
	Target    string
	OutDir    string
	// Done marks work whose output already exists.
	Done bool
	// Incomplete marks a group that is missing bands.
	Incomplete bool
}

// Name identifies the job in logs and the run store.
func (j Job) Name() string {
	if j.Kind == KindDual {
		return j.Target
	}
	return j.Group.Base
}

// Result captures the outcome of a Job.
type Result struct {
	Job        Job
	Status     Status
	OutputPath string
	Verified   bool
	Methods    []string
	Bands      []storage.BandRecord
	Duration   time.Duration
	Error      error
	// Index is the 1-based position of the job in its run.
	Index int
	Total int
}

// Processor executes a job.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// RunInfo describes a run for the run store.
type RunInfo struct {
	Kind    Kind
	Input   string
	Output  string
	Options any
}

// Pipeline runs jobs one at a time, in order. A stop request is honoured
// between jobs; the job in flight always completes.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store
	info      RunInfo

	stop     atomic.Bool
	progress atomic.Int64

	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline. store may be nil.
func New(processor Processor, logger *slog.Logger, store *storage.Store, info RunInfo) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		processor: processor,
		log:       logger,
		store:     store,
		info:      info,
		subs:      make(map[int]chan Result),
	}
}

// RequestStop asks Run to stop before the next job.
func (p *Pipeline) RequestStop() { p.stop.Store(true) }

// Stopping reports whether a stop was requested.
func (p *Pipeline) Stopping() bool { return p.stop.Load() }

// Progress is the number of jobs finished in the current run.
func (p *Pipeline) Progress() int64 { return p.progress.Load() }

// Run processes jobs sequentially and returns the batch summary. Cancelling
// ctx has the same effect as RequestStop.
func (p *Pipeline) Run(ctx context.Context, jobs []Job) *Summary {
	p.progress.Store(0)
	sum := newSummary(uuid.NewString(), len(jobs))
	stopWatch := context.AfterFunc(ctx, p.RequestStop)
	defer stopWatch()

	p.recordRunStart(sum.RunID)
	work := context.WithoutCancel(ctx)
	for i, job := range jobs {
		var res Result
		switch {
		case p.stop.Load() || ctx.Err() != nil:
			res = Result{Job: job, Status: StatusCancelled}
		case job.Done:
			res = Result{Job: job, Status: StatusAlreadyDone}
			p.log.Info("skipping, output already exists", "name", job.Name())
		case job.Incomplete:
			res = Result{Job: job, Status: StatusIncomplete, Error: tasks.ErrIncompleteGroup}
			p.log.Warn("skipping incomplete group", "name", job.Name(), "bands", len(job.Group.Paths))
		default:
			res = p.processor.Process(work, job)
		}
		res.Job, res.Index, res.Total = job, i+1, len(jobs)

		sum.add(res)
		p.recordGroup(sum.RunID, res)
		p.progress.Add(1)
		p.broadcast(res)
	}
	p.recordRunResult(sum)
	return sum
}

func (p *Pipeline) recordRunStart(id string) {
	if p.store == nil {
		return
	}
	opts, _ := json.Marshal(p.info.Options)
	err := p.store.RecordRunStart(storage.RunRecord{
		ID:          id,
		Kind:        string(p.info.Kind),
		InputPath:   p.info.Input,
		OutputPath:  p.info.Output,
		OptionsJSON: string(opts),
	})
	if err != nil {
		p.log.Warn("run not recorded", "run", id, "error", err)
	}
}

func (p *Pipeline) recordGroup(runID string, res Result) {
	if p.store == nil || res.Status == StatusCancelled {
		return
	}
	_, err := p.store.RecordGroup(storage.GroupRecord{
		RunID:      runID,
		Base:       res.Job.Name(),
		Status:     string(res.Status),
		OutputPath: res.OutputPath,
		Verified:   res.Verified,
		Duration:   res.Duration,
		Error:      errString(res.Error),
		Bands:      res.Bands,
	})
	if err != nil {
		p.log.Warn("group not recorded", "run", runID, "name", res.Job.Name(), "error", err)
	}
}

func (p *Pipeline) recordRunResult(sum *Summary) {
	if p.store == nil {
		return
	}
	status := "completed"
	switch {
	case sum.Cancelled > 0:
		status = "cancelled"
	case !sum.OK():
		status = "failed"
	}
	if err := p.store.RecordRunResult(sum.RunID, status, sum.Fields(), errString(sum.Err())); err != nil {
		p.log.Warn("run result not recorded", "run", sum.RunID, "error", err)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "name", res.Job.Name())
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Summary aggregates the results of one run.
type Summary struct {
	RunID       string
	Total       int
	AlreadyDone int
	Succeeded   int
	Failed      int
	Incomplete  int
	Cancelled   int
	// Methods lists the strategies that produced each name's transforms.
	Methods map[string][]string
	// Durations holds processing times in milliseconds.
	Durations *hdrhistogram.Histogram
	Results   []Result

	errs []error
}

func newSummary(runID string, total int) *Summary {
	return &Summary{
		RunID:     runID,
		Total:     total,
		Methods:   map[string][]string{},
		Durations: hdrhistogram.New(1, int64(time.Hour/time.Millisecond), 3),
	}
}

func (s *Summary) add(res Result) {
	s.Results = append(s.Results, res)
	switch res.Status {
	case StatusSucceeded:
		s.Succeeded++
		s.Methods[res.Job.Name()] = res.Methods
		_ = s.Durations.RecordValue(max(res.Duration.Milliseconds(), 1))
	case StatusAlreadyDone:
		s.AlreadyDone++
	case StatusIncomplete:
		s.Incomplete++
		s.errs = append(s.errs, nameErr(res))
	case StatusCancelled:
		s.Cancelled++
	default:
		s.Failed++
		s.errs = append(s.errs, nameErr(res))
	}
}

func nameErr(res Result) error {
	if res.Error == nil {
		return nil
	}
	return &JobError{Name: res.Job.Name(), Err: res.Error}
}

// OK reports whether every job succeeded or was already complete.
func (s *Summary) OK() bool { return s.Succeeded+s.AlreadyDone == s.Total }

// Err combines the errors of failed and incomplete jobs.
func (s *Summary) Err() error { return multierr.Combine(s.errs...) }

// Fields is the summary as stored in the run history.
func (s *Summary) Fields() map[string]any {
	f := map[string]any{
		"total":        s.Total,
		"already_done": s.AlreadyDone,
		"succeeded":    s.Succeeded,
		"failed":       s.Failed,
		"incomplete":   s.Incomplete,
		"cancelled":    s.Cancelled,
	}
	if s.Durations.TotalCount() > 0 {
		f["duration_ms_p50"] = s.Durations.ValueAtQuantile(50)
		f["duration_ms_p95"] = s.Durations.ValueAtQuantile(95)
		f["duration_ms_max"] = s.Durations.Max()
	}
	return f
}

// JobError ties an error to the group or pair that raised it.
type JobError struct {
	Name string
	Err  error
}

func (e *JobError) Error() string { return e.Name + ": " + e.Err.Error() }
func (e *JobError) Unwrap() error { return e.Err }
