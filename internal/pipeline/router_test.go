package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandalign/internal/storage"
	"bandalign/internal/tasks"
)

type stubRegistrar struct {
	calls   []string
	fail    map[string]error
	onStart func(base string)
}

func (s *stubRegistrar) Process(ctx context.Context, g tasks.BandGroup, outDir string) (*tasks.RegistrationResult, error) {
	s.calls = append(s.calls, g.Base)
	if s.onStart != nil {
		s.onStart(g.Base)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("in-flight job saw cancellation: %w", err)
	}
	if err := s.fail[g.Base]; err != nil {
		return nil, err
	}
	return &tasks.RegistrationResult{
		Group:      g,
		OutputPath: filepath.Join(outDir, tasks.OutputName(g.Base)),
		Verified:   true,
		Transforms: []tasks.Transform{{Method: tasks.LabelReference}, {Method: "phase_shift(1.0,2.0)"}},
		Duration:   25 * time.Millisecond,
	}, nil
}

type stubPair struct{}

func (stubPair) Process(_ context.Context, refPath, targetPath, outDir string) (*tasks.DualResult, error) {
	return &tasks.DualResult{
		ReferencePath: refPath,
		TargetPath:    targetPath,
		OutputPath:    filepath.Join(outDir, "t_dual_registered.tif"),
		Transform:     tasks.Transform{Method: tasks.LabelCenter},
	}, nil
}

type recordingSink struct{ pairs [][2]string }

func (s *recordingSink) RecordProcessed(original, processed string) {
	s.pairs = append(s.pairs, [2]string{original, processed})
}

func groupJob(base string) Job {
	return Job{Kind: KindMultiband, OutDir: "/out", Group: tasks.BandGroup{Base: base, Paths: []string{base + "_1.tif", base + "_2.tif"}}}
}

func TestRouterMultibandRecordsBandsAndSink(t *testing.T) {
	sink := &recordingSink{}
	r := &router{log: slog.Default(), multiband: &stubRegistrar{}, sink: sink}

	res := r.Process(context.Background(), groupJob("IMG_0001"))
	require.NoError(t, res.Error)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "/out/IMG_0001_registered.tif", res.OutputPath)
	assert.Equal(t, []string{"reference", "phase_shift(1.0,2.0)"}, res.Methods)
	require.Len(t, res.Bands, 2)
	assert.Equal(t, 2, res.Bands[1].Band)
	assert.Equal(t, "[[0.000000, 0.000000, 0.000000], [0.000000, 0.000000, 0.000000]]", res.Bands[1].Matrix)
	assert.Equal(t, [][2]string{
		{"IMG_0001_1.tif", "/out/IMG_0001_registered.tif"},
		{"IMG_0001_2.tif", "/out/IMG_0001_registered.tif"},
	}, sink.pairs)
}

func TestRouterClassifiesIncomplete(t *testing.T) {
	reg := &stubRegistrar{fail: map[string]error{
		"IMG_0002": fmt.Errorf("%w: IMG_0002 has 3 bands, want 5", tasks.ErrIncompleteGroup),
		"IMG_0003": errors.New("boom"),
	}}
	r := &router{log: slog.Default(), multiband: reg}

	assert.Equal(t, StatusIncomplete, r.Process(context.Background(), groupJob("IMG_0002")).Status)
	assert.Equal(t, StatusFailed, r.Process(context.Background(), groupJob("IMG_0003")).Status)
}

func TestRouterDualAndUnknownKind(t *testing.T) {
	sink := &recordingSink{}
	r := &router{log: slog.Default(), dual: stubPair{}, sink: sink}

	res := r.Process(context.Background(), Job{Kind: KindDual, Reference: "r.tif", Target: "t.tif", OutDir: "/out"})
	require.NoError(t, res.Error)
	assert.Equal(t, []string{tasks.LabelCenter}, res.Methods)
	assert.Equal(t, [][2]string{{"t.tif", "/out/t_dual_registered.tif"}}, sink.pairs)

	res = r.Process(context.Background(), groupJob("IMG_0001"))
	assert.Equal(t, StatusFailed, res.Status)
	res = r.Process(context.Background(), Job{Kind: "panorama"})
	assert.Error(t, res.Error)
}

func TestRunCountsEveryOutcome(t *testing.T) {
	reg := &stubRegistrar{fail: map[string]error{"IMG_0003": errors.New("no transform")}}
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := New(&router{log: slog.Default(), multiband: reg}, nil, store, RunInfo{Kind: KindMultiband, Input: "/in", Output: "/out"})
	results, unsub := p.Subscribe()
	defer unsub()

	done := groupJob("IMG_0001")
	done.Done = true
	partial := groupJob("IMG_0004")
	partial.Incomplete = true
	sum := p.Run(context.Background(), []Job{done, groupJob("IMG_0002"), groupJob("IMG_0003"), partial})

	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 1, sum.AlreadyDone)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Incomplete)
	assert.False(t, sum.OK())
	assert.Equal(t, []string{"IMG_0002", "IMG_0003"}, reg.calls)
	assert.Equal(t, int64(4), p.Progress())
	assert.Equal(t, int64(25), sum.Durations.Max())

	err = sum.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tasks.ErrIncompleteGroup))
	var jobErr *JobError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, "IMG_0003", jobErr.Name)

	for i := 1; i <= 4; i++ {
		res := <-results
		assert.Equal(t, i, res.Index)
		assert.Equal(t, 4, res.Total)
	}

	groups, err := store.GroupsForRun(sum.RunID)
	require.NoError(t, err)
	require.Len(t, groups, 4)
	assert.Equal(t, "skipped", groups[0].Status)
	assert.Equal(t, "succeeded", groups[1].Status)
	assert.Len(t, groups[1].Bands, 2)
	assert.Equal(t, "failed", groups[2].Status)
	assert.Equal(t, "no transform", groups[2].Error)

	runs, err := store.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
}

func TestRunStopsBetweenJobs(t *testing.T) {
	var p *Pipeline
	reg := &stubRegistrar{onStart: func(base string) {
		if base == "IMG_0002" {
			p.RequestStop()
		}
	}}
	p = New(&router{log: slog.Default(), multiband: reg}, nil, nil, RunInfo{})

	sum := p.Run(context.Background(), []Job{groupJob("IMG_0001"), groupJob("IMG_0002"), groupJob("IMG_0003"), groupJob("IMG_0004")})
	assert.Equal(t, []string{"IMG_0001", "IMG_0002"}, reg.calls)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 2, sum.Cancelled)
	assert.True(t, p.Stopping())
	assert.False(t, sum.OK())
	assert.NoError(t, sum.Err())
}

func TestRunContextCancellationLetsJobFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := &stubRegistrar{onStart: func(string) { cancel() }}
	p := New(&router{log: slog.Default(), multiband: reg}, nil, nil, RunInfo{})

	sum := p.Run(ctx, []Job{groupJob("IMG_0001"), groupJob("IMG_0002")})
	// The in-flight job ignores the cancellation; the next one never starts.
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Equal(t, []string{"IMG_0001"}, reg.calls)
}

func TestMultibandJobs(t *testing.T) {
	scan := tasks.ScanResult{
		Groups:     []tasks.BandGroup{{Base: "IMG_0001"}, {Base: "IMG_0002"}},
		Incomplete: []tasks.BandGroup{{Base: "IMG_0003"}},
	}
	jobs := MultibandJobs(scan, tasks.ResumeManifest{"IMG_0002": {}}, "/out")
	require.Len(t, jobs, 3)
	assert.False(t, jobs[0].Done)
	assert.True(t, jobs[1].Done)
	assert.True(t, jobs[2].Incomplete)
	assert.Equal(t, "IMG_0003", jobs[2].Name())
	assert.Equal(t, "/out", jobs[0].OutDir)
}
