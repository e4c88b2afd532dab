package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/progress"
	"github.com/tecnicocursos/render-api/internal/project"
	"github.com/tecnicocursos/render-api/internal/queue"
	"github.com/tecnicocursos/render-api/internal/store"
)

type failingQueue struct{}

func (failingQueue) Push(context.Context, model.QueueEntry) error {
	return errors.New("redis: connection refused")
}

type fixture struct {
	svc      *RenderService
	jobs     *store.MemoryStore
	queue    *queue.MemoryQueue
	projects *project.MemoryRepository
	broker   *progress.LocalBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:     store.NewMemoryStore(),
		queue:    queue.NewMemoryQueue(),
		projects: project.NewMemoryRepository(),
		broker:   progress.NewLocalBroker(16),
	}
	f.svc = NewRenderService(f.jobs, f.projects, f.queue, f.queue, f.broker, nil, nil,
		RenderConfig{MaxAttempts: 3, MaxTimelineSeconds: 60})
	require.NoError(t, f.projects.Save(context.Background(), &model.Project{
		ID:      "project-1",
		OwnerID: "alice",
		Timeline: model.Timeline{Slides: []model.Slide{
			{ID: "s1", Order: 1, ImageRef: "slides/1.png", DurationMs: 4000, NarrationText: "welcome"},
			{ID: "s2", Order: 2, ImageRef: "slides/2.png", DurationMs: 6000},
		}},
	}))
	return f
}

func validRequest() *model.RenderSubmitRequest {
	return &model.RenderSubmitRequest{
		ProjectID: "project-1",
		Settings: model.RenderSettings{
			Resolution: model.Resolution1080p,
			FPS:        30,
			Format:     model.FormatMP4,
			Quality:    model.QualityHigh,
			Audio:      model.AudioSettings{Narration: true},
		},
	}
}

func TestSubmit_QueuesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, resp.Status)
	assert.Equal(t, 5, resp.TotalSteps)
	assert.GreaterOrEqual(t, resp.EstimatedDurationSec, 10)

	job, err := f.jobs.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "alice", job.OwnerID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, model.PriorityNormal, job.Priority)
	assert.Equal(t, model.CodecH264, job.Input.Settings.Codec)
	assert.Len(t, job.Input.Timeline.Slides, 2)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestSubmit_SnapshotIsolatedFromLaterEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)

	_, err = f.svc.UpsertTimeline(ctx, "alice", "project-1", &model.TimelineUpsertRequest{
		Timeline: model.Timeline{Slides: []model.Slide{{ID: "new", ImageRef: "slides/new.png"}}},
	})
	require.NoError(t, err)

	job, err := f.jobs.Get(ctx, resp.JobID)
	require.NoError(t, err)
	require.Len(t, job.Input.Timeline.Slides, 2)
	assert.Equal(t, "s1", job.Input.Timeline.Slides[0].ID)
}

func TestSubmit_InvalidInputCreatesNoJob(t *testing.T) {
	cases := map[string]func(r *model.RenderSubmitRequest){
		"bad fps":        func(r *model.RenderSubmitRequest) { r.Settings.FPS = 29 },
		"bad format":     func(r *model.RenderSubmitRequest) { r.Settings.Format = "avi" },
		"webm with h264": func(r *model.RenderSubmitRequest) { r.Settings.Format = model.FormatWebM; r.Settings.Codec = model.CodecH264 },
		"mp4 with opus": func(r *model.RenderSubmitRequest) {
			r.Settings.Audio.Codec = model.AudioCodecOpus
		},
		"missing project id": func(r *model.RenderSubmitRequest) { r.ProjectID = "" },
		"bad priority":       func(r *model.RenderSubmitRequest) { r.Priority = "asap" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			mutate(req)

			_, err := f.svc.Submit(context.Background(), "alice", req)
			require.ErrorIs(t, err, ErrInvalidInput)
			var inputErr *InputError
			require.ErrorAs(t, err, &inputErr)
			assert.NotEmpty(t, inputErr.Details)

			jobs, err := f.jobs.ListByProject(context.Background(), "project-1", store.ListFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestSubmit_TimelineTooLong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.projects.Save(ctx, &model.Project{
		ID:      "long",
		OwnerID: "alice",
		Timeline: model.Timeline{Slides: []model.Slide{
			{ID: "s1", ImageRef: "a.png", DurationMs: 61000},
		}},
	}))
	req := validRequest()
	req.ProjectID = "long"

	_, err := f.svc.Submit(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmit_ProjectErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.ProjectID = "nope"
	_, err := f.svc.Submit(ctx, "alice", req)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = f.svc.Submit(ctx, "mallory", validRequest())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubmit_PushFailureLeavesNoQueuedRecord(t *testing.T) {
	f := newFixture(t)
	f.svc.queue = failingQueue{}
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "alice", validRequest())
	require.Error(t, err)

	jobs, err := f.jobs.ListByProject(ctx, "project-1", store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].Error)
	assert.Equal(t, model.ErrorKindPermanentFailure, jobs[0].Error.Kind)
	assert.Nil(t, jobs[0].Output)
}

func TestGetStatus_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)

	job, err := f.svc.GetStatus(ctx, "alice", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, resp.JobID, job.ID)

	_, err = f.svc.GetStatus(ctx, "mallory", resp.JobID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.GetStatus(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListJobs_MostRecentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		f.svc.now = func() time.Time { return at }
		resp, err := f.svc.Submit(ctx, "alice", validRequest())
		require.NoError(t, err)
		ids = append(ids, resp.JobID)
	}
	_, err := f.svc.Cancel(ctx, "alice", ids[0])
	require.NoError(t, err)

	jobs, err := f.svc.ListJobs(ctx, "alice", "project-1", store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[2].ID)

	queued, err := f.svc.ListJobs(ctx, "alice", "project-1", store.ListFilter{Status: model.JobStatusQueued, Limit: 1})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, ids[2], queued[0].ID)

	_, err = f.svc.ListJobs(ctx, "alice", "project-1", store.ListFilter{Status: "running"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.ListJobs(ctx, "mallory", "project-1", store.ListFilter{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)
	sub := f.broker.Subscribe(resp.JobID)
	defer f.broker.Unsubscribe(sub)

	first, err := f.svc.Cancel(ctx, "alice", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, first.Status)
	require.NotNil(t, first.CompletedAt)

	second, err := f.svc.Cancel(ctx, "alice", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, second.Status)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))

	ev := <-sub.Events()
	assert.Equal(t, model.EventTypeCancelled, ev.Type)
	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected second event %q", extra.Type)
	default:
	}

	_, err = f.svc.Cancel(ctx, "mallory", resp.JobID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Cancel(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancel_CompletedJobUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)
	_, err = f.jobs.Update(ctx, resp.JobID, func(j *model.Job) error {
		if err := j.Claim("w1", time.Now()); err != nil {
			return err
		}
		return j.Complete("w1", model.JobOutput{ArtifactRef: "renders/x/output.mp4"}, time.Now())
	})
	require.NoError(t, err)

	job, err := f.svc.Cancel(ctx, "alice", resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.Output)
}

func TestSubscribe_SnapshotThenEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)

	snapshot, sub, err := f.svc.Subscribe(ctx, "alice", resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	defer f.svc.Unsubscribe(sub)
	assert.Equal(t, model.EventTypeSnapshot, snapshot.Type)
	assert.Equal(t, model.JobStatusQueued, snapshot.Status)

	_, err = f.svc.Cancel(ctx, "alice", resp.JobID)
	require.NoError(t, err)
	ev := <-sub.Events()
	assert.True(t, ev.Terminal())
}

func TestSubscribe_LateSubscriberGetsTerminalSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "alice", resp.JobID)
	require.NoError(t, err)

	snapshot, sub, err := f.svc.Subscribe(ctx, "alice", resp.JobID)
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.True(t, snapshot.Terminal())
	assert.Equal(t, model.JobStatusCancelled, snapshot.Status)
	assert.Equal(t, 0, f.broker.ActiveJobs())

	_, _, err = f.svc.Subscribe(ctx, "mallory", resp.JobID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, "alice", validRequest())
	require.NoError(t, err)
	f.svc.SetWorkerStats(fakeWorkers{busy: 1, total: 4})

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, 1, stats.Busy)
	assert.Equal(t, 4, stats.Capacity)
}

type fakeWorkers struct{ busy, total int }

func (w fakeWorkers) Busy() int     { return w.busy }
func (w fakeWorkers) Capacity() int { return w.total }

func TestUpsertTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &model.TimelineUpsertRequest{
		Name:     "Intro",
		Timeline: model.Timeline{Slides: []model.Slide{{ID: "a", ImageRef: "a.png"}}},
	}

	p, err := f.svc.UpsertTimeline(ctx, "bob", "fresh", req)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.OwnerID)
	assert.Equal(t, 1, p.Timeline.Version)

	p, err = f.svc.UpsertTimeline(ctx, "bob", "fresh", req)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Timeline.Version)

	_, err = f.svc.UpsertTimeline(ctx, "alice", "fresh", req)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.UpsertTimeline(ctx, "bob", "empty", &model.TimelineUpsertRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEstimateDurationSec(t *testing.T) {
	tl := &model.Timeline{Slides: []model.Slide{{ID: "a", DurationMs: 60000}}}
	low := EstimateDurationSec(tl, model.RenderSettings{Quality: model.QualityLow, Resolution: model.Resolution720p})
	ultra := EstimateDurationSec(tl, model.RenderSettings{Quality: model.QualityUltra, Resolution: model.Resolution2160p})
	assert.Equal(t, 15, low)
	assert.Equal(t, 300, ultra)
}
