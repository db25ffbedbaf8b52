package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/videogen/internal/client"
	"github.com/makeasinger/videogen/internal/logger"
	"github.com/makeasinger/videogen/internal/model"
	"github.com/makeasinger/videogen/internal/service"
)

type memoryJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newMemoryJobs(jobs ...*model.Job) *memoryJobs {
	m := &memoryJobs{jobs: make(map[string]*model.Job)}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memoryJobs) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, service.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memoryJobs) update(jobID string, fn func(*model.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return service.ErrJobNotFound
	}
	if job.Status == model.JobStatusCanceled {
		return service.ErrJobCanceled
	}
	fn(job)
	return nil
}

func (m *memoryJobs) StartAttempt(_ context.Context, jobID string, retryCount int) error {
	return m.update(jobID, func(j *model.Job) {
		j.Status = model.JobStatusRunning
		j.RetryCount = retryCount
	})
}

func (m *memoryJobs) UpdateJobProgress(_ context.Context, jobID string, progress int, step string) (int, error) {
	stored := 0
	err := m.update(jobID, func(j *model.Job) {
		if progress > j.Progress {
			j.Progress = progress
		}
		j.CurrentStep = step
		stored = j.Progress
	})
	return stored, err
}

func (m *memoryJobs) SetTaskID(_ context.Context, jobID, taskID string) error {
	return m.update(jobID, func(j *model.Job) { j.TaskID = taskID })
}

func (m *memoryJobs) CompleteJob(_ context.Context, jobID string, result *model.VideoJobResult) error {
	return m.update(jobID, func(j *model.Job) {
		j.Status = model.JobStatusSucceeded
		j.Progress = 100
		j.TaskID = result.TaskID
		j.VideoURL = result.VideoURL
		j.MirroredURL = result.MirroredURL
		j.Videos = result.Videos
	})
}

func (m *memoryJobs) FailJob(_ context.Context, jobID string, errMsg string) error {
	return m.update(jobID, func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.Error = &errMsg
	})
}

func (m *memoryJobs) cancel(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Status = model.JobStatusCanceled
}

func (m *memoryJobs) get(jobID string) model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[jobID]
}

// scriptedRunner replays polls through the observer and returns outcome.
type scriptedRunner struct {
	polls   []client.PollEvent
	outcome client.Outcome
	beforeP func(i int)

	calls    int
	resumed  []client.TaskHandle
	lastReq  client.TaskRequest
	deadline time.Duration
	ctxErr   error
}

func (r *scriptedRunner) RunTask(ctx context.Context, req client.TaskRequest, deadline time.Duration, opts ...client.PollOption) client.Outcome {
	r.calls++
	r.lastReq = req
	r.deadline = deadline
	return r.replay(ctx, opts)
}

func (r *scriptedRunner) ResumeTask(ctx context.Context, handle client.TaskHandle, deadline time.Duration, opts ...client.PollOption) client.Outcome {
	r.resumed = append(r.resumed, handle)
	r.deadline = deadline
	return r.replay(ctx, opts)
}

func (r *scriptedRunner) replay(ctx context.Context, opts []client.PollOption) client.Outcome {
	settings := client.NewPollSettings(opts...)
	for i, ev := range r.polls {
		if r.beforeP != nil {
			r.beforeP(i)
		}
		if settings.Observer != nil {
			settings.Observer(ev)
		}
		if ctx.Err() != nil {
			r.ctxErr = ctx.Err()
			return client.Outcome{TaskID: ev.TaskID, Error: ctx.Err().Error(), Err: ctx.Err()}
		}
	}
	return r.outcome
}

type recordedEvent struct {
	kind     string
	progress int
	code     string
	message  string
}

type fakeHub struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (h *fakeHub) BroadcastProgress(_ string, progress int, _ model.JobStatus, step string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{kind: "progress", progress: progress, message: step})
}

func (h *fakeHub) BroadcastComplete(_ string, _ *model.VideoJobResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{kind: "complete"})
}

func (h *fakeHub) BroadcastError(_ string, code, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, recordedEvent{kind: "error", code: code, message: message})
}

func (h *fakeHub) last() recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

func (h *fakeHub) progress() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int
	for _, ev := range h.events {
		if ev.kind == "progress" {
			out = append(out, ev.progress)
		}
	}
	return out
}

type fakeStorage struct {
	err      error
	onMirror func()
	keys     []string
	sources  []string
	deleted  []string
}

func (s *fakeStorage) Mirror(_ context.Context, sourceURL, key string) (string, error) {
	s.sources = append(s.sources, sourceURL)
	s.keys = append(s.keys, key)
	if s.onMirror != nil {
		s.onMirror()
	}
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.example.com/" + key, nil
}

func (s *fakeStorage) Delete(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

func queuedJob(id string) *model.Job {
	return &model.Job{ID: id, Type: model.JobTypeVideo, Status: model.JobStatusQueued, CreatedAt: time.Now()}
}

func videoTask(t *testing.T, jobID string, payload model.VideoJobPayload) *asynq.Task {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(service.VideoTaskPayload{JobID: jobID, Payload: p})
	require.NoError(t, err)
	return asynq.NewTask(service.TaskTypeVideo, data)
}

func successOutcome(taskID, url string) client.Outcome {
	return client.Outcome{
		Success:  true,
		TaskID:   taskID,
		VideoURL: url,
		Result: &client.TaskResult{
			TaskID:    taskID,
			Status:    client.StatusSucceeded,
			VideoURL:  url,
			Artifacts: []client.Artifact{{ID: "v0", URL: url}},
		},
	}
}

func polls(taskID string, elapsed ...time.Duration) []client.PollEvent {
	events := make([]client.PollEvent, 0, len(elapsed))
	for i, e := range elapsed {
		events = append(events, client.PollEvent{TaskID: taskID, Poll: i + 1, Status: client.StatusRunning, Elapsed: e})
	}
	return events
}

func newTestWorker(jobs JobStore, runner VideoRunner, storage client.StorageClient, hub Notifier) *VideoWorker {
	return NewVideoWorker(jobs, runner, storage, hub, 300*time.Second, logger.Discard())
}

func TestProcessTask_Success(t *testing.T) {
	jobs := newMemoryJobs(queuedJob("job-1"))
	runner := &scriptedRunner{
		polls:   polls("task-1", 0, 150*time.Second),
		outcome: successOutcome("task-1", "https://cdn.kling.example/v.mp4"),
	}
	hub := &fakeHub{}
	w := newTestWorker(jobs, runner, nil, hub)

	err := w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{
		ImageURL: "https://example.com/cat.png",
		Prompt:   "a cat",
		Duration: 10,
	}))
	require.NoError(t, err)

	job := jobs.get("job-1")
	assert.Equal(t, model.JobStatusSucceeded, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "task-1", job.TaskID)
	assert.Equal(t, "https://cdn.kling.example/v.mp4", job.VideoURL)
	assert.Equal(t, []string{"https://cdn.kling.example/v.mp4"}, job.Videos)
	assert.Empty(t, job.MirroredURL)

	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, 300*time.Second, runner.deadline)
	assert.Equal(t, "https://example.com/cat.png", runner.lastReq.ImageURL)
	assert.Equal(t, 10, runner.lastReq.Duration)

	assert.Equal(t, "complete", hub.last().kind)
	assert.Equal(t, []int{progressSubmitting, progressWaiting, 20, 52}, hub.progress())
	assert.Empty(t, runner.resumed)
}

func TestProcessTask_BroadcastProgressNeverRegresses(t *testing.T) {
	// An earlier attempt got to 60% before its submission was lost.
	job := queuedJob("job-1")
	job.Progress = 60
	jobs := newMemoryJobs(job)
	runner := &scriptedRunner{
		polls:   polls("task-1", 0, 30*time.Second),
		outcome: successOutcome("task-1", "https://remote/v.mp4"),
	}
	hub := &fakeHub{}
	w := newTestWorker(jobs, runner, nil, hub)

	require.NoError(t, w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p"})))

	assert.Equal(t, []int{60, 60, 60, 60}, hub.progress())
}

func TestProcessTask_ResumesTaskFromEarlierAttempt(t *testing.T) {
	job := queuedJob("job-1")
	job.TaskID = "task-0"
	job.Progress = 40
	jobs := newMemoryJobs(job)
	runner := &scriptedRunner{
		polls:   polls("task-0", 0, 150*time.Second),
		outcome: successOutcome("task-0", "https://remote/v.mp4"),
	}
	hub := &fakeHub{}
	w := newTestWorker(jobs, runner, nil, hub)

	require.NoError(t, w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p"})))

	assert.Equal(t, 0, runner.calls, "no second remote task is submitted")
	require.Len(t, runner.resumed, 1)
	assert.Equal(t, client.TaskHandle{ID: "task-0", Kind: client.KindTextToVideo}, runner.resumed[0])

	got := jobs.get("job-1")
	assert.Equal(t, model.JobStatusSucceeded, got.Status)
	assert.Equal(t, "task-0", got.TaskID)
	assert.Equal(t, []int{40, 40, 52}, hub.progress())
}

func TestProcessTask_Mirror(t *testing.T) {
	t.Run("mirrored when requested", func(t *testing.T) {
		jobs := newMemoryJobs(queuedJob("job-1"))
		runner := &scriptedRunner{outcome: successOutcome("task-1", "https://remote/v.mp4")}
		storage := &fakeStorage{}
		w := newTestWorker(jobs, runner, storage, &fakeHub{})

		err := w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p", Mirror: true}))
		require.NoError(t, err)

		assert.Equal(t, []string{"https://remote/v.mp4"}, storage.sources)
		assert.Equal(t, []string{"videos/job-1/task-1.mp4"}, storage.keys)
		job := jobs.get("job-1")
		assert.Equal(t, "https://cdn.example.com/videos/job-1/task-1.mp4", job.MirroredURL)
		assert.Equal(t, "https://remote/v.mp4", job.VideoURL)
	})

	t.Run("mirror failure keeps remote url", func(t *testing.T) {
		jobs := newMemoryJobs(queuedJob("job-1"))
		runner := &scriptedRunner{outcome: successOutcome("task-1", "https://remote/v.mp4")}
		storage := &fakeStorage{err: errors.New("bucket unavailable")}
		w := newTestWorker(jobs, runner, storage, &fakeHub{})

		err := w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p", Mirror: true}))
		require.NoError(t, err)

		job := jobs.get("job-1")
		assert.Equal(t, model.JobStatusSucceeded, job.Status)
		assert.Empty(t, job.MirroredURL)
	})

	t.Run("canceled while mirroring removes the copy", func(t *testing.T) {
		jobs := newMemoryJobs(queuedJob("job-1"))
		runner := &scriptedRunner{outcome: successOutcome("task-1", "https://remote/v.mp4")}
		storage := &fakeStorage{onMirror: func() { jobs.cancel("job-1") }}
		w := newTestWorker(jobs, runner, storage, &fakeHub{})

		require.NoError(t, w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p", Mirror: true})))

		assert.Equal(t, []string{"videos/job-1/task-1.mp4"}, storage.deleted)
		job := jobs.get("job-1")
		assert.Equal(t, model.JobStatusCanceled, job.Status)
		assert.Empty(t, job.MirroredURL)
	})

	t.Run("not requested", func(t *testing.T) {
		jobs := newMemoryJobs(queuedJob("job-1"))
		runner := &scriptedRunner{outcome: successOutcome("task-1", "https://remote/v.mp4")}
		storage := &fakeStorage{}
		w := newTestWorker(jobs, runner, storage, &fakeHub{})

		require.NoError(t, w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p"})))
		assert.Empty(t, storage.keys)
	})
}

func TestProcessTask_RemoteFailureSkipsRetry(t *testing.T) {
	jobs := newMemoryJobs(queuedJob("job-1"))
	failure := &client.TaskFailure{TaskID: "task-1", Reason: "content policy"}
	runner := &scriptedRunner{outcome: client.Outcome{TaskID: "task-1", Error: "content policy", Err: failure}}
	hub := &fakeHub{}
	w := newTestWorker(jobs, runner, nil, hub)

	err := w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, client.ErrRemoteTaskFailed)

	job := jobs.get("job-1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "content policy", *job.Error)

	last := hub.last()
	assert.Equal(t, "error", last.kind)
	assert.Equal(t, CodeTaskFailed, last.code)
}

func TestProcessTask_TimeoutOnLastAttempt(t *testing.T) {
	jobs := newMemoryJobs(queuedJob("job-1"))
	timeout := &client.TimeoutError{TaskID: "task-1", Deadline: 300 * time.Second, Polls: 30}
	runner := &scriptedRunner{outcome: client.Outcome{TaskID: "task-1", Error: timeout.Error(), Err: timeout}}
	hub := &fakeHub{}
	w := newTestWorker(jobs, runner, nil, hub)

	// Outside an asynq server there is no retry budget, so this is final.
	err := w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrTimeout)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	assert.Equal(t, model.JobStatusFailed, jobs.get("job-1").Status)
	assert.Equal(t, CodeTimeout, hub.last().code)
}

func TestProcessTask_CanceledBeforeStart(t *testing.T) {
	job := queuedJob("job-1")
	job.Status = model.JobStatusCanceled
	jobs := newMemoryJobs(job)
	runner := &scriptedRunner{}
	w := newTestWorker(jobs, runner, nil, &fakeHub{})

	require.NoError(t, w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p"})))
	assert.Equal(t, 0, runner.calls)
	assert.Equal(t, model.JobStatusCanceled, jobs.get("job-1").Status)
}

func TestProcessTask_CanceledWhilePolling(t *testing.T) {
	jobs := newMemoryJobs(queuedJob("job-1"))
	runner := &scriptedRunner{
		polls:   polls("task-1", 0, 10*time.Second, 20*time.Second),
		outcome: successOutcome("task-1", "https://remote/v.mp4"),
	}
	runner.beforeP = func(i int) {
		if i == 1 {
			jobs.cancel("job-1")
		}
	}
	w := newTestWorker(jobs, runner, nil, &fakeHub{})

	require.NoError(t, w.ProcessTask(context.Background(), videoTask(t, "job-1", model.VideoJobPayload{Prompt: "p"})))
	assert.ErrorIs(t, runner.ctxErr, context.Canceled)

	job := jobs.get("job-1")
	assert.Equal(t, model.JobStatusCanceled, job.Status)
	assert.Equal(t, "task-1", job.TaskID)
	assert.Empty(t, job.VideoURL)
}

func TestProcessTask_MissingJob(t *testing.T) {
	w := newTestWorker(newMemoryJobs(), &scriptedRunner{}, nil, &fakeHub{})

	err := w.ProcessTask(context.Background(), videoTask(t, "ghost", model.VideoJobPayload{Prompt: "p"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProcessTask_BadPayload(t *testing.T) {
	w := newTestWorker(newMemoryJobs(), &scriptedRunner{}, nil, &fakeHub{})

	err := w.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeVideo, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPollProgress(t *testing.T) {
	tests := []struct {
		elapsed  time.Duration
		deadline time.Duration
		want     int
	}{
		{0, 300 * time.Second, progressWaiting},
		{150 * time.Second, 300 * time.Second, 52},
		{300 * time.Second, 300 * time.Second, progressPollMax},
		{900 * time.Second, 300 * time.Second, progressPollMax},
		{10 * time.Second, 0, progressWaiting},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pollProgress(tt.elapsed, tt.deadline), "elapsed=%s deadline=%s", tt.elapsed, tt.deadline)
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeTimeout, errorCode(&client.TimeoutError{}))
	assert.Equal(t, CodeTaskFailed, errorCode(&client.TaskFailure{Reason: "x"}))
	assert.Equal(t, CodeSubmissionFailed, errorCode(&client.SubmissionError{Attempts: 3, Err: io.EOF}))
	assert.Equal(t, CodeJobFailed, errorCode(errors.New("boom")))
}
