package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/videogen/internal/client"
	"github.com/makeasinger/videogen/internal/model"
	"github.com/makeasinger/videogen/internal/service"
)

// Progress milestones reported while a video job runs.
const (
	progressSubmitting = 5
	progressWaiting    = 20
	progressPollMax    = 85
	progressMirroring  = 90
)

// Error codes broadcast to job subscribers.
const (
	CodeSubmissionFailed = "SUBMISSION_FAILED"
	CodeTaskFailed       = "TASK_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeJobFailed        = "JOB_FAILED"
)

// JobStore is the part of the video service the worker writes through.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	StartAttempt(ctx context.Context, jobID string, retryCount int) error
	UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) (int, error)
	SetTaskID(ctx context.Context, jobID, taskID string) error
	CompleteJob(ctx context.Context, jobID string, result *model.VideoJobResult) error
	FailJob(ctx context.Context, jobID string, errMsg string) error
}

// VideoRunner runs one remote generation to completion, or picks up one
// submitted by an earlier attempt.
type VideoRunner interface {
	RunTask(ctx context.Context, req client.TaskRequest, deadline time.Duration, opts ...client.PollOption) client.Outcome
	ResumeTask(ctx context.Context, handle client.TaskHandle, deadline time.Duration, opts ...client.PollOption) client.Outcome
}

// Notifier pushes job updates to subscribers.
type Notifier interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string)
	BroadcastComplete(jobID string, result *model.VideoJobResult)
	BroadcastError(jobID string, code, message string)
}

// VideoWorker processes video generation jobs
type VideoWorker struct {
	jobs     JobStore
	runner   VideoRunner
	storage  client.StorageClient
	hub      Notifier
	deadline time.Duration
	logger   *slog.Logger
}

// NewVideoWorker creates a new video worker. storage may be nil, in which
// case finished videos are never mirrored.
func NewVideoWorker(jobs JobStore, runner VideoRunner, storage client.StorageClient, hub Notifier, deadline time.Duration, logger *slog.Logger) *VideoWorker {
	return &VideoWorker{
		jobs:     jobs,
		runner:   runner,
		storage:  storage,
		hub:      hub,
		deadline: deadline,
		logger:   logger.With("component", "video_worker"),
	}
}

// ProcessTask handles video:generate tasks
func (w *VideoWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var taskPayload service.VideoTaskPayload
	if err := json.Unmarshal(t.Payload(), &taskPayload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	jobID := taskPayload.JobID
	log := w.logger.With("job_id", jobID)

	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			log.Warn("job record missing, dropping task")
			return fmt.Errorf("job %s: %w", jobID, asynq.SkipRetry)
		}
		return err
	}
	if job.Status == model.JobStatusCanceled {
		log.Info("job canceled before start")
		return nil
	}

	var payload model.VideoJobPayload
	if err := json.Unmarshal(taskPayload.Payload, &payload); err != nil {
		w.failJob(ctx, jobID, CodeJobFailed, "Invalid payload")
		return fmt.Errorf("failed to unmarshal video payload: %v: %w", err, asynq.SkipRetry)
	}

	retryCount, _ := asynq.GetRetryCount(ctx)
	if err := w.jobs.StartAttempt(ctx, jobID, retryCount); err != nil {
		if errors.Is(err, service.ErrJobCanceled) {
			return nil
		}
		return err
	}

	log.Info("starting video job", "retry", retryCount, "task_id", job.TaskID)
	return w.process(ctx, jobID, job.TaskID, &payload, log)
}

// process runs one attempt. A non-empty taskID belongs to an earlier
// attempt; that task is polled again instead of submitting a new one.
func (w *VideoWorker) process(ctx context.Context, jobID, taskID string, payload *model.VideoJobPayload, log *slog.Logger) error {
	// Cancelled when the job is canceled through the API mid-flight.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	canceled := false
	recorded := taskID

	onPoll := client.OnPoll(func(ev client.PollEvent) {
		if recorded == "" {
			recorded = ev.TaskID
			if err := w.jobs.SetTaskID(ctx, jobID, ev.TaskID); errors.Is(err, service.ErrJobCanceled) {
				canceled = true
				cancel()
				return
			}
		}
		if errors.Is(w.updateProgress(ctx, jobID, pollProgress(ev.Elapsed, w.deadline), "Waiting for video generation"), service.ErrJobCanceled) {
			canceled = true
			cancel()
		}
	})

	req := toTaskRequest(payload)
	var outcome client.Outcome
	if taskID != "" {
		w.updateProgress(ctx, jobID, progressWaiting, "Waiting for video generation")
		outcome = w.runner.ResumeTask(runCtx, client.TaskHandle{ID: taskID, Kind: req.Kind()}, w.deadline, onPoll)
	} else {
		w.updateProgress(ctx, jobID, progressSubmitting, "Submitting task")
		w.updateProgress(ctx, jobID, progressWaiting, "Waiting for video generation")
		outcome = w.runner.RunTask(runCtx, req, w.deadline, onPoll)
	}

	if canceled {
		log.Info("job canceled while generating", "task_id", outcome.TaskID)
		return nil
	}

	if !outcome.Success {
		return w.handleFailure(ctx, jobID, outcome, log)
	}

	result := &model.VideoJobResult{
		TaskID:   outcome.TaskID,
		VideoURL: outcome.VideoURL,
	}
	if outcome.Result != nil {
		for _, a := range outcome.Result.Artifacts {
			result.Videos = append(result.Videos, a.URL)
		}
	}

	key := fmt.Sprintf("videos/%s/%s.mp4", jobID, outcome.TaskID)
	if payload.Mirror && w.storage != nil {
		w.updateProgress(ctx, jobID, progressMirroring, "Mirroring video")
		mirrored, err := w.storage.Mirror(ctx, outcome.VideoURL, key)
		if err != nil {
			// The provider URL still works for a while; keep it.
			log.Warn("failed to mirror video", "task_id", outcome.TaskID, "error", err)
		} else {
			result.MirroredURL = mirrored
		}
	}

	if err := w.jobs.CompleteJob(ctx, jobID, result); err != nil {
		if errors.Is(err, service.ErrJobCanceled) {
			log.Info("job canceled after generation, result discarded", "task_id", outcome.TaskID)
			if result.MirroredURL != "" {
				if err := w.storage.Delete(ctx, key); err != nil {
					log.Warn("failed to delete mirrored video", "key", key, "error", err)
				}
			}
			return nil
		}
		w.failJob(ctx, jobID, CodeJobFailed, "Failed to save result")
		return err
	}

	w.hub.BroadcastComplete(jobID, result)
	log.Info("video job completed", "task_id", outcome.TaskID, "video_url", outcome.VideoURL)
	return nil
}

// handleFailure records a failed outcome. Retryable failures with attempts
// left only mark the job as retrying; everything else fails the job.
func (w *VideoWorker) handleFailure(ctx context.Context, jobID string, outcome client.Outcome, log *slog.Logger) error {
	err := outcome.Err
	if err == nil {
		err = errors.New(outcome.Error)
	}

	if ctx.Err() != nil {
		log.Warn("video job interrupted", "error", err)
		return err
	}

	if client.Retryable(err) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			log.Warn("video job attempt failed, will retry", "task_id", outcome.TaskID, "error", err)
			w.updateProgress(ctx, jobID, 0, "Retrying after error")
			return err
		}
	}

	w.failJob(ctx, jobID, errorCode(err), outcome.Error)
	log.Error("video job failed", "task_id", outcome.TaskID, "error", err)

	if !client.Retryable(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// updateProgress stores progress and broadcasts the stored value, which
// never goes backwards across attempts.
func (w *VideoWorker) updateProgress(ctx context.Context, jobID string, progress int, step string) error {
	stored, err := w.jobs.UpdateJobProgress(ctx, jobID, progress, step)
	if err != nil {
		w.logger.Warn("failed to update progress", "job_id", jobID, "error", err)
		return err
	}
	w.hub.BroadcastProgress(jobID, stored, model.JobStatusRunning, step)
	return nil
}

func (w *VideoWorker) failJob(ctx context.Context, jobID, code, errMsg string) {
	if err := w.jobs.FailJob(ctx, jobID, errMsg); err != nil {
		w.logger.Warn("failed to mark job as failed", "job_id", jobID, "error", err)
		if errors.Is(err, service.ErrJobCanceled) {
			return
		}
	}
	w.hub.BroadcastError(jobID, code, errMsg)
}

// pollProgress maps elapsed wait time onto the polling progress band.
func pollProgress(elapsed, deadline time.Duration) int {
	if deadline <= 0 {
		return progressWaiting
	}
	span := progressPollMax - progressWaiting
	p := progressWaiting + int(float64(span)*float64(elapsed)/float64(deadline))
	if p > progressPollMax {
		p = progressPollMax
	}
	return p
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, client.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, client.ErrRemoteTaskFailed):
		return CodeTaskFailed
	case errors.Is(err, client.ErrSubmission):
		return CodeSubmissionFailed
	default:
		return CodeJobFailed
	}
}

func toTaskRequest(p *model.VideoJobPayload) client.TaskRequest {
	return client.TaskRequest{
		ImageURL:       p.ImageURL,
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Duration:       p.Duration,
		AspectRatio:    string(p.AspectRatio),
		Mode:           string(p.Mode),
		CFGScale:       p.CFGScale,
	}
}
