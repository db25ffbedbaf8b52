package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/videogen/internal/config"
	"github.com/makeasinger/videogen/internal/model"
)

const (
	TaskTypeVideo = "video:generate"
	QueueVideo    = "video"

	jobTTL = 24 * time.Hour

	maxTxRetries = 50
)

var (
	ErrJobNotFound          = errors.New("job not found")
	ErrJobNotCompleted      = errors.New("job not completed")
	ErrJobFinished          = errors.New("job already finished")
	ErrJobCanceled          = errors.New("job canceled")
	ErrJobFailed            = errors.New("job failed")
	ErrGeneratorUnavailable = errors.New("video generation is not configured")
)

// VideoJobs is the job API used by the HTTP handlers.
type VideoJobs interface {
	StartVideo(ctx context.Context, userID string, req *model.VideoGenerateRequest) (*model.VideoGenerateResponse, error)
	GetStatus(ctx context.Context, userID, jobID string) (*model.VideoStatusResponse, error)
	GetResult(ctx context.Context, userID, jobID string) (*model.VideoResultResponse, error)
	CancelVideo(ctx context.Context, userID, jobID string) (*model.VideoCancelResponse, error)
}

// VideoTaskPayload is the asynq payload of a video:generate task.
type VideoTaskPayload struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// VideoSettings controls how jobs are admitted and enqueued.
type VideoSettings struct {
	// Enabled is false when no generator is configured; StartVideo then
	// fails with ErrGeneratorUnavailable.
	Enabled  bool
	MaxRetry int
	Timeout  time.Duration
}

// TaskTimeout bounds one worker attempt: every submission attempt with its
// backoff, the polling budget and a margin for mirroring.
func TaskTimeout(k config.KlingConfig) time.Duration {
	budget := k.MaxWait + 5*time.Minute
	for attempt := 0; attempt < k.MaxRetries; attempt++ {
		budget += k.RequestTimeout + time.Duration(1<<attempt+1)*time.Second
	}
	return budget
}

// VideoService handles video job management
type VideoService struct {
	redis       *redis.Client
	asynqClient *asynq.Client
	settings    VideoSettings
}

func NewVideoService(redisClient *redis.Client, asynqClient *asynq.Client, settings VideoSettings) *VideoService {
	return &VideoService{
		redis:       redisClient,
		asynqClient: asynqClient,
		settings:    settings,
	}
}

// StartVideo queues a new video generation job
func (s *VideoService) StartVideo(ctx context.Context, userID string, req *model.VideoGenerateRequest) (*model.VideoGenerateResponse, error) {
	if !s.settings.Enabled {
		return nil, ErrGeneratorUnavailable
	}

	jobID := uuid.New().String()
	now := time.Now()

	job := &model.Job{
		ID:        jobID,
		Type:      model.JobTypeVideo,
		UserID:    userID,
		Status:    model.JobStatusQueued,
		Progress:  0,
		CreatedAt: now,
	}

	payload := &model.VideoJobPayload{
		ImageURL:       req.ImageURL,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Duration:       req.Duration,
		AspectRatio:    req.AspectRatio,
		Mode:           req.Mode,
		Mirror:         req.Mirror,
	}
	if req.CFGScale != nil {
		payload.CFGScale = *req.CFGScale
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	job.Payload = payloadBytes

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := newVideoTask(jobID, payloadBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(QueueVideo),
		asynq.MaxRetry(s.settings.MaxRetry),
		asynq.Retention(jobTTL),
	}
	if s.settings.Timeout > 0 {
		opts = append(opts, asynq.Timeout(s.settings.Timeout))
	}
	if _, err := s.asynqClient.EnqueueContext(ctx, task, opts...); err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.VideoGenerateResponse{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

// GetStatus returns the current status of a video job
func (s *VideoService) GetStatus(ctx context.Context, userID, jobID string) (*model.VideoStatusResponse, error) {
	job, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	return &model.VideoStatusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		TaskID:      job.TaskID,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		RetryCount:  job.RetryCount,
	}, nil
}

// GetResult returns the result of a completed video job
func (s *VideoService) GetResult(ctx context.Context, userID, jobID string) (*model.VideoResultResponse, error) {
	job, err := s.getOwnedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.JobStatusSucceeded:
	case model.JobStatusFailed:
		reason := "unknown error"
		if job.Error != nil {
			reason = *job.Error
		}
		return nil, fmt.Errorf("%w: %s", ErrJobFailed, reason)
	case model.JobStatusCanceled:
		return nil, ErrJobCanceled
	default:
		return nil, ErrJobNotCompleted
	}

	result := &model.VideoResultResponse{
		JobID:       job.ID,
		TaskID:      job.TaskID,
		VideoURL:    job.VideoURL,
		MirroredURL: job.MirroredURL,
		Videos:      job.Videos,
	}
	if job.CompletedAt != nil {
		result.CompletedAt = *job.CompletedAt
	}
	return result, nil
}

// CancelVideo cancels a queued or running video job. The remote task keeps
// running; the worker discards its result.
func (s *VideoService) CancelVideo(ctx context.Context, userID, jobID string) (*model.VideoCancelResponse, error) {
	_, err := s.transact(ctx, jobID, func(job *model.Job) error {
		if !ownedBy(job, userID) {
			return ErrJobNotFound
		}
		if job.Status.IsFinal() {
			return ErrJobFinished
		}
		job.Status = model.JobStatusCanceled
		now := time.Now()
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &model.VideoCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCanceled,
	}, nil
}

// GetJob returns the raw job record (called by worker)
func (s *VideoService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.getJob(ctx, jobID)
}

// StartAttempt marks the job running for a worker attempt (called by worker)
func (s *VideoService) StartAttempt(ctx context.Context, jobID string, retryCount int) error {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Status = model.JobStatusRunning
		job.RetryCount = retryCount
		job.Error = nil
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
	})
}

// UpdateJobProgress updates job progress (called by worker). Progress never
// goes backwards; the stored value is returned.
func (s *VideoService) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) (int, error) {
	job, err := s.transact(ctx, jobID, func(job *model.Job) error {
		if job.Status == model.JobStatusCanceled {
			return ErrJobCanceled
		}
		if progress > job.Progress {
			job.Progress = progress
		}
		job.CurrentStep = step
		return nil
	})
	if err != nil {
		return 0, err
	}
	return job.Progress, nil
}

// SetTaskID records the remote task backing the job (called by worker)
func (s *VideoService) SetTaskID(ctx context.Context, jobID, taskID string) error {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.TaskID = taskID
	})
}

// CompleteJob marks job as succeeded (called by worker)
func (s *VideoService) CompleteJob(ctx context.Context, jobID string, result *model.VideoJobResult) error {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Status = model.JobStatusSucceeded
		job.Progress = 100
		job.CurrentStep = ""
		job.TaskID = result.TaskID
		job.VideoURL = result.VideoURL
		job.MirroredURL = result.MirroredURL
		job.Videos = result.Videos
		now := time.Now()
		job.CompletedAt = &now
	})
}

// FailJob marks job as failed (called by worker)
func (s *VideoService) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Status = model.JobStatusFailed
		job.Error = &errMsg
		now := time.Now()
		job.CompletedAt = &now
	})
}

// Helper methods

// update applies fn to the stored job. Canceled jobs are never modified;
// ErrJobCanceled tells the worker to drop its result.
func (s *VideoService) update(ctx context.Context, jobID string, fn func(*model.Job)) error {
	_, err := s.transact(ctx, jobID, func(job *model.Job) error {
		if job.Status == model.JobStatusCanceled {
			return ErrJobCanceled
		}
		fn(job)
		return nil
	})
	return err
}

// transact runs a WATCH/MULTI read-modify-write of the job record, retrying
// when another writer touched it in between. fn aborts the write by
// returning an error.
func (s *VideoService) transact(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	key := jobKey(jobID)
	var job *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrJobNotFound
			}
			return err
		}

		job = &model.Job{}
		if err := json.Unmarshal(data, job); err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}

		updated, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, jobTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, fmt.Errorf("job %s: too much contention", jobID)
}

func (s *VideoService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func (s *VideoService) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

// getOwnedJob hides jobs of other callers behind ErrJobNotFound.
func (s *VideoService) getOwnedJob(ctx context.Context, userID, jobID string) (*model.Job, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ownedBy(job, userID) {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func ownedBy(job *model.Job, userID string) bool {
	return job.UserID == "" || userID == "" || job.UserID == userID
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func newVideoTask(jobID string, payload []byte) (*asynq.Task, error) {
	data, err := json.Marshal(VideoTaskPayload{
		JobID:   jobID,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeVideo, data), nil
}
