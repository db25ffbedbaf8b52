package model

import "time"

// VideoGenerateRequest represents the request to start a video job
type VideoGenerateRequest struct {
	ImageURL       string         `json:"imageUrl" validate:"required_without=Prompt,omitempty,url"`
	Prompt         string         `json:"prompt" validate:"required_without=ImageURL,max=2500"`
	NegativePrompt string         `json:"negativePrompt" validate:"max=2500"`
	Duration       int            `json:"duration" validate:"omitempty,oneof=5 10"`
	AspectRatio    AspectRatio    `json:"aspectRatio" validate:"omitempty,oneof=16:9 9:16 1:1"`
	Mode           GenerationMode `json:"mode" validate:"omitempty,oneof=std pro"`
	CFGScale       *float64       `json:"cfgScale" validate:"omitempty,min=0,max=1"`
	Mirror         bool           `json:"mirror"`
}

// VideoGenerateResponse represents the response after queueing a video job
type VideoGenerateResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// VideoStatusResponse represents the status of a video job
type VideoStatusResponse struct {
	JobID       string     `json:"jobId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	TaskID      string     `json:"taskId,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// VideoResultResponse represents the result of a completed video job
type VideoResultResponse struct {
	JobID       string    `json:"jobId"`
	TaskID      string    `json:"taskId"`
	VideoURL    string    `json:"videoUrl"`
	MirroredURL string    `json:"mirroredUrl,omitempty"`
	Videos      []string  `json:"videos,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// VideoCancelResponse represents the response after cancelling a video job
type VideoCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
