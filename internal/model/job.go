package model

import "time"

// Job represents a background job in the system
type Job struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	UserID      string     `json:"userId,omitempty"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Error       *string    `json:"error,omitempty"`
	TaskID      string     `json:"taskId,omitempty"`
	VideoURL    string     `json:"videoUrl,omitempty"`
	MirroredURL string     `json:"mirroredUrl,omitempty"`
	Videos      []string   `json:"videos,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// Job types
const (
	JobTypeVideo = "video"
)

// VideoJobPayload contains the data for a video job
type VideoJobPayload struct {
	ImageURL       string         `json:"imageUrl,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	NegativePrompt string         `json:"negativePrompt,omitempty"`
	Duration       int            `json:"duration,omitempty"`
	AspectRatio    AspectRatio    `json:"aspectRatio,omitempty"`
	Mode           GenerationMode `json:"mode,omitempty"`
	CFGScale       float64        `json:"cfgScale,omitempty"`
	Mirror         bool           `json:"mirror,omitempty"`
}

// VideoJobResult is what the worker records once a video job succeeds.
type VideoJobResult struct {
	TaskID      string   `json:"taskId"`
	VideoURL    string   `json:"videoUrl"`
	MirroredURL string   `json:"mirroredUrl,omitempty"`
	Videos      []string `json:"videos,omitempty"`
}
