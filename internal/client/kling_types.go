package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TaskKind selects the remote generation endpoint.
type TaskKind string

const (
	KindImageToVideo TaskKind = "image2video"
	KindTextToVideo  TaskKind = "text2video"
)

// TaskStatus is the client's view of a remote task's lifecycle.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
)

// IsTerminal returns true if no further transitions can follow s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ParseRemoteStatus maps the remote task_status vocabulary onto TaskStatus.
// Unknown values report ok=false and are treated as still running.
func ParseRemoteStatus(remote string) (status TaskStatus, ok bool) {
	switch strings.ToLower(remote) {
	case "submitted", "queued", "pending":
		return StatusQueued, true
	case "processing", "running":
		return StatusRunning, true
	case "succeed", "succeeded", "success":
		return StatusSucceeded, true
	case "failed", "fail", "error":
		return StatusFailed, true
	default:
		return StatusRunning, false
	}
}

// Default generation parameters applied when a TaskRequest leaves them unset.
const (
	DefaultDuration    = 5
	DefaultAspectRatio = "16:9"
	DefaultCFGScale    = 0.5
)

// TaskRequest describes one video generation. An empty ImageURL selects
// text-to-video.
type TaskRequest struct {
	ImageURL       string
	Prompt         string
	NegativePrompt string
	Duration       int // seconds, 5 or 10
	AspectRatio    string
	Mode           string
	CFGScale       float64
	CallbackURL    string
}

// Kind reports which endpoint the request targets.
func (r TaskRequest) Kind() TaskKind {
	if r.ImageURL != "" {
		return KindImageToVideo
	}
	return KindTextToVideo
}

// Validate checks the request against what the remote API accepts.
func (r TaskRequest) Validate() error {
	if r.ImageURL == "" && strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: a source image or a prompt is required", ErrInvalidRequest)
	}
	if len([]rune(r.Prompt)) > 2500 {
		return fmt.Errorf("%w: prompt exceeds 2500 characters", ErrInvalidRequest)
	}
	if r.Duration != 0 && r.Duration != 5 && r.Duration != 10 {
		return fmt.Errorf("%w: duration must be 5 or 10 seconds, got %d", ErrInvalidRequest, r.Duration)
	}
	switch r.AspectRatio {
	case "", "16:9", "9:16", "1:1":
	default:
		return fmt.Errorf("%w: unsupported aspect ratio %q", ErrInvalidRequest, r.AspectRatio)
	}
	switch r.Mode {
	case "", "std", "pro":
	default:
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidRequest, r.Mode)
	}
	if r.CFGScale < 0 || r.CFGScale > 1 {
		return fmt.Errorf("%w: cfg scale must be within [0, 1]", ErrInvalidRequest)
	}
	return nil
}

// TaskHandle identifies a submitted remote task.
type TaskHandle struct {
	ID   string
	Kind TaskKind
}

// Artifact is one generated output.
type Artifact struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	Duration string `json:"duration,omitempty"`
}

// TaskResult is the resolved outcome of a terminal task.
type TaskResult struct {
	TaskID        string
	Status        TaskStatus
	Artifacts     []Artifact
	VideoURL      string
	FailureReason string
}

// createTaskBody is the JSON body for task creation.
type createTaskBody struct {
	ModelName      string  `json:"model_name"`
	Image          string  `json:"image,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	CFGScale       float64 `json:"cfg_scale"`
	Mode           string  `json:"mode,omitempty"`
	AspectRatio    string  `json:"aspect_ratio,omitempty"`
	Duration       string  `json:"duration"`
	CallbackURL    string  `json:"callback_url,omitempty"`
}

// envelope wraps every remote response.
type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// TaskData is the data payload of a task creation or status response.
type TaskData struct {
	TaskID        string          `json:"task_id"`
	TaskStatus    string          `json:"task_status"`
	TaskStatusMsg string          `json:"task_status_msg,omitempty"`
	CreatedAt     int64           `json:"created_at,omitempty"`
	UpdatedAt     int64           `json:"updated_at,omitempty"`
	TaskResult    *TaskResultData `json:"task_result,omitempty"`
	// Works is the older response shape that listed outputs at the top level.
	Works []Artifact `json:"works,omitempty"`
}

// TaskResultData holds the generated outputs of a succeeded task.
type TaskResultData struct {
	Videos []Artifact `json:"videos"`
}

func newCreateTaskBody(req TaskRequest, model, defaultMode string) createTaskBody {
	duration := req.Duration
	if duration == 0 {
		duration = DefaultDuration
	}
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = DefaultAspectRatio
	}
	cfgScale := req.CFGScale
	if cfgScale == 0 {
		cfgScale = DefaultCFGScale
	}
	mode := req.Mode
	if mode == "" {
		mode = defaultMode
	}

	return createTaskBody{
		ModelName:      model,
		Image:          req.ImageURL,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		CFGScale:       cfgScale,
		Mode:           mode,
		AspectRatio:    aspect,
		Duration:       strconv.Itoa(duration),
		CallbackURL:    req.CallbackURL,
	}
}
