package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/makeasinger/videogen/internal/auth"
	"github.com/makeasinger/videogen/internal/config"
	"github.com/makeasinger/videogen/internal/logger"
)

// VideoGenerator is the caller-facing surface of the video client.
type VideoGenerator interface {
	Submit(ctx context.Context, req TaskRequest) (TaskHandle, error)
	QueryStatus(ctx context.Context, handle TaskHandle) (TaskData, error)
	AwaitCompletion(ctx context.Context, handle TaskHandle, deadline time.Duration, opts ...PollOption) (TaskResult, error)
	RunTask(ctx context.Context, req TaskRequest, deadline time.Duration, opts ...PollOption) Outcome
}

// KlingClient implements VideoGenerator for the Kling video API. It holds
// only immutable settings and is safe for concurrent, independent calls.
type KlingClient struct {
	httpClient   *http.Client
	baseURL      string
	accessKey    string
	secretKey    string
	model        string
	mode         string
	pollInterval time.Duration
	maxWait      time.Duration
	maxRetries   int
	clock        Clock
	jitter       func() float64
	logger       *slog.Logger
}

// Option customizes a KlingClient.
type Option func(*KlingClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *KlingClient) { c.httpClient = hc }
}

// WithClock replaces the wall clock used for credentials and waits.
func WithClock(clock Clock) Option {
	return func(c *KlingClient) { c.clock = clock }
}

// WithJitter replaces the backoff jitter source. f must return values in [0, 1).
func WithJitter(f func() float64) Option {
	return func(c *KlingClient) { c.jitter = f }
}

// WithLogger sets the logger for request and poll diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *KlingClient) { c.logger = l }
}

// NewKlingClient creates a Kling API client. It fails with ErrConfiguration
// when the key pair is missing or unusable.
func NewKlingClient(cfg *config.KlingConfig, opts ...Option) (*KlingClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing kling configuration", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &KlingClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		accessKey:    cfg.AccessKey,
		secretKey:    cfg.SecretKey,
		model:        cfg.Model,
		mode:         cfg.Mode,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		maxRetries:   cfg.MaxRetries,
		clock:        realClock{},
		jitter:       rand.Float64,
		logger:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "kling")

	// Fail fast on a key pair that cannot sign.
	if _, err := auth.IssueCredential(c.accessKey, c.secretKey, c.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return c, nil
}

// Submit creates a remote task, retrying failed attempts with exponential
// backoff. Each attempt signs a fresh credential. If every attempt fails the
// final attempt's error is returned inside a *SubmissionError.
func (c *KlingClient) Submit(ctx context.Context, req TaskRequest) (TaskHandle, error) {
	if err := req.Validate(); err != nil {
		return TaskHandle{}, err
	}

	kind := req.Kind()
	body := newCreateTaskBody(req, c.model, c.mode)

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		handle, err := c.submitOnce(ctx, kind, body)
		if err == nil {
			c.logger.Info("task submitted", "task_id", handle.ID, "kind", kind, "attempt", attempt+1)
			return handle, nil
		}
		lastErr = err

		// Neither can improve on retry, and a malformed success may already
		// have created a task.
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrMalformedResponse) {
			return TaskHandle{}, err
		}
		if ctx.Err() != nil {
			return TaskHandle{}, &SubmissionError{Attempts: attempt + 1, Err: err}
		}
		if attempt == c.maxRetries-1 {
			break
		}

		delay := backoffDelay(attempt, c.jitter())
		c.logger.Warn("task submission failed, retrying",
			"attempt", attempt+1,
			"max_attempts", c.maxRetries,
			"retry_in", delay,
			"error", err)

		if err := sleep(ctx, c.clock, delay); err != nil {
			return TaskHandle{}, &SubmissionError{Attempts: attempt + 1, Err: lastErr}
		}
	}

	return TaskHandle{}, &SubmissionError{Attempts: c.maxRetries, Err: lastErr}
}

func (c *KlingClient) submitOnce(ctx context.Context, kind TaskKind, body createTaskBody) (TaskHandle, error) {
	var data TaskData
	if err := c.post(ctx, "/videos/"+string(kind), body, &data); err != nil {
		return TaskHandle{}, err
	}
	if data.TaskID == "" {
		return TaskHandle{}, fmt.Errorf("%w: creation response has no task_id", ErrMalformedResponse)
	}
	return TaskHandle{ID: data.TaskID, Kind: kind}, nil
}

// QueryStatus fetches the current state of a task once.
func (c *KlingClient) QueryStatus(ctx context.Context, handle TaskHandle) (TaskData, error) {
	if handle.ID == "" {
		return TaskData{}, fmt.Errorf("%w: empty task id", ErrInvalidRequest)
	}
	kind := handle.Kind
	if kind == "" {
		kind = KindImageToVideo
	}

	var data TaskData
	if err := c.get(ctx, fmt.Sprintf("/videos/%s/%s", kind, handle.ID), &data); err != nil {
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrMalformedResponse) {
			return TaskData{}, err
		}
		return TaskData{}, fmt.Errorf("%w: %w", ErrStatusQuery, err)
	}
	if data.TaskID == "" {
		data.TaskID = handle.ID
	}
	return data, nil
}

// Outcome is the tagged result of RunTask. Exactly one of the success
// fields (TaskID/VideoURL) or the failure fields (Error/Err) is meaningful,
// except that TaskID is also set on failures that happen after submission.
type Outcome struct {
	Success  bool   `json:"success"`
	TaskID   string `json:"taskId,omitempty"`
	VideoURL string `json:"videoUrl,omitempty"`
	Error    string `json:"error,omitempty"`

	Result *TaskResult `json:"-"`
	Err    error       `json:"-"`
}

// RunTask submits req and waits up to deadline for the result. It never
// returns a bare error: every failure becomes an Outcome with Success=false.
// A non-positive deadline uses the configured maximum wait.
func (c *KlingClient) RunTask(ctx context.Context, req TaskRequest, deadline time.Duration, opts ...PollOption) Outcome {
	c.logger.Info("starting video generation", "kind", req.Kind())

	handle, err := c.Submit(ctx, req)
	if err != nil {
		c.logger.Error("video generation failed", "stage", "submit", "error", err)
		return failedOutcome("", err)
	}

	return c.ResumeTask(ctx, handle, deadline, opts...)
}

// ResumeTask waits up to deadline for an already submitted task. It lets a
// caller that lost track of a running task pick it up again without
// creating a second one.
func (c *KlingClient) ResumeTask(ctx context.Context, handle TaskHandle, deadline time.Duration, opts ...PollOption) Outcome {
	result, err := c.AwaitCompletion(ctx, handle, deadline, opts...)
	if err != nil {
		c.logger.Error("video generation failed", "stage", "poll", "task_id", handle.ID, "error", err)
		return failedOutcome(handle.ID, err)
	}

	c.logger.Info("video generation completed", "task_id", handle.ID, "video_url", result.VideoURL)
	return Outcome{
		Success:  true,
		TaskID:   handle.ID,
		VideoURL: result.VideoURL,
		Result:   &result,
	}
}

func failedOutcome(taskID string, err error) Outcome {
	msg := err.Error()
	var failure *TaskFailure
	if errors.As(err, &failure) {
		msg = failure.Reason
	}
	return Outcome{
		Success: false,
		TaskID:  taskID,
		Error:   msg,
		Err:     err,
	}
}

// post sends a POST request with JSON body
func (c *KlingClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *KlingClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest signs req with a fresh credential, executes it and decodes the
// envelope's data into result.
func (c *KlingClient) doRequest(req *http.Request, result interface{}) error {
	cred, err := auth.IssueCredential(c.accessKey, c.secretKey, c.clock.Now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", cred.BearerHeader())

	c.logger.Debug("request", "method", req.Method, "path", req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("response", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "body", string(respBody))

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
			apiErr.RequestID = env.RequestID
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if decodeErr != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %v", ErrMalformedResponse, decodeErr)
	}

	if env.Code != 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Message,
			RequestID:  env.RequestID,
		}
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: response has no data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("%w: failed to unmarshal data: %v", ErrMalformedResponse, err)
	}

	return nil
}
