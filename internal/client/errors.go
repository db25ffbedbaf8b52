package client

import (
	"errors"
	"fmt"
	"time"
)

// Error classes surfaced by KlingClient. Match with errors.Is; the typed
// errors below carry the details and report Is for their class.
var (
	// ErrConfiguration means the client cannot sign requests. Never retried.
	ErrConfiguration = errors.New("kling: invalid configuration")
	// ErrInvalidRequest means the TaskRequest cannot be submitted as given.
	ErrInvalidRequest = errors.New("kling: invalid task request")
	// ErrSubmission means task creation failed on every attempt.
	ErrSubmission = errors.New("kling: task submission failed")
	// ErrStatusQuery means a status check failed at the transport or HTTP level.
	ErrStatusQuery = errors.New("kling: status query failed")
	// ErrRemoteTaskFailed means the remote service reported the task as failed.
	ErrRemoteTaskFailed = errors.New("kling: remote task failed")
	// ErrTimeout means no terminal status was observed before the deadline.
	ErrTimeout = errors.New("kling: timed out waiting for task")
	// ErrMalformedResponse means a response lacked fields the protocol requires.
	ErrMalformedResponse = errors.New("kling: malformed response")
)

// APIError is a non-success answer from the remote API: either a non-2xx
// HTTP status or a 2xx envelope with a non-zero code.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no message"
	}
	if e.RequestID != "" {
		return fmt.Sprintf("kling API error (status %d, code %d, request %s): %s", e.StatusCode, e.Code, e.RequestID, msg)
	}
	return fmt.Sprintf("kling API error (status %d, code %d): %s", e.StatusCode, e.Code, msg)
}

// SubmissionError wraps the error of the final submission attempt.
type SubmissionError struct {
	Attempts int
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("task submission failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// TaskFailure is returned when the remote service reports status failed.
type TaskFailure struct {
	TaskID string
	Reason string
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("video generation failed: %s", e.Reason)
}

func (e *TaskFailure) Is(target error) bool { return target == ErrRemoteTaskFailed }

// TimeoutError is returned when the poll deadline elapses first.
type TimeoutError struct {
	TaskID     string
	Deadline   time.Duration
	Polls      int
	LastStatus TaskStatus
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for video generation completion: task %s still %s after %v (%d polls)",
		e.TaskID, e.LastStatus, e.Deadline, e.Polls)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Retryable reports whether a later, independent attempt at the whole task
// could succeed. Remote failures, bad input and bad configuration are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrRemoteTaskFailed),
		errors.Is(err, ErrMalformedResponse):
		return false
	default:
		return true
	}
}
