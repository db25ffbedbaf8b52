package client

import (
	"context"
	"errors"
	"time"
)

// PollEvent describes one status observation during AwaitCompletion.
type PollEvent struct {
	TaskID  string
	Poll    int
	Status  TaskStatus
	Elapsed time.Duration
}

// PollOption customizes a single AwaitCompletion or RunTask call.
type PollOption func(*PollSettings)

// PollSettings is the resolved form of a PollOption list.
type PollSettings struct {
	Observer func(PollEvent)
}

// NewPollSettings applies opts in order.
func NewPollSettings(opts ...PollOption) PollSettings {
	var s PollSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// OnPoll registers fn to be called after every status observation. fn runs
// on the polling goroutine and must not block for long.
func OnPoll(fn func(PollEvent)) PollOption {
	return func(s *PollSettings) { s.Observer = fn }
}

// AwaitCompletion polls handle every poll interval until the task reaches a
// terminal status or deadline elapses. Waits are shortened to the remaining
// budget and in-flight status requests are cancelled at the deadline, so the
// call returns within deadline plus at most one poll interval.
//
// Callers must not run AwaitCompletion concurrently for the same handle.
func (c *KlingClient) AwaitCompletion(ctx context.Context, handle TaskHandle, deadline time.Duration, opts ...PollOption) (TaskResult, error) {
	settings := NewPollSettings(opts...)

	if deadline <= 0 {
		deadline = c.maxWait
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := c.clock.Now()
	polls := 0
	lastStatus := StatusQueued

	timeout := func() error {
		c.logger.Warn("task timed out", "task_id", handle.ID, "deadline", deadline, "polls", polls)
		return &TimeoutError{TaskID: handle.ID, Deadline: deadline, Polls: polls, LastStatus: lastStatus}
	}

	for c.clock.Now().Sub(start) < deadline {
		polls++
		data, err := c.QueryStatus(ctx, handle)
		if err != nil {
			if parent.Err() != nil {
				return TaskResult{}, parent.Err()
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return TaskResult{}, timeout()
			}
			c.logger.Error("status query failed", "task_id", handle.ID, "poll", polls, "error", err)
			return TaskResult{}, err
		}

		status, known := ParseRemoteStatus(data.TaskStatus)
		if !known {
			c.logger.Warn("unknown task status, treating as running", "task_id", handle.ID, "status", data.TaskStatus)
		}
		lastStatus = status

		elapsed := c.clock.Now().Sub(start)
		c.logger.Info("task status", "task_id", handle.ID, "poll", polls, "status", status, "elapsed", elapsed)
		if settings.Observer != nil {
			settings.Observer(PollEvent{TaskID: handle.ID, Poll: polls, Status: status, Elapsed: elapsed})
		}

		if status.IsTerminal() {
			result, err := Resolve(data)
			if err != nil {
				return TaskResult{}, err
			}
			if result.Status == StatusFailed {
				return TaskResult{}, &TaskFailure{TaskID: handle.ID, Reason: result.FailureReason}
			}
			return result, nil
		}

		remaining := deadline - c.clock.Now().Sub(start)
		if remaining <= 0 {
			break
		}
		wait := c.pollInterval
		if remaining < wait {
			wait = remaining
		}

		if err := sleep(ctx, c.clock, wait); err != nil {
			if parent.Err() != nil {
				return TaskResult{}, parent.Err()
			}
			return TaskResult{}, timeout()
		}
	}

	return TaskResult{}, timeout()
}
