package client

import (
	"fmt"
	"strings"
)

// genericFailureReason stands in when a failed task carries no message.
const genericFailureReason = "unknown error"

// Resolve maps a terminal status payload onto a TaskResult. A failed task
// resolves successfully with FailureReason set; callers decide whether that
// is an error. Resolve is pure and returns equal results for equal input.
func Resolve(data TaskData) (TaskResult, error) {
	status, _ := ParseRemoteStatus(data.TaskStatus)

	switch status {
	case StatusSucceeded:
		artifacts := collectArtifacts(data)
		if len(artifacts) == 0 {
			return TaskResult{}, fmt.Errorf("%w: task %s succeeded without any video", ErrMalformedResponse, data.TaskID)
		}
		return TaskResult{
			TaskID:    data.TaskID,
			Status:    StatusSucceeded,
			Artifacts: artifacts,
			VideoURL:  artifacts[0].URL,
		}, nil

	case StatusFailed:
		reason := strings.TrimSpace(data.TaskStatusMsg)
		if reason == "" {
			reason = genericFailureReason
		}
		return TaskResult{
			TaskID:        data.TaskID,
			Status:        StatusFailed,
			FailureReason: reason,
		}, nil

	default:
		return TaskResult{}, fmt.Errorf("%w: task %s is not terminal (status %q)", ErrMalformedResponse, data.TaskID, data.TaskStatus)
	}
}

// collectArtifacts returns the outputs that carry a URL, preferring the
// task_result shape over the older works list.
func collectArtifacts(data TaskData) []Artifact {
	var source []Artifact
	if data.TaskResult != nil && len(data.TaskResult.Videos) > 0 {
		source = data.TaskResult.Videos
	} else {
		source = data.Works
	}

	artifacts := make([]Artifact, 0, len(source))
	for _, a := range source {
		if a.URL != "" {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts
}
