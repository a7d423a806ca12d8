package provider

import (
	"remove-anything/app/model"
	"testing"
)

func TestMapRemoteStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want model.TaskStatus
	}{
		{"SUCCESS", model.TaskStatusSucceeded},
		{"succeeded", model.TaskStatusSucceeded},
		{"Completed", model.TaskStatusSucceeded},
		{"done", model.TaskStatusSucceeded},
		{"FAILED", model.TaskStatusFailed},
		{"error", model.TaskStatusFailed},
		{"CANCELLED", model.TaskStatusFailed},
		{"canceled", model.TaskStatusFailed},
		{"timeout", model.TaskStatusFailed},
		{"QUEUED", model.TaskStatusProcessing},
		{"running", model.TaskStatusProcessing},
		{"in_progress", model.TaskStatusProcessing},
		{"  RUNNING  ", model.TaskStatusProcessing},
		{"", model.TaskStatusProcessing},
		{"某种未知状态", model.TaskStatusProcessing},
	}

	for _, c := range cases {
		if got := MapRemoteStatus(c.raw); got != c.want {
			t.Errorf("MapRemoteStatus(%q) = %s, want %s", c.raw, got, c.want)
		}
	}
}
