package model

import (
	"errors"
	"testing"
	"time"
)

func TestNextBackoff(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{-1, 1 * time.Minute},
		{0, 1 * time.Minute},
		{1, 5 * time.Minute},
		{2, 15 * time.Minute},
		{3, 60 * time.Minute},
		{4, 60 * time.Minute}, // 超出阶梯后封顶
		{100, 60 * time.Minute},
	}

	for _, c := range cases {
		if got := NextBackoff(c.retryCount); got != c.want {
			t.Errorf("NextBackoff(%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

func TestNextBackoffMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := NextBackoff(i)
		if d < prev {
			t.Fatalf("退避时长不应随重试次数下降: NextBackoff(%d)=%v < %v", i, d, prev)
		}
		prev = d
	}
}

func TestReschedule(t *testing.T) {
	now := time.Now()
	entry := RetryQueueEntry{Status: RetryStatusRunning, RetryCount: 0}

	entry.Reschedule(now, errors.New("连接超时"))

	if entry.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", entry.RetryCount)
	}
	if entry.Status != RetryStatusPending {
		t.Errorf("Status = %s, want %s", entry.Status, RetryStatusPending)
	}
	if entry.LastError != "连接超时" {
		t.Errorf("LastError = %q", entry.LastError)
	}
	if want := now.Add(5 * time.Minute); !entry.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", entry.ScheduledAt, want)
	}
}

func TestComplete(t *testing.T) {
	entry := RetryQueueEntry{Status: RetryStatusRunning, LastError: "某个旧错误"}
	entry.Complete()

	if entry.Status != RetryStatusCompleted {
		t.Errorf("Status = %s, want %s", entry.Status, RetryStatusCompleted)
	}
	if entry.LastError != "" {
		t.Errorf("LastError 应被清空，实际为 %q", entry.LastError)
	}
}
