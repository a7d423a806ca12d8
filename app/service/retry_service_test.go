package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/provider"

	"gorm.io/gorm"
)

func retryTestConfig() *config.Config {
	return &config.Config{
		Provider: config.ProviderConfig{TimeoutSec: 5},
		Queue:    config.QueueConfig{MaxConcurrent: 2, PollIntervalSec: 1, MaxAttempts: 60},
		Cron:     config.CronConfig{RetryBatchSize: 20},
		Billing:  testBillingConfig(),
	}
}

func setupRetry(t *testing.T, client *fakeClient) (*RetryService, *TaskQueueManager, *gorm.DB, *logger.Logger) {
	t.Helper()

	cfg := retryTestConfig()
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(cfg.Billing, log), nil, log)
	queue := NewTaskQueueManager(db, r, client, cfg.Queue, log)
	t.Cleanup(queue.Stop)
	return NewRetryService(db, client, queue, cfg, log), queue, db, log
}

func createRetryEntry(t *testing.T, db *gorm.DB, rec *model.TaskRecord, scheduledAt time.Time) *model.RetryQueueEntry {
	t.Helper()

	entry := model.RetryQueueEntry{
		TaskType:     rec.Kind,
		TaskRecordID: rec.ID,
		Payload:      `{"input_url":"https://cdn.example.com/in/source.png"}`,
		Status:       model.RetryStatusPending,
		ScheduledAt:  scheduledAt,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("创建重试条目失败: %v", err)
	}
	return &entry
}

func TestDrainReplaysDueEntry(t *testing.T) {
	client := &fakeClient{
		submitFn: func(model.TaskKind) (*provider.SubmitResult, error) {
			return &provider.SubmitResult{ExternalID: "ext-replayed"}, nil
		},
		statusFn: func(string) (string, error) { return "SUCCESS", nil },
	}
	retry, _, db, _ := setupRetry(t, client)

	rec := createTask(t, db, model.TaskStatusPending, "", nil)
	entry := createRetryEntry(t, db, rec, time.Now().Add(-time.Minute))

	if n := retry.Drain(context.Background()); n != 1 {
		t.Fatalf("Drain = %d, want 1", n)
	}

	var updated model.TaskRecord
	db.First(&updated, rec.ID)
	if !updated.HasExternalID() || *updated.ExternalID != "ext-replayed" {
		t.Errorf("重放成功后应写入远端ID，实际为 %v", updated.ExternalID)
	}

	var reloaded model.RetryQueueEntry
	db.First(&reloaded, entry.ID)
	if reloaded.Status != model.RetryStatusCompleted {
		t.Errorf("条目状态应为 completed，实际为 %s", reloaded.Status)
	}
}

func TestDrainBacksOffOnFailure(t *testing.T) {
	client := &fakeClient{
		submitFn: func(model.TaskKind) (*provider.SubmitResult, error) {
			return nil, errors.New("远端不可用")
		},
	}
	retry, _, db, _ := setupRetry(t, client)

	rec := createTask(t, db, model.TaskStatusPending, "", nil)
	entry := createRetryEntry(t, db, rec, time.Now().Add(-time.Minute))

	before := time.Now()
	if n := retry.Drain(context.Background()); n != 1 {
		t.Fatalf("Drain = %d, want 1", n)
	}

	var reloaded model.RetryQueueEntry
	db.First(&reloaded, entry.ID)
	if reloaded.Status != model.RetryStatusPending {
		t.Errorf("失败后条目应回到 pending，实际为 %s", reloaded.Status)
	}
	if reloaded.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", reloaded.RetryCount)
	}
	// 第一次失败后按阶梯第二档（5分钟）推迟
	if reloaded.ScheduledAt.Before(before.Add(4 * time.Minute)) {
		t.Errorf("下次重试时间过早: %v", reloaded.ScheduledAt)
	}

	var updated model.TaskRecord
	db.First(&updated, rec.ID)
	if updated.Status != model.TaskStatusPending {
		t.Errorf("重放失败任务应保持 pending，实际为 %s", updated.Status)
	}
}

func TestDrainSkipsEntriesNotDue(t *testing.T) {
	client := &fakeClient{}
	retry, _, db, _ := setupRetry(t, client)

	rec := createTask(t, db, model.TaskStatusPending, "", nil)
	createRetryEntry(t, db, rec, time.Now().Add(time.Hour))

	if n := retry.Drain(context.Background()); n != 0 {
		t.Errorf("未到期条目不应被处理: Drain = %d", n)
	}
	if submit, _, _, _ := client.calls(); submit != 0 {
		t.Errorf("未到期条目不应触发远端提交，实际调用 %d 次", submit)
	}
}

func TestDrainCompletesEntryForTerminalTask(t *testing.T) {
	client := &fakeClient{}
	retry, _, db, _ := setupRetry(t, client)

	// 任务已被取消落终态，重放应直接完成条目而不再提交
	rec := createTask(t, db, model.TaskStatusFailed, "", nil)
	entry := createRetryEntry(t, db, rec, time.Now().Add(-time.Minute))

	if n := retry.Drain(context.Background()); n != 1 {
		t.Fatalf("Drain = %d, want 1", n)
	}
	if submit, _, _, _ := client.calls(); submit != 0 {
		t.Errorf("终态任务不应触发远端提交，实际调用 %d 次", submit)
	}

	var reloaded model.RetryQueueEntry
	db.First(&reloaded, entry.ID)
	if reloaded.Status != model.RetryStatusCompleted {
		t.Errorf("条目状态应为 completed，实际为 %s", reloaded.Status)
	}
}

func TestDrainCompletesEntryForAlreadySubmittedTask(t *testing.T) {
	client := &fakeClient{}
	retry, _, db, _ := setupRetry(t, client)

	rec := createTask(t, db, model.TaskStatusProcessing, "ext-already", nil)
	entry := createRetryEntry(t, db, rec, time.Now().Add(-time.Minute))

	if n := retry.Drain(context.Background()); n != 1 {
		t.Fatalf("Drain = %d, want 1", n)
	}
	if submit, _, _, _ := client.calls(); submit != 0 {
		t.Errorf("已有远端ID的任务不应重复提交，实际调用 %d 次", submit)
	}

	var reloaded model.RetryQueueEntry
	db.First(&reloaded, entry.ID)
	if reloaded.Status != model.RetryStatusCompleted {
		t.Errorf("条目状态应为 completed，实际为 %s", reloaded.Status)
	}
}

func TestPendingCount(t *testing.T) {
	client := &fakeClient{}
	retry, _, db, _ := setupRetry(t, client)

	rec := createTask(t, db, model.TaskStatusPending, "", nil)
	createRetryEntry(t, db, rec, time.Now().Add(time.Hour))
	createRetryEntry(t, db, rec, time.Now().Add(2*time.Hour))

	count, err := retry.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount 返回错误: %v", err)
	}
	if count != 2 {
		t.Errorf("PendingCount = %d, want 2", count)
	}
}
