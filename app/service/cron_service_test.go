package service

import (
	"context"
	"testing"
	"time"

	"remove-anything/app/model"
)

func TestRunSweepReconcilesStaleTasks(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) { return "SUCCESS", nil },
	}
	cfg := retryTestConfig()
	cfg.Cron.StaleAfterMin = 30
	cfg.Cron.StaleBatchSize = 20

	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(cfg.Billing, log), nil, log)
	queue := NewTaskQueueManager(db, r, client, cfg.Queue, log)
	t.Cleanup(queue.Stop)
	retry := NewRetryService(db, client, queue, cfg, log)
	cron := NewCronService(db, retry, r, cfg, log)

	// 开始执行超过阈值的停滞任务
	stale := createTask(t, db, model.TaskStatusProcessing, "ext-stale", nil)
	staleStart := time.Now().Add(-time.Hour)
	db.Model(stale).Update("execute_started_at", staleStart)

	// 刚开始执行的任务不应被扫到
	fresh := createTask(t, db, model.TaskStatusProcessing, "ext-fresh", nil)
	db.Model(fresh).Update("execute_started_at", time.Now())

	result := cron.RunSweep(context.Background())
	if result.Synced != 1 {
		t.Errorf("Synced = %d, want 1", result.Synced)
	}

	var updated model.TaskRecord
	db.First(&updated, stale.ID)
	if updated.Status != model.TaskStatusSucceeded {
		t.Errorf("停滞任务应被对账到终态，实际为 %s", updated.Status)
	}

	updated = model.TaskRecord{}
	db.First(&updated, fresh.ID)
	if updated.Status != model.TaskStatusProcessing {
		t.Errorf("未到阈值的任务不应被改动，实际为 %s", updated.Status)
	}
}

func TestRunSweepSkipsStaleTasksWithoutExternalID(t *testing.T) {
	client := &fakeClient{}
	cfg := retryTestConfig()
	cfg.Cron.StaleAfterMin = 30

	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(cfg.Billing, log), nil, log)
	queue := NewTaskQueueManager(db, r, client, cfg.Queue, log)
	t.Cleanup(queue.Stop)
	retry := NewRetryService(db, client, queue, cfg, log)
	cron := NewCronService(db, retry, r, cfg, log)

	// 远端未受理的停滞任务交给重试队列，不走状态对账
	rec := createTask(t, db, model.TaskStatusPending, "", nil)
	db.Model(rec).Update("created_at", time.Now().Add(-time.Hour))

	result := cron.RunSweep(context.Background())
	if result.Synced != 0 {
		t.Errorf("Synced = %d, want 0", result.Synced)
	}
	if _, status, _, _ := client.calls(); status != 0 {
		t.Errorf("无远端ID的任务不应触发远端查询，实际调用 %d 次", status)
	}
}

func TestRunSweepIsIdempotent(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) { return "SUCCESS", nil },
	}
	cfg := retryTestConfig()
	cfg.Cron.StaleAfterMin = 30

	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(cfg.Billing, log), nil, log)
	queue := NewTaskQueueManager(db, r, client, cfg.Queue, log)
	t.Cleanup(queue.Stop)
	retry := NewRetryService(db, client, queue, cfg, log)
	cron := NewCronService(db, retry, r, cfg, log)

	userID := createUserWithCredit(t, db, 10)
	rec := createTask(t, db, model.TaskStatusProcessing, "ext-1", &userID)
	db.Model(rec).Update("execute_started_at", time.Now().Add(-time.Hour))

	cron.RunSweep(context.Background())
	second := cron.RunSweep(context.Background())

	// 第一轮已落终态，第二轮不再对账
	if second.Synced != 0 {
		t.Errorf("第二轮 Synced = %d, want 0", second.Synced)
	}

	// 重复触发不会重复扣费
	var ledgers int64
	db.Model(&model.CreditLedger{}).Where("task_record_id = ?", rec.ID).Count(&ledgers)
	if ledgers != 1 {
		t.Errorf("扣费流水数 = %d, want 1", ledgers)
	}
}
