package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"remove-anything/app/model"
	"remove-anything/app/provider"
)

func TestReconcileTerminalIsNoOp(t *testing.T) {
	client := &fakeClient{}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	rec := createTask(t, db, model.TaskStatusSucceeded, "ext-1", nil)

	got, err := r.Reconcile(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Reconcile 返回错误: %v", err)
	}
	if got.Status != model.TaskStatusSucceeded {
		t.Errorf("终态记录状态不应变化，实际为 %s", got.Status)
	}
	if _, status, _, _ := client.calls(); status != 0 {
		t.Errorf("终态记录不应触发远端查询，实际调用了 %d 次", status)
	}
}

func TestReconcileWithoutExternalIDIsNoOp(t *testing.T) {
	client := &fakeClient{}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	rec := createTask(t, db, model.TaskStatusPending, "", nil)

	got, err := r.Reconcile(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Reconcile 返回错误: %v", err)
	}
	if got.Status != model.TaskStatusPending {
		t.Errorf("状态应保持 pending，实际为 %s", got.Status)
	}
	if _, status, _, _ := client.calls(); status != 0 {
		t.Errorf("没有远端ID不应触发远端查询")
	}
}

func TestReconcileTransientErrorKeepsState(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) {
			return "", errors.New("连接被重置")
		},
	}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	rec := createTask(t, db, model.TaskStatusProcessing, "ext-1", nil)

	got, err := r.Reconcile(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("瞬时远端错误不应向上返回: %v", err)
	}
	if got.Status != model.TaskStatusProcessing {
		t.Errorf("瞬时错误不应改变本地状态，实际为 %s", got.Status)
	}
}

func TestReconcileRunningMarksProcessing(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) { return "RUNNING", nil },
	}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	rec := createTask(t, db, model.TaskStatusStarting, "ext-1", nil)

	got, err := r.Reconcile(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Reconcile 返回错误: %v", err)
	}
	if got.Status != model.TaskStatusProcessing {
		t.Errorf("状态应推进到 processing，实际为 %s", got.Status)
	}
	if got.ExecuteStartedAt == nil {
		t.Error("进入 processing 应记录开始时间")
	}

	started := *got.ExecuteStartedAt
	got, _ = r.Reconcile(context.Background(), rec.ID)
	if !got.ExecuteStartedAt.Equal(started) {
		t.Error("开始时间只应写入一次")
	}
}

func TestReconcileResultNotReadyHoldsProcessing(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) { return "SUCCESS", nil },
		resultFn: func(string) (*provider.TaskResult, error) {
			return nil, provider.ErrResultNotReady
		},
	}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	userID := createUserWithCredit(t, db, 10)
	rec := createTask(t, db, model.TaskStatusProcessing, "ext-1", &userID)

	got, err := r.Reconcile(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Reconcile 返回错误: %v", err)
	}
	// 远端报成功但结果未就绪：不降级为失败，也不提前标成功
	if got.Status != model.TaskStatusProcessing {
		t.Errorf("结果未就绪时应保持 processing，实际为 %s", got.Status)
	}
	if got.OutputURL != "" {
		t.Error("没有产出不应写入结果地址")
	}

	var ledgers int64
	db.Model(&model.CreditLedger{}).Count(&ledgers)
	if ledgers != 0 {
		t.Errorf("未成功不应扣费，流水数为 %d", ledgers)
	}
}

func TestReconcileSuccessWritesOutputAndCharges(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) { return "SUCCESS", nil },
	}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	userID := createUserWithCredit(t, db, 10)
	rec := createTask(t, db, model.TaskStatusProcessing, "ext-1", &userID)

	got, err := r.Reconcile(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Reconcile 返回错误: %v", err)
	}
	if got.Status != model.TaskStatusSucceeded {
		t.Fatalf("状态应为 succeeded，实际为 %s", got.Status)
	}
	if got.OutputURL == "" {
		t.Error("成功任务必须有结果地址")
	}
	if got.ExecuteEndedAt == nil {
		t.Error("成功任务应记录结束时间")
	}

	var credit model.UserCredit
	db.Where("user_id = ?", userID).First(&credit)
	if credit.Balance != 9 {
		t.Errorf("余额应为 9，实际为 %d", credit.Balance)
	}
}

func TestReconcileSuccessChargesExactlyOnceUnderConcurrency(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) { return "SUCCESS", nil },
	}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	userID := createUserWithCredit(t, db, 10)
	rec := createTask(t, db, model.TaskStatusProcessing, "ext-1", &userID)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Reconcile(context.Background(), rec.ID)
		}()
	}
	wg.Wait()

	var updated model.TaskRecord
	db.First(&updated, rec.ID)
	if updated.Status != model.TaskStatusSucceeded {
		t.Fatalf("状态应为 succeeded，实际为 %s", updated.Status)
	}

	var ledgers int64
	db.Model(&model.CreditLedger{}).Where("task_record_id = ?", rec.ID).Count(&ledgers)
	if ledgers != 1 {
		t.Errorf("并发对账下应恰好扣费一次，流水数为 %d", ledgers)
	}

	var credit model.UserCredit
	db.Where("user_id = ?", userID).First(&credit)
	if credit.Balance != 9 {
		t.Errorf("余额应为 9，实际为 %d", credit.Balance)
	}
}

func TestReconcileFailedWritesReasonNoCharge(t *testing.T) {
	client := &fakeClient{
		statusFn: func(string) (string, error) { return "FAILED", nil },
	}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	userID := createUserWithCredit(t, db, 10)
	rec := createTask(t, db, model.TaskStatusProcessing, "ext-1", &userID)

	got, err := r.Reconcile(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Reconcile 返回错误: %v", err)
	}
	if got.Status != model.TaskStatusFailed {
		t.Fatalf("状态应为 failed，实际为 %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("失败任务必须有失败原因")
	}
	if got.OutputURL != "" {
		t.Error("失败任务不应有结果地址")
	}

	var credit model.UserCredit
	db.Where("user_id = ?", userID).First(&credit)
	if credit.Balance != 10 {
		t.Errorf("失败任务不应扣费，余额为 %d", credit.Balance)
	}
}

func TestMarkFailedDoesNotOverrideTerminal(t *testing.T) {
	client := &fakeClient{}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	rec := createTask(t, db, model.TaskStatusSucceeded, "ext-1", nil)

	if r.MarkFailed(rec.ID, "不应生效") {
		t.Error("终态记录 MarkFailed 应返回 false")
	}

	var updated model.TaskRecord
	db.First(&updated, rec.ID)
	if updated.Status != model.TaskStatusSucceeded {
		t.Errorf("终态不可回退，实际为 %s", updated.Status)
	}
}

func TestApplyRemoteWithPushedOutput(t *testing.T) {
	client := &fakeClient{}
	db := newTestDB(t)
	log := newTestLogger()
	r := NewReconciler(db, client, NewBillingService(testBillingConfig(), log), nil, log)

	rec := createTask(t, db, model.TaskStatusProcessing, "ext-1", nil)

	got, err := r.ApplyRemote(context.Background(), rec, "SUCCESS", "https://cdn.example.com/out/push.png", "")
	if err != nil {
		t.Fatalf("ApplyRemote 返回错误: %v", err)
	}
	if got.Status != model.TaskStatusSucceeded {
		t.Fatalf("状态应为 succeeded，实际为 %s", got.Status)
	}
	if got.OutputURL != "https://cdn.example.com/out/push.png" {
		t.Errorf("应直接使用回调携带的结果地址，实际为 %s", got.OutputURL)
	}
	// 回调已带结果，不应再查询结果接口
	if _, _, result, _ := client.calls(); result != 0 {
		t.Errorf("不应调用结果接口，实际调用 %d 次", result)
	}
}
