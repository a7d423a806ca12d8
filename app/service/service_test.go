package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"remove-anything/app/config"
	"remove-anything/app/database"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/provider"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBSeq int64

// newTestDB 为每个测试创建独立的内存数据库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared&_busy_timeout=5000",
		atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("迁移测试数据库失败: %v", err)
	}
	return db
}

func newTestLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		InitialBalance: 10,
		Costs: map[string]int64{
			"background_removal":      1,
			"watermark_removal":       1,
			"video_watermark_removal": 5,
		},
	}
}

// fakeClient 可编程的远端客户端替身
type fakeClient struct {
	mu          sync.Mutex
	submitCalls int
	statusCalls int
	resultCalls int
	cancelCalls int

	submitFn func(kind model.TaskKind) (*provider.SubmitResult, error)
	statusFn func(externalID string) (string, error)
	resultFn func(externalID string) (*provider.TaskResult, error)
	cancelFn func(externalID string) error
}

func (f *fakeClient) Submit(ctx context.Context, kind model.TaskKind, payload provider.SubmitPayload) (*provider.SubmitResult, error) {
	f.mu.Lock()
	f.submitCalls++
	fn := f.submitFn
	f.mu.Unlock()

	if fn != nil {
		return fn(kind)
	}
	return &provider.SubmitResult{ExternalID: "ext-default"}, nil
}

func (f *fakeClient) GetStatus(ctx context.Context, externalID string) (string, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()

	if fn != nil {
		return fn(externalID)
	}
	return "RUNNING", nil
}

func (f *fakeClient) GetResult(ctx context.Context, externalID string) (*provider.TaskResult, error) {
	f.mu.Lock()
	f.resultCalls++
	fn := f.resultFn
	f.mu.Unlock()

	if fn != nil {
		return fn(externalID)
	}
	return &provider.TaskResult{OutputURL: "https://cdn.example.com/out/" + externalID + ".png"}, nil
}

func (f *fakeClient) Cancel(ctx context.Context, externalID string) error {
	f.mu.Lock()
	f.cancelCalls++
	fn := f.cancelFn
	f.mu.Unlock()

	if fn != nil {
		return fn(externalID)
	}
	return nil
}

func (f *fakeClient) calls() (submit, status, result, cancel int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.statusCalls, f.resultCalls, f.cancelCalls
}

// createTask 插入一条任务记录
func createTask(t *testing.T, db *gorm.DB, status model.TaskStatus, externalID string, userID *uint) *model.TaskRecord {
	t.Helper()

	rec := model.TaskRecord{
		TaskCode: fmt.Sprintf("code-%d", atomic.AddInt64(&testDBSeq, 1)),
		Kind:     model.TaskKindBackgroundRemoval,
		UserID:   userID,
		Status:   status,
		InputURL: "https://cdn.example.com/in/source.png",
	}
	if externalID != "" {
		rec.ExternalID = &externalID
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("创建任务记录失败: %v", err)
	}
	return &rec
}

// createUserWithCredit 插入一个带积分的用户
func createUserWithCredit(t *testing.T, db *gorm.DB, balance int64) uint {
	t.Helper()

	user := model.User{
		Username: fmt.Sprintf("user%d", atomic.AddInt64(&testDBSeq, 1)),
		Password: "hashed",
		Email:    fmt.Sprintf("u%d@example.com", testDBSeq),
		IsActive: true,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("创建测试用户失败: %v", err)
	}
	if err := db.Create(&model.UserCredit{UserID: user.ID, Balance: balance}).Error; err != nil {
		t.Fatalf("创建用户积分失败: %v", err)
	}
	return user.ID
}

// waitFor 在超时前轮询等待条件成立
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待条件超时: %s", msg)
}
