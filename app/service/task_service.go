package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/provider"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientBalance 积分余额不足
	ErrInsufficientBalance = errors.New("积分余额不足")
	// ErrLoginRequired 该任务类型不支持匿名提交
	ErrLoginRequired = errors.New("该任务类型需要登录后使用")
	// ErrInvalidKind 不支持的任务类型
	ErrInvalidKind = errors.New("不支持的任务类型")
)

// SubmitInput 任务提交参数
type SubmitInput struct {
	Kind     model.TaskKind
	InputURL string
	Params   map[string]string
	UserID   *uint // 匿名提交为空
}

// SubmitOutcome 提交结果。Queued 为 true 表示同步提交未完成，
// 任务已进入重试队列等待后台重放。
type SubmitOutcome struct {
	Record *model.TaskRecord
	Queued bool
}

// BatchItemResult 批量提交中单个条目的结果
type BatchItemResult struct {
	Index    int    `json:"index"`
	TaskCode string `json:"task_code,omitempty"`
	Status   string `json:"status,omitempty"`
	Queued   bool   `json:"queued,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TaskService 任务提交编排：先落本地记录再调远端，
// 远端提交失败时进重试队列，绝不丢弃用户请求。
type TaskService struct {
	db      *gorm.DB
	client  provider.ProcessingClient
	queue   *TaskQueueManager
	billing *BillingService
	cfg     *config.Config
	logger  *logger.Logger
}

// NewTaskService 创建任务提交服务
func NewTaskService(db *gorm.DB, client provider.ProcessingClient, queue *TaskQueueManager, billing *BillingService, cfg *config.Config, log *logger.Logger) *TaskService {
	return &TaskService{
		db:      db,
		client:  client,
		queue:   queue,
		billing: billing,
		cfg:     cfg,
		logger:  log,
	}
}

// Submit 提交一个处理任务。
// 本地记录在任何远端调用之前创建，保证提交失败后记录依然存在。
func (s *TaskService) Submit(ctx context.Context, in SubmitInput) (*SubmitOutcome, error) {
	if !in.Kind.IsValid() {
		return nil, ErrInvalidKind
	}
	if in.InputURL == "" {
		return nil, fmt.Errorf("源素材地址不能为空")
	}
	if in.UserID == nil && !in.Kind.IsImage() {
		// 视频任务消耗大，不开放匿名使用
		return nil, ErrLoginRequired
	}
	if in.UserID != nil {
		ok, err := s.billing.HasSufficientBalance(s.db, *in.UserID, in.Kind)
		if err != nil {
			return nil, fmt.Errorf("查询积分余额失败: %w", err)
		}
		if !ok {
			return nil, ErrInsufficientBalance
		}
	}

	payload := provider.SubmitPayload{InputURL: in.InputURL, Params: in.Params}
	paramsJSON, _ := json.Marshal(payload)

	rec := model.TaskRecord{
		TaskCode:    uuid.NewString(),
		Kind:        in.Kind,
		UserID:      in.UserID,
		Status:      model.TaskStatusPending,
		InputURL:    in.InputURL,
		InputParams: string(paramsJSON),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("创建任务记录失败: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.Provider.Timeout())
	defer cancel()

	result, err := s.client.Submit(submitCtx, in.Kind, payload)
	if err != nil {
		// 提交错误是可恢复的：进重试队列，由定时批处理按退避阶梯重放
		s.logger.Warnf("远端提交失败，任务进入重试队列: taskId=%d err=%v", rec.ID, err)
		if qerr := s.enqueueRetry(&rec, payload, err); qerr != nil {
			s.logger.Errorf("写入重试队列失败: taskId=%d err=%v", rec.ID, qerr)
		}
		return &SubmitOutcome{Record: &rec, Queued: true}, nil
	}

	if err := s.attachExternalID(&rec, result.ExternalID); err != nil {
		return nil, err
	}
	s.queue.Submit(rec.ID, result.ExternalID)

	s.logger.Infof("任务提交成功: taskId=%d code=%s kind=%s externalId=%s", rec.ID, rec.TaskCode, rec.Kind, result.ExternalID)
	return &SubmitOutcome{Record: &rec, Queued: false}, nil
}

// SubmitBatch 批量提交，每个条目独立处理，互不影响。
// 积分只会在单个任务确认成功时扣减，与提交数量无关。
func (s *TaskService) SubmitBatch(ctx context.Context, inputs []SubmitInput) []BatchItemResult {
	results := make([]BatchItemResult, 0, len(inputs))
	for i, in := range inputs {
		item := BatchItemResult{Index: i}
		outcome, err := s.Submit(ctx, in)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.TaskCode = outcome.Record.TaskCode
			item.Status = string(outcome.Record.Status)
			item.Queued = outcome.Queued
		}
		results = append(results, item)
	}
	return results
}

// FindByCode 按对外任务编码查询记录
func (s *TaskService) FindByCode(code string) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	if err := s.db.Where("task_code = ?", code).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecoverInflight 服务重启后把仍在执行中的任务重新交给队列管理器，
// 避免进程重启导致在途任务失去 Watcher
func (s *TaskService) RecoverInflight() {
	var recs []model.TaskRecord
	err := s.db.Where("status IN ? AND external_id IS NOT NULL",
		[]model.TaskStatus{model.TaskStatusStarting, model.TaskStatusProcessing}).
		Order("created_at ASC").Limit(100).Find(&recs).Error
	if err != nil {
		s.logger.Errorf("查询在途任务失败: %v", err)
		return
	}

	for _, rec := range recs {
		s.queue.Submit(rec.ID, *rec.ExternalID)
	}
	if len(recs) > 0 {
		s.logger.Infof("已恢复 %d 个在途任务的轮询", len(recs))
	}
}

// attachExternalID 把远端任务ID写回记录并推进到 starting
func (s *TaskService) attachExternalID(rec *model.TaskRecord, externalID string) error {
	res := s.db.Model(&model.TaskRecord{}).
		Where("id = ? AND status = ?", rec.ID, model.TaskStatusPending).
		Updates(map[string]any{
			"external_id": externalID,
			"status":      model.TaskStatusStarting,
		})
	if res.Error != nil {
		return fmt.Errorf("写入远端任务ID失败: %w", res.Error)
	}
	rec.ExternalID = &externalID
	rec.Status = model.TaskStatusStarting
	return nil
}

// enqueueRetry 把提交失败的任务写入重试队列
func (s *TaskService) enqueueRetry(rec *model.TaskRecord, payload provider.SubmitPayload, cause error) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	entry := model.RetryQueueEntry{
		TaskType:     rec.Kind,
		TaskRecordID: rec.ID,
		Payload:      string(payloadJSON),
		Status:       model.RetryStatusPending,
		LastError:    cause.Error(),
		ScheduledAt:  time.Now().Add(model.NextBackoff(0)),
	}
	return s.db.Create(&entry).Error
}
