package service

import (
	"context"
	"encoding/json"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/provider"
	"time"

	"gorm.io/gorm"
)

// RetryService 重放提交失败的任务。
// pending/running/completed 状态门保证同一条目不会被并发的
// 两次批处理重复消费，重复触发是安全的。
type RetryService struct {
	db     *gorm.DB
	client provider.ProcessingClient
	queue  *TaskQueueManager
	cfg    *config.Config
	logger *logger.Logger
}

// NewRetryService 创建重试队列服务
func NewRetryService(db *gorm.DB, client provider.ProcessingClient, queue *TaskQueueManager, cfg *config.Config, log *logger.Logger) *RetryService {
	return &RetryService{
		db:     db,
		client: client,
		queue:  queue,
		cfg:    cfg,
		logger: log,
	}
}

// Drain 处理一批到期的重试条目，返回处理条数
func (s *RetryService) Drain(ctx context.Context) int {
	batchSize := s.cfg.Cron.RetryBatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	var entries []model.RetryQueueEntry
	err := s.db.Where("status = ? AND scheduled_at <= ?", model.RetryStatusPending, time.Now()).
		Order("scheduled_at ASC").Limit(batchSize).Find(&entries).Error
	if err != nil {
		s.logger.Errorf("查询重试队列失败: %v", err)
		return 0
	}

	processed := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return processed
		default:
		}

		// 受保护认领：只有把状态从 pending 改为 running 的一方才处理该条目
		res := s.db.Model(&model.RetryQueueEntry{}).
			Where("id = ? AND status = ?", entry.ID, model.RetryStatusPending).
			Update("status", model.RetryStatusRunning)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}

		s.processEntry(ctx, &entry)
		processed++
	}

	if processed > 0 {
		s.logger.Infof("重试队列本轮处理了 %d 个条目", processed)
	}
	return processed
}

// processEntry 重放单个条目的远端提交
func (s *RetryService) processEntry(ctx context.Context, entry *model.RetryQueueEntry) {
	var rec model.TaskRecord
	if err := s.db.First(&rec, entry.TaskRecordID).Error; err != nil {
		s.logger.Errorf("重试条目关联的任务记录不存在: entryId=%d taskId=%d", entry.ID, entry.TaskRecordID)
		s.completeEntry(entry)
		return
	}

	// 任务已终态（如已被取消）或已被其它路径提交成功，条目直接完成
	if rec.IsTerminal() || rec.HasExternalID() {
		s.completeEntry(entry)
		return
	}

	var payload provider.SubmitPayload
	if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
		s.logger.Errorf("重试条目参数解析失败: entryId=%d err=%v", entry.ID, err)
		s.completeEntry(entry)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.Provider.Timeout())
	result, err := s.client.Submit(submitCtx, entry.TaskType, payload)
	cancel()

	if err != nil {
		// 失败：按退避阶梯推迟下次重试
		entry.Reschedule(time.Now(), err)
		if serr := s.db.Save(entry).Error; serr != nil {
			s.logger.Errorf("保存重试条目失败: entryId=%d err=%v", entry.ID, serr)
		}
		s.logger.Warnf("重试提交仍失败: entryId=%d taskId=%d retryCount=%d nextAt=%s err=%v",
			entry.ID, rec.ID, entry.RetryCount, entry.ScheduledAt.Format(time.DateTime), err)
		return
	}

	// 成功：写回远端ID并交给队列管理器开始轮询
	ures := s.db.Model(&model.TaskRecord{}).
		Where("id = ? AND status = ?", rec.ID, model.TaskStatusPending).
		Updates(map[string]any{
			"external_id": result.ExternalID,
			"status":      model.TaskStatusStarting,
		})
	if ures.Error != nil {
		s.logger.Errorf("写入远端任务ID失败: taskId=%d err=%v", rec.ID, ures.Error)
		entry.Reschedule(time.Now(), ures.Error)
		s.db.Save(entry)
		return
	}

	s.completeEntry(entry)
	s.queue.Submit(rec.ID, result.ExternalID)
	s.logger.Infof("重试提交成功: entryId=%d taskId=%d externalId=%s", entry.ID, rec.ID, result.ExternalID)
}

// completeEntry 标记条目完成
func (s *RetryService) completeEntry(entry *model.RetryQueueEntry) {
	entry.Complete()
	if err := s.db.Save(entry).Error; err != nil {
		s.logger.Errorf("标记重试条目完成失败: entryId=%d err=%v", entry.ID, err)
	}
}

// PendingCount 当前待重试的条目数
func (s *RetryService) PendingCount() (int64, error) {
	var count int64
	err := s.db.Model(&model.RetryQueueEntry{}).
		Where("status = ?", model.RetryStatusPending).Count(&count).Error
	return count, err
}
