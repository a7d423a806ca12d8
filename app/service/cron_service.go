package service

import (
	"context"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CronService 定时批处理：重放重试队列并重新对账停滞任务。
// 内部调度和外部HTTP触发共用同一个 RunSweep，两项职责都是幂等的，
// 触发频率高于自然节奏也不会重复处理。
type CronService struct {
	db         *gorm.DB
	retry      *RetryService
	reconciler *Reconciler
	cfg        *config.Config
	logger     *logger.Logger
	cron       *cron.Cron
}

// SweepResult 单次批处理的结果计数
type SweepResult struct {
	Processed int `json:"processed"` // 处理的重试条目数
	Synced    int `json:"synced"`    // 重新对账的停滞任务数
}

// NewCronService 创建定时批处理服务
func NewCronService(db *gorm.DB, retry *RetryService, reconciler *Reconciler, cfg *config.Config, log *logger.Logger) *CronService {
	return &CronService{
		db:         db,
		retry:      retry,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     log,
	}
}

// Start 启动内部调度
func (s *CronService) Start() {
	spec := s.cfg.Cron.Spec
	if spec == "" {
		spec = "@every 5m"
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.RunSweep(ctx)
	})
	if err != nil {
		s.logger.Errorf("注册定时批处理失败: %v", err)
		return
	}

	s.cron.Start()
	s.logger.Infof("定时批处理已启动: spec=%s", spec)
}

// Stop 停止内部调度并等待进行中的批处理结束
func (s *CronService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("定时批处理已停止")
}

// RunSweep 执行一轮批处理：先重放重试队列，再对账停滞任务
func (s *CronService) RunSweep(ctx context.Context) SweepResult {
	result := SweepResult{
		Processed: s.retry.Drain(ctx),
		Synced:    s.reconcileStale(ctx),
	}
	s.logger.Debugf("批处理完成: processed=%d synced=%d", result.Processed, result.Synced)
	return result
}

// reconcileStale 重新对账停滞在非终态的任务。
// 批量上限避免单轮产生无上限的远端调用，终态幂等保证与
// 在线 Watcher 并发执行也是安全的。
func (s *CronService) reconcileStale(ctx context.Context) int {
	batchSize := s.cfg.Cron.StaleBatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	cutoff := time.Now().Add(-s.cfg.Cron.StaleAfter())

	var recs []model.TaskRecord
	err := s.db.Where("status IN ?", model.NonTerminalStatuses()).
		Where("(execute_started_at IS NOT NULL AND execute_started_at <= ?) OR (execute_started_at IS NULL AND created_at <= ?)", cutoff, cutoff).
		Order("created_at ASC").Limit(batchSize).Find(&recs).Error
	if err != nil {
		s.logger.Errorf("查询停滞任务失败: %v", err)
		return 0
	}

	synced := 0
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return synced
		default:
		}

		if !rec.HasExternalID() {
			continue
		}
		if _, err := s.reconciler.Reconcile(ctx, rec.ID); err != nil {
			s.logger.Warnf("停滞任务对账失败: taskId=%d err=%v", rec.ID, err)
			continue
		}
		synced++
	}

	if synced > 0 {
		s.logger.Infof("本轮重新对账了 %d 个停滞任务", synced)
	}
	return synced
}
