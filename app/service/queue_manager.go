package service

import (
	"context"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/provider"
	"sync"
	"time"

	"gorm.io/gorm"
)

// QueueStatus 队列状态快照
type QueueStatus struct {
	Running       int `json:"running"`        // 正在轮询的任务数
	Pending       int `json:"pending"`        // 等待准入的任务数
	MaxConcurrent int `json:"max_concurrent"` // 并发上限
}

// watcherHandle 一个已准入任务的轮询句柄
type watcherHandle struct {
	taskID uint
	cancel context.CancelFunc
}

// TaskQueueManager 进程内准入控制。
// 限制的是对远端的并发轮询压力而不是远端的执行槽位：超出上限的任务
// 进入先进先出等待队列，每个准入任务由独立的 Watcher 轮询对账直到终态。
// 注册表由管理器自己持有，便于测试时用小并发上限构造并确定性销毁。
type TaskQueueManager struct {
	db         *gorm.DB
	reconciler *Reconciler
	client     provider.ProcessingClient
	logger     *logger.Logger

	maxConcurrent int
	pollInterval  time.Duration
	maxAttempts   int

	mu      sync.Mutex
	running map[uint]*watcherHandle
	waiting []uint // FIFO 等待队列，保存任务记录ID
	stopped bool
	wg      sync.WaitGroup
}

// NewTaskQueueManager 创建任务队列管理器
func NewTaskQueueManager(db *gorm.DB, reconciler *Reconciler, client provider.ProcessingClient, cfg config.QueueConfig, log *logger.Logger) *TaskQueueManager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &TaskQueueManager{
		db:            db,
		reconciler:    reconciler,
		client:        client,
		logger:        log,
		maxConcurrent: maxConcurrent,
		pollInterval:  cfg.PollInterval(),
		maxAttempts:   cfg.MaxAttempts,
		running:       make(map[uint]*watcherHandle),
	}
}

// Submit 把已提交到远端的任务交给队列管理器。
// 有空闲槽位立即启动 Watcher，否则进入等待队列。
func (m *TaskQueueManager) Submit(taskID uint, externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if _, ok := m.running[taskID]; ok {
		return
	}
	for _, id := range m.waiting {
		if id == taskID {
			return
		}
	}

	if len(m.running) < m.maxConcurrent {
		m.startWatcherLocked(taskID)
		m.logger.Infof("任务已准入轮询: taskId=%d externalId=%s", taskID, externalID)
	} else {
		m.waiting = append(m.waiting, taskID)
		m.logger.Infof("轮询槽位已满，任务进入等待队列: taskId=%d position=%d", taskID, len(m.waiting))
	}
}

// Cancel 尽力取消任务：本地立即落终态，远端取消只是通知。
// 任务已终态或未知时返回 false。
func (m *TaskQueueManager) Cancel(taskID uint) bool {
	changed := m.reconciler.MarkFailed(taskID, failMsgCancelled)

	m.mu.Lock()
	if h, ok := m.running[taskID]; ok {
		h.cancel()
	} else {
		for i, id := range m.waiting {
			if id == taskID {
				m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !changed {
		return false
	}

	// 通知远端取消，尽力而为，远端任务可能继续执行
	var rec model.TaskRecord
	if err := m.db.First(&rec, taskID).Error; err == nil && rec.HasExternalID() {
		externalID := *rec.ExternalID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.client.Cancel(ctx, externalID); err != nil {
				m.logger.Warnf("通知远端取消失败: taskId=%d err=%v", taskID, err)
			}
		}()
	}

	return true
}

// GetPosition 返回任务的排队位置：0 表示已准入，1..n 表示等待队列位置，
// 未知任务返回 nil。
func (m *TaskQueueManager) GetPosition(taskID uint) *int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[taskID]; ok {
		pos := 0
		return &pos
	}
	for i, id := range m.waiting {
		if id == taskID {
			pos := i + 1
			return &pos
		}
	}
	return nil
}

// GetQueueStatus 获取队列状态
func (m *TaskQueueManager) GetQueueStatus() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return QueueStatus{
		Running:       len(m.running),
		Pending:       len(m.waiting),
		MaxConcurrent: m.maxConcurrent,
	}
}

// Stop 停止所有 Watcher 并等待退出
func (m *TaskQueueManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.waiting = nil
	for _, h := range m.running {
		h.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("任务队列管理器已停止")
}

// startWatcherLocked 为任务启动 Watcher，调用方必须持有 m.mu
func (m *TaskQueueManager) startWatcherLocked(taskID uint) {
	ctx, cancel := context.WithCancel(context.Background())
	m.running[taskID] = &watcherHandle{taskID: taskID, cancel: cancel}

	m.wg.Add(1)
	go m.watch(ctx, taskID)
}

// watch 单个任务的轮询循环：调用对账、休眠、重复，直到终态或
// 达到次数上限。任何退出路径都会注销自己并放行下一个等待任务。
func (m *TaskQueueManager) watch(ctx context.Context, taskID uint) {
	defer m.wg.Done()
	defer m.release(taskID)

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		rec, err := m.reconciler.Reconcile(ctx, taskID)
		if err != nil {
			m.logger.Warnf("对账失败: taskId=%d attempt=%d err=%v", taskID, attempt+1, err)
		} else if rec.IsTerminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}

	// 达到轮询上限仍未到终态：放弃等待而不是永远轮询
	m.reconciler.MarkFailed(taskID, failMsgWatchTimeout)
}

// release 注销 Watcher 并准入下一个等待任务
func (m *TaskQueueManager) release(taskID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.running[taskID]; ok {
		h.cancel()
		delete(m.running, taskID)
	}

	if m.stopped {
		return
	}
	for len(m.waiting) > 0 && len(m.running) < m.maxConcurrent {
		next := m.waiting[0]
		m.waiting = m.waiting[1:]
		m.startWatcherLocked(next)
		m.logger.Infof("等待任务已准入轮询: taskId=%d", next)
	}
}
