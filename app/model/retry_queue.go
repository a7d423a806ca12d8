package model

import (
	"time"
)

// RetryQueueEntry 提交失败任务的重试队列模型
type RetryQueueEntry struct {
	ID           uint      `json:"id" gorm:"primarykey"`
	TaskType     TaskKind  `json:"task_type" gorm:"size:40;not null;index;comment:任务类型"`
	TaskRecordID uint      `json:"task_record_id" gorm:"not null;index;comment:关联的任务记录ID"`
	Payload      string    `json:"payload" gorm:"type:text;not null;comment:待重放的提交参数(JSON)"`
	Status       string    `json:"status" gorm:"size:20;default:pending;index;comment:状态"`
	RetryCount   int       `json:"retry_count" gorm:"default:0;comment:已重试次数"`
	LastError    string    `json:"last_error" gorm:"type:text;comment:最后一次错误信息"`
	ScheduledAt  time.Time `json:"scheduled_at" gorm:"index;comment:下次重试时间"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName 指定表名
func (RetryQueueEntry) TableName() string {
	return "retry_queue"
}

// 重试条目状态常量
const (
	RetryStatusPending   = "pending"   // 等待重试
	RetryStatusRunning   = "running"   // 重试中
	RetryStatusCompleted = "completed" // 已完成
)

// retryBackoffLadder 固定的退避阶梯，超出后停在最后一档不再增长
var retryBackoffLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// NextBackoff 根据已重试次数返回下一次重试的退避时长
func NextBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(retryBackoffLadder) {
		return retryBackoffLadder[len(retryBackoffLadder)-1]
	}
	return retryBackoffLadder[retryCount]
}

// Reschedule 记录一次失败并按退避阶梯推迟下次重试
func (e *RetryQueueEntry) Reschedule(now time.Time, err error) {
	e.RetryCount++
	if err != nil {
		e.LastError = err.Error()
	}
	e.Status = RetryStatusPending
	e.ScheduledAt = now.Add(NextBackoff(e.RetryCount))
}

// Complete 标记重试条目已完成
func (e *RetryQueueEntry) Complete() {
	e.Status = RetryStatusCompleted
	e.LastError = ""
}
