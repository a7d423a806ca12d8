package model

import (
	"time"
)

// TaskKind 任务类型，决定调用远端的哪个工作流
type TaskKind string

const (
	TaskKindBackgroundRemoval     TaskKind = "background_removal"      // 图片抠图（移除背景）
	TaskKindWatermarkRemoval      TaskKind = "watermark_removal"       // 图片去水印
	TaskKindVideoWatermarkRemoval TaskKind = "video_watermark_removal" // 视频去水印
)

// IsValid 检查任务类型是否受支持
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindBackgroundRemoval, TaskKindWatermarkRemoval, TaskKindVideoWatermarkRemoval:
		return true
	}
	return false
}

// IsImage 是否为图片类任务
func (k TaskKind) IsImage() bool {
	return k == TaskKindBackgroundRemoval || k == TaskKindWatermarkRemoval
}

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"    // 本地记录已创建，远端尚未确认
	TaskStatusStarting   TaskStatus = "starting"   // 远端已受理，尚未开始执行
	TaskStatusProcessing TaskStatus = "processing" // 远端执行中
	TaskStatusSucceeded  TaskStatus = "succeeded"  // 终态：成功
	TaskStatusFailed     TaskStatus = "failed"     // 终态：失败
)

// IsTerminal 是否为终态，终态不可再变更
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// NonTerminalStatuses 所有非终态
func NonTerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusPending, TaskStatusStarting, TaskStatusProcessing}
}

// TerminalStatuses 所有终态
func TerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusSucceeded, TaskStatusFailed}
}

// TaskRecord 处理任务记录，三种任务类型共用同一张表
type TaskRecord struct {
	ID               uint       `json:"id" gorm:"primarykey"`
	TaskCode         string     `json:"task_code" gorm:"size:36;uniqueIndex;not null;comment:对外暴露的任务编码"`
	Kind             TaskKind   `json:"kind" gorm:"size:40;not null;uniqueIndex:idx_task_kind_external;comment:任务类型"`
	UserID           *uint      `json:"user_id" gorm:"index;comment:提交用户ID，匿名提交为空"`
	ExternalID       *string    `json:"external_id" gorm:"size:100;uniqueIndex:idx_task_kind_external;comment:远端任务ID，同类型下唯一"`
	Status           TaskStatus `json:"status" gorm:"size:20;default:pending;index;comment:任务状态"`
	InputURL         string     `json:"input_url" gorm:"type:text;not null;comment:源素材地址"`
	InputParams      string     `json:"input_params" gorm:"type:text;comment:类型相关的提交参数(JSON)"`
	OutputURL        string     `json:"output_url" gorm:"type:text;comment:处理结果地址，仅成功时写入"`
	PreviewURL       string     `json:"preview_url" gorm:"type:text;comment:免费用户的水印预览图地址"`
	ErrorMessage     string     `json:"error_message" gorm:"type:text;comment:失败原因，仅失败时写入"`
	ExecuteStartedAt *time.Time `json:"execute_started_at" gorm:"comment:远端开始执行时间"`
	ExecuteEndedAt   *time.Time `json:"execute_ended_at" gorm:"comment:远端结束执行时间"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (TaskRecord) TableName() string {
	return "task_records"
}

// IsTerminal 任务是否已到终态
func (t *TaskRecord) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// HasExternalID 远端是否已受理
func (t *TaskRecord) HasExternalID() bool {
	return t.ExternalID != nil && *t.ExternalID != ""
}

// StaleReference 过期判断的基准时间：已开始执行用开始时间，否则用创建时间
func (t *TaskRecord) StaleReference() time.Time {
	if t.ExecuteStartedAt != nil {
		return *t.ExecuteStartedAt
	}
	return t.CreatedAt
}
