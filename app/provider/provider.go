package provider

import (
	"context"
	"errors"

	"remove-anything/app/model"
)

// ErrResultNotReady 远端报告成功但结果接口尚未就绪时返回。
// 这是远端的已知不一致窗口，调用方应保持任务为 processing 并等待下一轮对账。
var ErrResultNotReady = errors.New("远端结果尚未就绪")

// SubmitPayload 提交任务的参数
type SubmitPayload struct {
	InputURL string            `json:"input_url"`      // 源素材地址
	Params   map[string]string `json:"params,omitempty"` // 类型相关的附加参数
}

// SubmitResult 提交成功后的远端受理信息
type SubmitResult struct {
	ExternalID string // 远端分配的任务ID
}

// TaskResult 远端任务的处理结果
type TaskResult struct {
	OutputURL string // 结果素材地址
}

// ProcessingClient 远端AI计算服务的抽象。
// 所有方法对远端而言都是不透明调用，实现负责处理传输细节。
type ProcessingClient interface {
	// Submit 提交任务，返回远端任务ID
	Submit(ctx context.Context, kind model.TaskKind, payload SubmitPayload) (*SubmitResult, error)
	// GetStatus 查询远端原始状态值，词汇表因服务商而异
	GetStatus(ctx context.Context, externalID string) (string, error)
	// GetResult 获取处理结果，结果未就绪时返回 ErrResultNotReady
	GetResult(ctx context.Context, externalID string) (*TaskResult, error)
	// Cancel 请求远端取消任务，尽力而为
	Cancel(ctx context.Context, externalID string) error
}
