package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"

	"resty.dev/v3"
)

// 远端工作流服务的业务码
const (
	codeOK            = 0   // 成功
	codeTaskIsRunning = 804 // 任务仍在执行，结果尚未产出
)

// workflowResp 工作流服务统一响应格式
type workflowResp[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

// workflowCreateData 创建任务响应数据
type workflowCreateData struct {
	TaskID     string `json:"taskId"`
	TaskStatus string `json:"taskStatus"`
}

// workflowOutput 任务产出文件
type workflowOutput struct {
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
}

// WorkflowClient 基于HTTP工作流服务的 ProcessingClient 实现。
// 每种任务类型对应一个远端工作流ID，由配置提供。
type WorkflowClient struct {
	cfg    config.ProviderConfig
	client *resty.Client
	logger *logger.Logger
}

// NewWorkflowClient 创建工作流客户端
func NewWorkflowClient(cfg config.ProviderConfig, log *logger.Logger) *WorkflowClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json")

	return &WorkflowClient{
		cfg:    cfg,
		client: client,
		logger: log,
	}
}

// Close 释放底层HTTP客户端
func (w *WorkflowClient) Close() error {
	return w.client.Close()
}

// Submit 提交任务到远端工作流
func (w *WorkflowClient) Submit(ctx context.Context, kind model.TaskKind, payload SubmitPayload) (*SubmitResult, error) {
	workflowID, ok := w.cfg.Workflows[string(kind)]
	if !ok || workflowID == "" {
		return nil, fmt.Errorf("任务类型 %s 未配置远端工作流", kind)
	}

	body := map[string]any{
		"apiKey":     w.cfg.APIKey,
		"workflowId": workflowID,
		"inputUrl":   payload.InputURL,
	}
	if len(payload.Params) > 0 {
		body["params"] = payload.Params
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/task/openapi/create")
	if err != nil {
		return nil, fmt.Errorf("提交远端任务失败: %w", err)
	}

	var created workflowResp[workflowCreateData]
	if err := json.Unmarshal([]byte(resp.String()), &created); err != nil {
		return nil, fmt.Errorf("解析提交响应失败: %w", err)
	}
	if created.Code != codeOK {
		return nil, fmt.Errorf("远端拒绝任务: code=%d msg=%s", created.Code, created.Msg)
	}
	if created.Data.TaskID == "" {
		return nil, fmt.Errorf("远端未返回任务ID")
	}

	w.logger.Debugf("远端已受理任务: kind=%s externalId=%s status=%s", kind, created.Data.TaskID, created.Data.TaskStatus)
	return &SubmitResult{ExternalID: created.Data.TaskID}, nil
}

// GetStatus 查询远端任务状态
func (w *WorkflowClient) GetStatus(ctx context.Context, externalID string) (string, error) {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"apiKey": w.cfg.APIKey,
			"taskId": externalID,
		}).
		Post("/task/openapi/status")
	if err != nil {
		return "", fmt.Errorf("查询远端状态失败: %w", err)
	}

	var status workflowResp[string]
	if err := json.Unmarshal([]byte(resp.String()), &status); err != nil {
		return "", fmt.Errorf("解析状态响应失败: %w", err)
	}
	if status.Code != codeOK {
		return "", fmt.Errorf("查询状态被拒绝: code=%d msg=%s", status.Code, status.Msg)
	}

	return status.Data, nil
}

// GetResult 获取远端任务的产出。
// 远端可能先报告成功、结果接口仍返回执行中，此时返回 ErrResultNotReady。
func (w *WorkflowClient) GetResult(ctx context.Context, externalID string) (*TaskResult, error) {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"apiKey": w.cfg.APIKey,
			"taskId": externalID,
		}).
		Post("/task/openapi/outputs")
	if err != nil {
		return nil, fmt.Errorf("获取远端结果失败: %w", err)
	}

	var outputs workflowResp[[]workflowOutput]
	if err := json.Unmarshal([]byte(resp.String()), &outputs); err != nil {
		return nil, fmt.Errorf("解析结果响应失败: %w", err)
	}
	if outputs.Code == codeTaskIsRunning {
		return nil, ErrResultNotReady
	}
	if outputs.Code != codeOK {
		return nil, fmt.Errorf("获取结果被拒绝: code=%d msg=%s", outputs.Code, outputs.Msg)
	}
	if len(outputs.Data) == 0 || outputs.Data[0].FileURL == "" {
		return nil, ErrResultNotReady
	}

	return &TaskResult{OutputURL: outputs.Data[0].FileURL}, nil
}

// Cancel 请求远端取消任务，失败只记录日志由调用方决定
func (w *WorkflowClient) Cancel(ctx context.Context, externalID string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"apiKey": w.cfg.APIKey,
			"taskId": externalID,
		}).
		Post("/task/openapi/cancel")
	if err != nil {
		return fmt.Errorf("请求远端取消失败: %w", err)
	}

	var cancel workflowResp[any]
	if err := json.Unmarshal([]byte(resp.String()), &cancel); err != nil {
		return fmt.Errorf("解析取消响应失败: %w", err)
	}
	if cancel.Code != codeOK {
		return fmt.Errorf("远端取消被拒绝: code=%d msg=%s", cancel.Code, cancel.Msg)
	}
	return nil
}
