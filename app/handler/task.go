package handler

import (
	"errors"
	"net/http"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/service"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

const maxBatchSize = 10 // 单次批量提交上限

// TaskHandler 任务相关请求处理器
type TaskHandler struct {
	config    *config.Config
	logger    *logger.Logger
	tasks     *service.TaskService
	queue     *service.TaskQueueManager
	retry     *service.RetryService
	pollCache *cache.Cache
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(cfg *config.Config, log *logger.Logger, tasks *service.TaskService, queue *service.TaskQueueManager, retry *service.RetryService) *TaskHandler {
	return &TaskHandler{
		config: cfg,
		logger: log,
		tasks:  tasks,
		queue:  queue,
		retry:  retry,
		// 轮询响应的短缓存，扛住客户端的高频刷新
		pollCache: cache.New(2*time.Second, time.Minute),
	}
}

// SubmitTaskRequest 提交任务请求
type SubmitTaskRequest struct {
	Kind     string            `json:"kind" binding:"required"`
	InputURL string            `json:"input_url" binding:"required,url"`
	Params   map[string]string `json:"params"`
}

// SubmitBatchRequest 批量提交请求
type SubmitBatchRequest struct {
	Tasks []SubmitTaskRequest `json:"tasks" binding:"required,min=1"`
}

// TaskView 任务状态的对外视图
type TaskView struct {
	TaskCode     string  `json:"task_code"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	OutputURL    string  `json:"output_url,omitempty"`
	PreviewURL   string  `json:"preview_url,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Position     *int    `json:"position,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ExternalID   *string `json:"external_id,omitempty"`
}

// taskView 构建任务视图
func (h *TaskHandler) taskView(rec *model.TaskRecord) TaskView {
	view := TaskView{
		TaskCode:     rec.TaskCode,
		Kind:         string(rec.Kind),
		Status:       string(rec.Status),
		OutputURL:    rec.OutputURL,
		PreviewURL:   rec.PreviewURL,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
		ExternalID:   rec.ExternalID,
	}
	if !rec.IsTerminal() {
		view.Position = h.queue.GetPosition(rec.ID)
	}
	return view
}

// SubmitTask 提交单个处理任务
func (h *TaskHandler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	outcome, err := h.tasks.Submit(c.Request.Context(), service.SubmitInput{
		Kind:     model.TaskKind(req.Kind),
		InputURL: req.InputURL,
		Params:   req.Params,
		UserID:   currentUserID(c),
	})
	if err != nil {
		h.submitError(c, err)
		return
	}

	message := "任务提交成功"
	if outcome.Queued {
		message = "远端暂时不可用，任务已排队等待后台提交"
	}
	success(c, gin.H{
		"task_code": outcome.Record.TaskCode,
		"status":    outcome.Record.Status,
		"queued":    outcome.Queued,
	}, message)
}

// SubmitBatch 批量提交任务，每个条目独立成功或失败
func (h *TaskHandler) SubmitBatch(c *gin.Context) {
	var req SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}
	if len(req.Tasks) > maxBatchSize {
		failure(c, http.StatusBadRequest, 400, "单次批量提交不能超过10个任务")
		return
	}

	userID := currentUserID(c)
	inputs := make([]service.SubmitInput, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		inputs = append(inputs, service.SubmitInput{
			Kind:     model.TaskKind(t.Kind),
			InputURL: t.InputURL,
			Params:   t.Params,
			UserID:   userID,
		})
	}

	results := h.tasks.SubmitBatch(c.Request.Context(), inputs)
	success(c, gin.H{"results": results}, "批量提交完成")
}

// GetTask 查询任务当前状态
func (h *TaskHandler) GetTask(c *gin.Context) {
	code := c.Param("code")

	// 短缓存直接返回，降低高频轮询的数据库压力
	if cached, ok := h.pollCache.Get(code); ok {
		success(c, cached, "success")
		return
	}

	rec, err := h.tasks.FindByCode(code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			failure(c, http.StatusNotFound, 404, "任务不存在")
			return
		}
		failure(c, http.StatusInternalServerError, 500, "查询任务失败")
		return
	}

	view := h.taskView(rec)
	h.pollCache.Set(code, view, cache.DefaultExpiration)
	success(c, view, "success")
}

// CancelTask 取消任务。本地立即生效，远端取消尽力而为。
func (h *TaskHandler) CancelTask(c *gin.Context) {
	code := c.Param("code")

	rec, err := h.tasks.FindByCode(code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			failure(c, http.StatusNotFound, 404, "任务不存在")
			return
		}
		failure(c, http.StatusInternalServerError, 500, "查询任务失败")
		return
	}

	// 有归属用户的任务只允许本人取消
	if rec.UserID != nil {
		userID := currentUserID(c)
		if userID == nil || *userID != *rec.UserID {
			failure(c, http.StatusForbidden, 403, "无权取消此任务")
			return
		}
	}

	accepted := h.queue.Cancel(rec.ID)
	if !accepted {
		success(c, gin.H{"accepted": false}, "任务已结束，无法取消")
		return
	}

	h.pollCache.Delete(code)
	success(c, gin.H{"accepted": true}, "任务已取消")
}

// GetQueueStatus 查询队列状态
func (h *TaskHandler) GetQueueStatus(c *gin.Context) {
	status := h.queue.GetQueueStatus()

	retryPending, err := h.retry.PendingCount()
	if err != nil {
		h.logger.Warnf("查询重试队列深度失败: %v", err)
	}

	success(c, gin.H{
		"running":        status.Running,
		"pending":        status.Pending,
		"max_concurrent": status.MaxConcurrent,
		"retry_pending":  retryPending,
	}, "success")
}

// submitError 把提交错误映射为响应
func (h *TaskHandler) submitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidKind):
		failure(c, http.StatusBadRequest, 400, err.Error())
	case errors.Is(err, service.ErrLoginRequired):
		failure(c, http.StatusUnauthorized, 401, err.Error())
	case errors.Is(err, service.ErrInsufficientBalance):
		failure(c, http.StatusPaymentRequired, 402, err.Error())
	default:
		h.logger.Errorf("任务提交失败: %v", err)
		failure(c, http.StatusInternalServerError, 500, "任务提交失败")
	}
}
