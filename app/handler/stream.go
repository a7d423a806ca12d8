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
	"gorm.io/gorm"
)

// StreamHandler 任务状态的SSE推送处理器
type StreamHandler struct {
	config     *config.Config
	logger     *logger.Logger
	tasks      *service.TaskService
	reconciler *service.Reconciler
}

// NewStreamHandler 创建推送处理器
func NewStreamHandler(cfg *config.Config, log *logger.Logger, tasks *service.TaskService, reconciler *service.Reconciler) *StreamHandler {
	return &StreamHandler{
		config:     cfg,
		logger:     log,
		tasks:      tasks,
		reconciler: reconciler,
	}
}

// streamEvent 单次推送的内容
type streamEvent struct {
	Status       string `json:"status"`
	OutputURL    string `json:"output_url,omitempty"`
	PreviewURL   string `json:"preview_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func eventOf(rec *model.TaskRecord) streamEvent {
	return streamEvent{
		Status:       string(rec.Status),
		OutputURL:    rec.OutputURL,
		PreviewURL:   rec.PreviewURL,
		ErrorMessage: rec.ErrorMessage,
	}
}

// StreamTask 打开单个任务的状态推送通道。
// 打开时立即对账并推送一次；非终态则按固定间隔重复对账，
// 状态变化时推送事件，到终态、超过最长时长或客户端断开时关闭。
// 所有退出路径都会释放定时器，避免被放弃的连接泄漏轮询。
func (h *StreamHandler) StreamTask(c *gin.Context) {
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

	ctx := c.Request.Context()

	emit := func(ev streamEvent) {
		c.SSEvent("status", ev)
		c.Writer.Flush()
	}

	sseHeaders := func() {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
	}

	// 已终态的任务直接推送终态事件并关闭，不再打扰远端
	if rec.IsTerminal() {
		sseHeaders()
		emit(eventOf(rec))
		return
	}

	rec, err = h.reconciler.Reconcile(ctx, rec.ID)
	if err != nil {
		h.logger.Warnf("推送通道首次对账失败: code=%s err=%v", code, err)
		failure(c, http.StatusInternalServerError, 500, "查询任务失败")
		return
	}

	sseHeaders()
	last := eventOf(rec)
	emit(last)
	if rec.IsTerminal() {
		return
	}

	ticker := time.NewTicker(h.config.Stream.Interval())
	defer ticker.Stop()
	deadline := time.NewTimer(h.config.Stream.MaxDuration())
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			// 客户端断开
			return

		case <-deadline.C:
			// 超过通道最长时长：推送 timeout 事件后关闭，
			// 任务本身交给 Watcher 和定时批处理继续跟进
			c.SSEvent("timeout", gin.H{"message": "推送通道已超时，请改用轮询查询"})
			c.Writer.Flush()
			return

		case <-ticker.C:
			rec, err = h.reconciler.Reconcile(ctx, rec.ID)
			if err != nil {
				h.logger.Warnf("推送通道对账失败: code=%s err=%v", code, err)
				continue
			}
			ev := eventOf(rec)
			if ev != last {
				last = ev
				emit(ev)
			}
			if rec.IsTerminal() {
				return
			}
		}
	}
}
