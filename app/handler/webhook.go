package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
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

// WebhookHandler 远端回调处理器
type WebhookHandler struct {
	config     *config.Config
	logger     *logger.Logger
	db         *gorm.DB
	reconciler *service.Reconciler
	// 短时间内重复投递的回调直接吸收，键为 taskId+status
	dedupe *cache.Cache
}

// NewWebhookHandler 创建回调处理器
func NewWebhookHandler(cfg *config.Config, log *logger.Logger, db *gorm.DB, reconciler *service.Reconciler) *WebhookHandler {
	return &WebhookHandler{
		config:     cfg,
		logger:     log,
		db:         db,
		reconciler: reconciler,
		dedupe:     cache.New(5*time.Minute, 10*time.Minute),
	}
}

// TaskCallbackRequest 远端回调请求体
type TaskCallbackRequest struct {
	TaskID    string `json:"taskId" binding:"required"`
	Status    string `json:"status" binding:"required"`
	OutputURL string `json:"outputUrl"`
	ErrorMsg  string `json:"errorMsg"`
	Kind      string `json:"kind"`
}

// TaskCallback 接收远端的任务状态推送。
// 回调只是对轮询的加速，丢失或乱序都由轮询和定时批处理兜底，
// 因此这里对未知任务、重复投递一律回 200，避免远端无意义地重投。
func (h *WebhookHandler) TaskCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		failure(c, http.StatusBadRequest, 400, "读取请求体失败")
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	if !h.verifySignature(c, body) {
		failure(c, http.StatusUnauthorized, 401, "回调签名校验失败")
		return
	}

	var req TaskCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		failure(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	dedupeKey := req.TaskID + ":" + req.Status
	if _, seen := h.dedupe.Get(dedupeKey); seen {
		success(c, gin.H{"duplicate": true}, "回调已处理")
		return
	}

	rec, err := h.findTask(&req)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 未知的远端任务号：可能是本地记录尚未写入外部ID，
			// 回 200 让远端别重投，状态由轮询补齐
			h.logger.Warnf("收到未知任务的回调: externalId=%s status=%s", req.TaskID, req.Status)
			c.JSON(http.StatusOK, ApiResponse{Code: 404, Message: "任务不存在", Data: nil})
			return
		}
		failure(c, http.StatusInternalServerError, 500, "查询任务失败")
		return
	}

	updated, err := h.reconciler.ApplyRemote(c.Request.Context(), rec, req.Status, req.OutputURL, req.ErrorMsg)
	if err != nil {
		// 不记入去重缓存，远端重投时还有机会重新应用
		h.logger.Errorf("应用回调状态失败: externalId=%s err=%v", req.TaskID, err)
		failure(c, http.StatusInternalServerError, 500, "处理回调失败")
		return
	}

	// 只有落到终态才记去重：SUCCESS 回调可能因结果未就绪被暂挂在
	// processing，重投的同状态回调如果带上了产出必须还能被应用
	if updated.IsTerminal() {
		h.dedupe.Set(dedupeKey, struct{}{}, cache.DefaultExpiration)
	}

	h.logger.Infof("回调已应用: externalId=%s remote=%s local=%s", req.TaskID, req.Status, updated.Status)
	success(c, gin.H{"status": updated.Status}, "回调已处理")
}

// verifySignature 校验回调签名。未配置密钥时跳过校验。
func (h *WebhookHandler) verifySignature(c *gin.Context, body []byte) bool {
	secret := h.config.Provider.WebhookSecret
	if secret == "" {
		return true
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	got := c.GetHeader("X-Task-Signature")
	return got != "" && hmac.Equal([]byte(got), []byte(expected))
}

// findTask 按远端任务号定位本地记录，回调带类型时连同类型一起匹配
func (h *WebhookHandler) findTask(req *TaskCallbackRequest) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	query := h.db.Where("external_id = ?", req.TaskID)
	if req.Kind != "" {
		query = query.Where("kind = ?", req.Kind)
	}
	if err := query.First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
