package handler

import (
	"net/http"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/service"

	"github.com/gin-gonic/gin"
)

// CronHandler 定时批处理的外部触发入口
type CronHandler struct {
	config *config.Config
	logger *logger.Logger
	cron   *service.CronService
}

// NewCronHandler 创建触发处理器
func NewCronHandler(cfg *config.Config, log *logger.Logger, cron *service.CronService) *CronHandler {
	return &CronHandler{
		config: cfg,
		logger: log,
		cron:   cron,
	}
}

// Trigger 由外部调度器触发一轮批处理。
// 与内部调度执行同一套幂等逻辑，触发频繁也不会重复处理。
func (h *CronHandler) Trigger(c *gin.Context) {
	secret := h.config.Cron.TriggerSecret
	if secret != "" {
		got := c.Query("secret")
		if got == "" {
			got = c.GetHeader("X-Cron-Secret")
		}
		if got != secret {
			failure(c, http.StatusUnauthorized, 401, "触发密钥错误")
			return
		}
	}

	result := h.cron.RunSweep(c.Request.Context())
	h.logger.Infof("外部触发批处理完成: processed=%d synced=%d", result.Processed, result.Synced)
	success(c, result, "批处理完成")
}
