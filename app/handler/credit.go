package handler

import (
	"net/http"
	"remove-anything/app/database"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/service"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// CreditHandler 积分查询处理器
type CreditHandler struct {
	logger  *logger.Logger
	billing *service.BillingService
}

// NewCreditHandler 创建积分处理器
func NewCreditHandler(log *logger.Logger, billing *service.BillingService) *CreditHandler {
	return &CreditHandler{
		logger:  log,
		billing: billing,
	}
}

// GetCredits 查询当前用户积分余额
func (h *CreditHandler) GetCredits(c *gin.Context) {
	userID := currentUserID(c)
	if userID == nil {
		failure(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	balance, err := h.billing.BalanceFor(database.GetDB(), *userID)
	if err != nil {
		h.logger.Errorf("查询积分余额失败: userId=%d err=%v", *userID, err)
		failure(c, http.StatusInternalServerError, 500, "查询积分失败")
		return
	}

	success(c, gin.H{"balance": balance}, "success")
}

// LedgerEntry 积分流水的对外视图
type LedgerEntry struct {
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
	Remark    string `json:"remark"`
	CreatedAt string `json:"created_at"`
}

// GetLedger 分页查询当前用户的积分流水
func (h *CreditHandler) GetLedger(c *gin.Context) {
	userID := currentUserID(c)
	if userID == nil {
		failure(c, http.StatusUnauthorized, 401, "未认证")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	db := database.GetDB()
	var total int64
	if err := db.Model(&model.CreditLedger{}).Where("user_id = ?", *userID).Count(&total).Error; err != nil {
		failure(c, http.StatusInternalServerError, 500, "查询积分流水失败")
		return
	}

	var entries []model.CreditLedger
	err := db.Where("user_id = ?", *userID).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&entries).Error
	if err != nil {
		failure(c, http.StatusInternalServerError, 500, "查询积分流水失败")
		return
	}

	views := make([]LedgerEntry, 0, len(entries))
	for _, e := range entries {
		views = append(views, LedgerEntry{
			Amount:    e.Amount,
			Balance:   e.Balance,
			Remark:    e.Remark,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	success(c, gin.H{
		"total":     total,
		"page":      page,
		"page_size": pageSize,
		"entries":   views,
	}, "success")
}
