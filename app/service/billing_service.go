package service

import (
	"fmt"
	"remove-anything/app/config"
	"remove-anything/app/logger"
	"remove-anything/app/model"

	"gorm.io/gorm"
)

// BillingService 积分结算服务。
// 扣费只发生在任务确认成功的状态转换里，失败任务永远不扣费。
type BillingService struct {
	cfg    config.BillingConfig
	logger *logger.Logger
}

// NewBillingService 创建积分结算服务
func NewBillingService(cfg config.BillingConfig, log *logger.Logger) *BillingService {
	return &BillingService{
		cfg:    cfg,
		logger: log,
	}
}

// ChargeOnSuccess 在成功状态转换的事务内扣费并追加流水。
// 必须由赢得状态转换的那一方调用（保证每个任务只扣一次），
// credit_ledgers.task_record_id 上的唯一索引是数据库层的兜底。
func (b *BillingService) ChargeOnSuccess(tx *gorm.DB, rec *model.TaskRecord) error {
	if rec.UserID == nil {
		// 匿名任务不扣费，走水印预览
		return nil
	}

	cost := b.cfg.CostFor(string(rec.Kind))
	if cost <= 0 {
		return nil
	}

	var credit model.UserCredit
	if err := tx.Where("user_id = ?", *rec.UserID).First(&credit).Error; err != nil {
		return fmt.Errorf("查询用户积分失败: %w", err)
	}

	credit.Balance -= cost
	if err := tx.Save(&credit).Error; err != nil {
		return fmt.Errorf("扣减积分失败: %w", err)
	}

	ledger := model.CreditLedger{
		UserID:       *rec.UserID,
		TaskRecordID: &rec.ID,
		Amount:       -cost,
		Balance:      credit.Balance,
		Remark:       fmt.Sprintf("任务处理成功扣费: %s", rec.Kind),
	}
	if err := tx.Create(&ledger).Error; err != nil {
		return fmt.Errorf("写入积分流水失败: %w", err)
	}

	b.logger.Infof("积分扣费成功: userId=%d taskId=%d cost=%d balance=%d", *rec.UserID, rec.ID, cost, credit.Balance)
	return nil
}

// GrantInitial 为新注册用户发放初始积分
func (b *BillingService) GrantInitial(db *gorm.DB, userID uint) error {
	if b.cfg.InitialBalance <= 0 {
		return db.Create(&model.UserCredit{UserID: userID}).Error
	}

	return db.Transaction(func(tx *gorm.DB) error {
		credit := model.UserCredit{UserID: userID, Balance: b.cfg.InitialBalance}
		if err := tx.Create(&credit).Error; err != nil {
			return err
		}
		ledger := model.CreditLedger{
			UserID:  userID,
			Amount:  b.cfg.InitialBalance,
			Balance: b.cfg.InitialBalance,
			Remark:  "注册赠送积分",
		}
		return tx.Create(&ledger).Error
	})
}

// BalanceFor 查询用户当前积分余额
func (b *BillingService) BalanceFor(db *gorm.DB, userID uint) (int64, error) {
	var credit model.UserCredit
	if err := db.Where("user_id = ?", userID).First(&credit).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}
	return credit.Balance, nil
}

// HasSufficientBalance 提交前的余额预检，实际扣费仍以成功为准
func (b *BillingService) HasSufficientBalance(db *gorm.DB, userID uint, kind model.TaskKind) (bool, error) {
	cost := b.cfg.CostFor(string(kind))
	if cost <= 0 {
		return true, nil
	}
	balance, err := b.BalanceFor(db, userID)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}
