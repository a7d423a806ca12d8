package service

import (
	"context"
	"errors"
	"remove-anything/app/logger"
	"remove-anything/app/model"
	"remove-anything/app/provider"
	"time"

	"gorm.io/gorm"
)

// 终态失败信息，区分"远端处理失败"和"本地放弃等待"
const (
	failMsgRemoteDefault = "远端处理失败"
	failMsgWatchTimeout  = "处理超时，系统已停止等待"
	failMsgCancelled     = "任务已被用户取消"
)

// Reconciler 状态对账器。
// 轮询、回调、定时批处理三条路径都汇聚到这里，所有更新都是
// "仅非终态可变更"的受保护写入，因此并发重入是安全的。
type Reconciler struct {
	db      *gorm.DB
	client  provider.ProcessingClient
	billing *BillingService
	preview *PreviewService
	logger  *logger.Logger
}

// NewReconciler 创建状态对账器，preview 可以为 nil
func NewReconciler(db *gorm.DB, client provider.ProcessingClient, billing *BillingService, preview *PreviewService, log *logger.Logger) *Reconciler {
	return &Reconciler{
		db:      db,
		client:  client,
		billing: billing,
		preview: preview,
		logger:  log,
	}
}

// Reconcile 拉取远端状态并应用到本地记录。
// 终态记录直接返回不做任何操作；瞬时的远端查询错误不改变本地状态，
// 等下一轮轮询或定时批处理自然重试。
func (r *Reconciler) Reconcile(ctx context.Context, taskID uint) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	if err := r.db.First(&rec, taskID).Error; err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		return &rec, nil
	}
	if !rec.HasExternalID() {
		// 远端尚未受理，等重试队列重放提交
		return &rec, nil
	}

	raw, err := r.client.GetStatus(ctx, *rec.ExternalID)
	if err != nil {
		r.logger.Warnf("查询远端状态失败，保持本地状态不变: taskId=%d err=%v", rec.ID, err)
		return &rec, nil
	}

	return r.apply(ctx, &rec, raw, "", "")
}

// ApplyRemote 应用一次远端推送的状态（回调路径）。
// 与轮询路径共用同一套更新逻辑，避免两条路径竞争出不一致状态。
func (r *Reconciler) ApplyRemote(ctx context.Context, rec *model.TaskRecord, rawStatus, outputURL, errMsg string) (*model.TaskRecord, error) {
	if rec.IsTerminal() {
		return rec, nil
	}
	return r.apply(ctx, rec, rawStatus, outputURL, errMsg)
}

// apply 把远端状态映射到本地状态机并落库
func (r *Reconciler) apply(ctx context.Context, rec *model.TaskRecord, rawStatus, outputURL, errMsg string) (*model.TaskRecord, error) {
	switch provider.MapRemoteStatus(rawStatus) {
	case model.TaskStatusSucceeded:
		if outputURL == "" {
			// 远端报成功后还需要单独取结果
			result, err := r.client.GetResult(ctx, *rec.ExternalID)
			if errors.Is(err, provider.ErrResultNotReady) {
				// 远端先报成功但结果接口仍在执行中：不能降级为失败，
				// 也不能没有产出就标记成功，保持 processing 等下一轮
				r.logger.Infof("远端报告成功但结果未就绪，保持处理中: taskId=%d", rec.ID)
				return r.markProcessing(rec.ID)
			}
			if err != nil {
				r.logger.Warnf("获取远端结果失败，保持本地状态不变: taskId=%d err=%v", rec.ID, err)
				return rec, nil
			}
			outputURL = result.OutputURL
		}
		return r.markSucceeded(rec, outputURL)

	case model.TaskStatusFailed:
		if errMsg == "" {
			errMsg = failMsgRemoteDefault
		}
		r.MarkFailed(rec.ID, errMsg)
		return r.reload(rec.ID)

	default:
		// 进行中（含 queued/running 等所有变体）
		return r.markProcessing(rec.ID)
	}
}

// markProcessing 把非终态记录推进到 processing，开始时间只写一次
func (r *Reconciler) markProcessing(taskID uint) (*model.TaskRecord, error) {
	now := time.Now()
	err := r.db.Model(&model.TaskRecord{}).
		Where("id = ? AND status IN ?", taskID, model.NonTerminalStatuses()).
		Updates(map[string]any{
			"status":             model.TaskStatusProcessing,
			"execute_started_at": gorm.Expr("COALESCE(execute_started_at, ?)", now),
		}).Error
	if err != nil {
		return nil, err
	}
	return r.reload(taskID)
}

// markSucceeded 成功转换：写结果、结束时间并在同一事务内扣费。
// 受保护更新只会有一方的 RowsAffected 大于0，扣费因此只执行一次；
// 扣费失败不回滚状态转换，只记录日志等待人工对账。
func (r *Reconciler) markSucceeded(rec *model.TaskRecord, outputURL string) (*model.TaskRecord, error) {
	now := time.Now()
	var won bool
	var billingErr error

	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.TaskRecord{}).
			Where("id = ? AND status IN ?", rec.ID, model.NonTerminalStatuses()).
			Updates(map[string]any{
				"status":             model.TaskStatusSucceeded,
				"output_url":         outputURL,
				"error_message":      "",
				"execute_started_at": gorm.Expr("COALESCE(execute_started_at, ?)", now),
				"execute_ended_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 另一条路径已抢先落终态，本次无操作
			return nil
		}
		won = true

		if err := r.billing.ChargeOnSuccess(tx, rec); err != nil {
			// 扣费失败不能让已完成的任务回退，记下来走人工对账
			billingErr = err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if billingErr != nil {
		r.logger.Errorf("任务已成功但积分扣费失败，待人工对账: taskId=%d err=%v", rec.ID, billingErr)
	}

	updated, rerr := r.reload(rec.ID)
	if rerr != nil {
		return nil, rerr
	}

	if won {
		r.logger.Infof("任务处理成功: taskId=%d kind=%s output=%s", rec.ID, rec.Kind, outputURL)
		r.generatePreview(updated)
	}
	return updated, nil
}

// MarkFailed 把非终态记录落为失败，返回是否发生了状态变更。
// 用于取消、Watcher 超时和远端报告失败，已终态的记录不受影响。
func (r *Reconciler) MarkFailed(taskID uint, errMsg string) bool {
	now := time.Now()
	res := r.db.Model(&model.TaskRecord{}).
		Where("id = ? AND status IN ?", taskID, model.NonTerminalStatuses()).
		Updates(map[string]any{
			"status":           model.TaskStatusFailed,
			"error_message":    errMsg,
			"execute_ended_at": now,
		})
	if res.Error != nil {
		r.logger.Errorf("标记任务失败时出错: taskId=%d err=%v", taskID, res.Error)
		return false
	}
	if res.RowsAffected > 0 {
		r.logger.Infof("任务已标记失败: taskId=%d reason=%s", taskID, errMsg)
	}
	return res.RowsAffected > 0
}

// generatePreview 为匿名图片任务异步生成水印预览图
func (r *Reconciler) generatePreview(rec *model.TaskRecord) {
	if r.preview == nil || rec.UserID != nil || !rec.Kind.IsImage() {
		return
	}

	go func(rec model.TaskRecord) {
		previewURL, err := r.preview.Generate(&rec)
		if err != nil {
			r.logger.Warnf("生成预览图失败: taskId=%d err=%v", rec.ID, err)
			return
		}
		if err := r.db.Model(&model.TaskRecord{}).Where("id = ?", rec.ID).
			Update("preview_url", previewURL).Error; err != nil {
			r.logger.Errorf("写入预览图地址失败: taskId=%d err=%v", rec.ID, err)
		}
	}(*rec)
}

// reload 重新读取任务记录
func (r *Reconciler) reload(taskID uint) (*model.TaskRecord, error) {
	var rec model.TaskRecord
	if err := r.db.First(&rec, taskID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
