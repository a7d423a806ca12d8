package provider

import (
	"strings"

	"remove-anything/app/model"
)

// MapRemoteStatus 把远端状态词汇映射到本地五态状态机。
// 不同服务商对同一逻辑状态有多种拼写（SUCCESS / succeeded / RUNNING 等），
// 统一做大小写不敏感匹配；无法识别但表示仍在执行的值一律归为 processing。
func MapRemoteStatus(raw string) model.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeed", "succeeded", "completed", "complete", "finished", "done":
		return model.TaskStatusSucceeded
	case "failed", "fail", "error", "errored", "cancelled", "canceled", "timeout", "aborted":
		return model.TaskStatusFailed
	default:
		// queued / running / processing / in_progress 及其它未知的进行中状态
		return model.TaskStatusProcessing
	}
}
