package database

import (
	"remove-anything/app/model"

	"gorm.io/gorm"
)

// AutoMigrate 自动迁移表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.TaskRecord{},
		&model.RetryQueueEntry{},
		&model.UserCredit{},
		&model.CreditLedger{},
	)
}
