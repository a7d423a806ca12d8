package model

import (
	"time"
)

// UserCredit 用户积分余额
type UserCredit struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	UserID    uint      `json:"user_id" gorm:"not null;uniqueIndex;comment:所属用户ID"`
	Balance   int64     `json:"balance" gorm:"default:0;comment:当前积分余额"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (UserCredit) TableName() string {
	return "user_credits"
}

// CreditLedger 积分流水，只追加不修改。
// task_record_id 上的唯一索引保证每个成功任务最多产生一条扣费记录。
type CreditLedger struct {
	ID           uint      `json:"id" gorm:"primarykey"`
	UserID       uint      `json:"user_id" gorm:"not null;index;comment:所属用户ID"`
	TaskRecordID *uint     `json:"task_record_id" gorm:"uniqueIndex;comment:关联的任务记录ID"`
	Amount       int64     `json:"amount" gorm:"not null;comment:变动数额，扣费为负"`
	Balance      int64     `json:"balance" gorm:"not null;comment:变动后的余额"`
	Remark       string    `json:"remark" gorm:"size:200;comment:备注"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 指定表名
func (CreditLedger) TableName() string {
	return "credit_ledgers"
}
