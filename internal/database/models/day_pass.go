// Package models 数据模型 - 日票
package models

import (
	"fmt"
	"time"
)

// DayPass 日票额度表，只增不删，作为审计记录
type DayPass struct {
	ID          int64      `gorm:"column:id;primaryKey" json:"id"`
	MemberID    int64      `gorm:"column:member_id;index;not null" json:"member_id"`
	AllowedUses int        `gorm:"column:allowed_uses;not null" json:"allowed_uses"`
	UsedCount   int        `gorm:"column:used_count;not null;default:0" json:"used_count"`
	ExpiresAt   *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (DayPass) TableName() string {
	return "day_passes"
}

// Remaining 剩余次数
func (p *DayPass) Remaining() int {
	if p.UsedCount >= p.AllowedUses {
		return 0
	}
	return p.AllowedUses - p.UsedCount
}

// Usable 在 now 时刻是否仍可使用
func (p *DayPass) Usable(now time.Time) bool {
	if p.Remaining() == 0 {
		return false
	}
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}

// Validate 校验从数据库读出的行
func (p *DayPass) Validate() error {
	if p.ID <= 0 || p.MemberID <= 0 {
		return fmt.Errorf("%w: day_pass id=%d 缺少 id 或 member_id", ErrMalformedRow, p.ID)
	}
	if p.AllowedUses < 1 || p.UsedCount < 0 || p.UsedCount > p.AllowedUses {
		return fmt.Errorf("%w: day_pass id=%d 次数非法 %d/%d", ErrMalformedRow, p.ID, p.UsedCount, p.AllowedUses)
	}
	return nil
}
