// Package models 数据模型 - 临时门禁码
package models

import (
	"fmt"
	"time"
)

// DayCode 临时门禁码表
//
// ActiveSlot 在有效期间等于 PinSlot，失效后置 NULL；
// 唯一索引保证同一槽位最多一个有效码。
type DayCode struct {
	ID         int64      `gorm:"column:id;primaryKey" json:"id"`
	DayPassID  *int64     `gorm:"column:day_pass_id;index" json:"day_pass_id,omitempty"`
	MemberID   *int64     `gorm:"column:member_id;index" json:"member_id,omitempty"`
	Label      *string    `gorm:"column:label;size:255" json:"label,omitempty"`
	Code       string     `gorm:"column:code;size:8;not null" json:"code"`
	PinSlot    int        `gorm:"column:pin_slot;not null" json:"pin_slot"`
	ActiveSlot *int       `gorm:"column:active_slot;uniqueIndex" json:"-"`
	IssuedAt   time.Time  `gorm:"column:issued_at;not null" json:"issued_at"`
	ExpiresAt  time.Time  `gorm:"column:expires_at;index;not null" json:"expires_at"`
	RevokedAt  *time.Time `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	IsActive   bool       `gorm:"column:is_active;index;default:true" json:"is_active"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at" json:"updated_at"`

	Member *Member `gorm:"foreignKey:MemberID" json:"member,omitempty"`
}

// TableName 表名
func (DayCode) TableName() string {
	return "day_codes"
}

// IsExpired 在 now 时刻是否已过期
func (c *DayCode) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// Description 列表展示用描述：标签 > 会员名 > 匿名
func (c *DayCode) Description() string {
	if c.Label != nil && *c.Label != "" {
		return *c.Label
	}
	if c.Member != nil && c.Member.Name != "" {
		return c.Member.Name
	}
	return "(anonymous)"
}

// Validate 校验从数据库读出的行
func (c *DayCode) Validate() error {
	if c.ID <= 0 || c.Code == "" || c.PinSlot <= 0 {
		return fmt.Errorf("%w: day_code id=%d 缺少 code 或 pin_slot", ErrMalformedRow, c.ID)
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: day_code id=%d 缺少 expires_at", ErrMalformedRow, c.ID)
	}
	return nil
}
