// Package models 数据模型 - 会员
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRow 数据库行字段缺失或非法
var ErrMalformedRow = errors.New("数据行格式错误")

// MemberType 会员类型
type MemberType string

const (
	MemberFull    MemberType = "full"    // 正式会员，拥有永久密码
	MemberDayPass MemberType = "daypass" // 日票会员
)

// Member 会员表
type Member struct {
	ID               int64      `gorm:"column:id;primaryKey" json:"id"`
	Name             string     `gorm:"column:name;size:255;not null" json:"name"`
	Email            *string    `gorm:"column:email;size:255" json:"email,omitempty"`
	TelegramUsername *string    `gorm:"column:telegram_username;size:64;uniqueIndex" json:"telegram_username,omitempty"`
	MemberType       MemberType `gorm:"column:member_type;size:16;not null;default:'daypass'" json:"member_type"`
	PinCode          *string    `gorm:"column:pin_code;size:8" json:"pin_code,omitempty"`
	PinCodeSlot      *int       `gorm:"column:pin_code_slot;uniqueIndex" json:"pin_code_slot,omitempty"`
	IsAdmin          bool       `gorm:"column:is_admin;default:false" json:"is_admin"`
	Disabled         bool       `gorm:"column:disabled;default:false" json:"disabled"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 表名
func (Member) TableName() string {
	return "members"
}

// IsFull 是否是正式会员
func (m *Member) IsFull() bool {
	return m.MemberType == MemberFull
}

// HasSlot 是否已分配永久槽位
func (m *Member) HasSlot() bool {
	return m.PinCodeSlot != nil && *m.PinCodeSlot > 0
}

// HasPin 是否已设置永久密码
func (m *Member) HasPin() bool {
	return m.PinCode != nil && *m.PinCode != ""
}

// ShouldHoldPin 该会员的密码是否应当存在于门锁上
func (m *Member) ShouldHoldPin() bool {
	return m.HasSlot() && m.HasPin() && !m.Disabled
}

// Handle Telegram 用户名，未绑定返回空串
func (m *Member) Handle() string {
	if m.TelegramUsername == nil {
		return ""
	}
	return *m.TelegramUsername
}

// Validate 校验从数据库读出的行
func (m *Member) Validate() error {
	if m.ID <= 0 || m.Name == "" {
		return fmt.Errorf("%w: member id=%d 缺少 id 或 name", ErrMalformedRow, m.ID)
	}
	if m.MemberType != MemberFull && m.MemberType != MemberDayPass {
		return fmt.Errorf("%w: member id=%d 未知类型 %q", ErrMalformedRow, m.ID, m.MemberType)
	}
	if m.PinCodeSlot != nil && *m.PinCodeSlot <= 0 {
		return fmt.Errorf("%w: member id=%d 槽位 %d 无效", ErrMalformedRow, m.ID, *m.PinCodeSlot)
	}
	return nil
}
