// Package repository 会员数据仓库
package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/smysle/doorkeeper/internal/database"
	"github.com/smysle/doorkeeper/internal/database/models"
)

// MemberRepository 会员仓库
type MemberRepository struct {
	db *gorm.DB
}

// NewMemberRepository 创建会员仓库
func NewMemberRepository() *MemberRepository {
	return &MemberRepository{db: database.GetDB()}
}

// Create 创建会员
func (r *MemberRepository) Create(ctx context.Context, m *models.Member) error {
	return translateDuplicate(r.db.WithContext(ctx).Create(m).Error)
}

// GetByID 根据 ID 获取会员，不存在返回 nil, nil
func (r *MemberRepository) GetByID(ctx context.Context, id int64) (*models.Member, error) {
	var m models.Member
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByTelegram 根据 Telegram 用户名获取会员（需带 @），不存在返回 nil, nil
func (r *MemberRepository) GetByTelegram(ctx context.Context, handle string) (*models.Member, error) {
	var m models.Member
	err := r.db.WithContext(ctx).Where("telegram_username = ?", handle).First(&m).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateFields 更新指定字段
func (r *MemberRepository) UpdateFields(ctx context.Context, id int64, updates map[string]interface{}) error {
	return translateDuplicate(r.db.WithContext(ctx).Model(&models.Member{}).Where("id = ?", id).Updates(updates).Error)
}

// MaxPinSlot 已分配的最大永久槽位，没有则返回 0
func (r *MemberRepository) MaxPinSlot(ctx context.Context) (int, error) {
	var max *int
	err := r.db.WithContext(ctx).Model(&models.Member{}).
		Where("pin_code_slot IS NOT NULL").
		Select("MAX(pin_code_slot)").
		Scan(&max).Error
	if err != nil || max == nil {
		return 0, err
	}
	return *max, nil
}

// ListWithSlot 获取所有已分配槽位的会员，格式错误的行单独返回
func (r *MemberRepository) ListWithSlot(ctx context.Context) ([]models.Member, []RejectedRow, error) {
	var members []models.Member
	err := r.db.WithContext(ctx).
		Where("pin_code_slot IS NOT NULL").
		Order("pin_code_slot ASC").
		Find(&members).Error
	if err != nil {
		return nil, nil, err
	}
	valid := members[:0]
	var rejected []RejectedRow
	for i := range members {
		if err := members[i].Validate(); err != nil {
			rejected = append(rejected, RejectedRow{ID: members[i].ID, Err: err})
			continue
		}
		valid = append(valid, members[i])
	}
	return valid, rejected, nil
}

// List 分页获取会员列表（按名字排序）
func (r *MemberRepository) List(ctx context.Context, offset, limit int) ([]models.Member, int64, error) {
	var members []models.Member
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Member{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Order("name ASC").Offset(offset).Limit(limit).Find(&members).Error
	return members, total, err
}

// ListAdmins 获取所有管理员
func (r *MemberRepository) ListAdmins(ctx context.Context) ([]models.Member, error) {
	var members []models.Member
	err := r.db.WithContext(ctx).Where("is_admin = ?", true).Order("name ASC").Find(&members).Error
	return members, err
}

// CountAdmins 统计管理员数量
func (r *MemberRepository) CountAdmins(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Member{}).Where("is_admin = ?", true).Count(&count).Error
	return count, err
}

// GetBySlot 根据永久槽位获取会员，不存在返回 nil, nil
func (r *MemberRepository) GetBySlot(ctx context.Context, slot int) (*models.Member, error) {
	var m models.Member
	err := r.db.WithContext(ctx).Where("pin_code_slot = ?", slot).First(&m).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
