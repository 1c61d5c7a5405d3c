// Package repository 临时门禁码数据仓库
package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/smysle/doorkeeper/internal/database"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/pkg/logger"
)

// DayCodeRepository 临时门禁码仓库
type DayCodeRepository struct {
	db *gorm.DB
}

// NewDayCodeRepository 创建临时门禁码仓库
func NewDayCodeRepository() *DayCodeRepository {
	return &DayCodeRepository{db: database.GetDB()}
}

// Issue 写入一条有效门禁码；passID 非空时在同一事务内扣减日票
// 槽位冲突返回 ErrSlotTaken，日票已被并发用完返回 ErrPassExhausted
func (r *DayCodeRepository) Issue(ctx context.Context, code *models.DayCode, passID *int64) error {
	slot := code.PinSlot
	code.ActiveSlot = &slot
	code.IsActive = true

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(code).Error; err != nil {
			return translateDuplicate(err)
		}
		if passID == nil {
			return nil
		}
		result := tx.Model(&models.DayPass{}).
			Where("id = ? AND used_count < allowed_uses", *passID).
			Update("used_count", gorm.Expr("used_count + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrPassExhausted
		}
		return nil
	})
}

// GetByID 根据 ID 获取，不存在返回 nil, nil
func (r *DayCodeRepository) GetByID(ctx context.Context, id int64) (*models.DayCode, error) {
	var c models.DayCode
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetActiveBySlot 获取占用指定槽位的有效码，不存在返回 nil, nil
func (r *DayCodeRepository) GetActiveBySlot(ctx context.Context, slot int) (*models.DayCode, error) {
	var c models.DayCode
	err := r.db.WithContext(ctx).Where("is_active = ? AND pin_slot = ?", true, slot).First(&c).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveSlots 当前被有效码占用的槽位
func (r *DayCodeRepository) ActiveSlots(ctx context.Context) ([]int, error) {
	var slots []int
	err := r.db.WithContext(ctx).Model(&models.DayCode{}).
		Where("is_active = ?", true).
		Pluck("pin_slot", &slots).Error
	return slots, err
}

// ActiveForMember 会员当前未过期的有效码，没有返回 nil, nil
func (r *DayCodeRepository) ActiveForMember(ctx context.Context, memberID int64, now time.Time) (*models.DayCode, error) {
	var c models.DayCode
	err := r.db.WithContext(ctx).
		Where("member_id = ? AND is_active = ? AND expires_at > ?", memberID, true, now).
		Order("expires_at DESC").
		First(&c).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListActive 分页获取有效码，按到期时间升序
func (r *DayCodeRepository) ListActive(ctx context.Context, offset, limit int) ([]models.DayCode, int64, error) {
	var codes []models.DayCode
	var total int64

	query := r.db.WithContext(ctx).Model(&models.DayCode{}).Where("is_active = ?", true)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.Preload("Member").
		Order("expires_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&codes).Error
	if err != nil {
		return nil, 0, err
	}
	valid, rejected := splitCodes(codes)
	for _, row := range rejected {
		logger.Warn().Err(row.Err).Int64("code_id", row.ID).Msg("有效码列表跳过格式错误的记录")
	}
	return valid, total, nil
}

// ListActiveUnexpired 获取所有未过期的有效码（带会员），格式错误的行单独返回
func (r *DayCodeRepository) ListActiveUnexpired(ctx context.Context, now time.Time) ([]models.DayCode, []RejectedRow, error) {
	var codes []models.DayCode
	err := r.db.WithContext(ctx).
		Preload("Member").
		Where("is_active = ? AND expires_at > ?", true, now).
		Order("pin_slot ASC").
		Find(&codes).Error
	if err != nil {
		return nil, nil, err
	}
	valid, rejected := splitCodes(codes)
	return valid, rejected, nil
}

// FindExpired 获取已过期但仍有效的码，格式错误的行单独返回
func (r *DayCodeRepository) FindExpired(ctx context.Context, now time.Time) ([]models.DayCode, []RejectedRow, error) {
	var codes []models.DayCode
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND expires_at < ?", true, now).
		Order("expires_at ASC").
		Find(&codes).Error
	if err != nil {
		return nil, nil, err
	}
	valid, rejected := splitCodes(codes)
	return valid, rejected, nil
}

// ListActiveForMember 会员名下所有有效码
func (r *DayCodeRepository) ListActiveForMember(ctx context.Context, memberID int64) ([]models.DayCode, []RejectedRow, error) {
	var codes []models.DayCode
	err := r.db.WithContext(ctx).
		Where("member_id = ? AND is_active = ?", memberID, true).
		Order("pin_slot ASC").
		Find(&codes).Error
	if err != nil {
		return nil, nil, err
	}
	valid, rejected := splitCodes(codes)
	return valid, rejected, nil
}

// CountExpired 统计已过期但仍有效的码
func (r *DayCodeRepository) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.DayCode{}).
		Where("is_active = ? AND expires_at < ?", true, now).
		Count(&count).Error
	return count, err
}

// Deactivate 将码置为失效，返回是否确实发生了变更
func (r *DayCodeRepository) Deactivate(ctx context.Context, id int64, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.DayCode{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":   false,
			"active_slot": nil,
			"revoked_at":  at,
		})
	return result.RowsAffected > 0, result.Error
}
