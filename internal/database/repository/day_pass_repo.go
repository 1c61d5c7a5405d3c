// Package repository 日票数据仓库
package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/smysle/doorkeeper/internal/database"
	"github.com/smysle/doorkeeper/internal/database/models"
)

// DayPassRepository 日票仓库
type DayPassRepository struct {
	db *gorm.DB
}

// NewDayPassRepository 创建日票仓库
func NewDayPassRepository() *DayPassRepository {
	return &DayPassRepository{db: database.GetDB()}
}

// Create 创建日票额度
func (r *DayPassRepository) Create(ctx context.Context, p *models.DayPass) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// FindUsable 查找会员当前可用的日票
// 优先最早到期的池（无到期时间的排最后），同到期时间取最早创建的；没有返回 nil, nil
func (r *DayPassRepository) FindUsable(ctx context.Context, memberID int64, now time.Time) (*models.DayPass, error) {
	var p models.DayPass
	err := r.db.WithContext(ctx).
		Where("member_id = ? AND used_count < allowed_uses", memberID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("expires_at IS NULL ASC").
		Order("expires_at ASC").
		Order("id ASC").
		First(&p).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListByMember 获取会员的全部日票记录
func (r *DayPassRepository) ListByMember(ctx context.Context, memberID int64) ([]models.DayPass, error) {
	var passes []models.DayPass
	err := r.db.WithContext(ctx).Where("member_id = ?", memberID).Order("id DESC").Find(&passes).Error
	return passes, err
}
