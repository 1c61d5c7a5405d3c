package service

import (
	"context"
	"time"

	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/database/repository"
)

// 以下接口由 repository 包实现；查不到记录时返回 nil, nil

// MemberStore 会员存储
type MemberStore interface {
	Create(ctx context.Context, m *models.Member) error
	GetByID(ctx context.Context, id int64) (*models.Member, error)
	GetByTelegram(ctx context.Context, handle string) (*models.Member, error)
	GetBySlot(ctx context.Context, slot int) (*models.Member, error)
	UpdateFields(ctx context.Context, id int64, updates map[string]interface{}) error
	MaxPinSlot(ctx context.Context) (int, error)
	ListWithSlot(ctx context.Context) ([]models.Member, []repository.RejectedRow, error)
	List(ctx context.Context, offset, limit int) ([]models.Member, int64, error)
	ListAdmins(ctx context.Context) ([]models.Member, error)
	CountAdmins(ctx context.Context) (int64, error)
}

// DayPassStore 日票存储
type DayPassStore interface {
	Create(ctx context.Context, p *models.DayPass) error
	FindUsable(ctx context.Context, memberID int64, now time.Time) (*models.DayPass, error)
	ListByMember(ctx context.Context, memberID int64) ([]models.DayPass, error)
}

// DayCodeStore 临时门禁码存储
type DayCodeStore interface {
	Issue(ctx context.Context, code *models.DayCode, passID *int64) error
	GetByID(ctx context.Context, id int64) (*models.DayCode, error)
	GetActiveBySlot(ctx context.Context, slot int) (*models.DayCode, error)
	ActiveSlots(ctx context.Context) ([]int, error)
	ActiveForMember(ctx context.Context, memberID int64, now time.Time) (*models.DayCode, error)
	ListActive(ctx context.Context, offset, limit int) ([]models.DayCode, int64, error)
	ListActiveUnexpired(ctx context.Context, now time.Time) ([]models.DayCode, []repository.RejectedRow, error)
	FindExpired(ctx context.Context, now time.Time) ([]models.DayCode, []repository.RejectedRow, error)
	ListActiveForMember(ctx context.Context, memberID int64) ([]models.DayCode, []repository.RejectedRow, error)
	CountExpired(ctx context.Context, now time.Time) (int64, error)
	Deactivate(ctx context.Context, id int64, at time.Time) (bool, error)
}

// LockController 门锁控制器
type LockController interface {
	SetCode(ctx context.Context, slot int, code string) error
	ClearCode(ctx context.Context, slot int) error
}

// Stores 服务依赖的全部存储
type Stores struct {
	Members MemberStore
	Passes  DayPassStore
	Codes   DayCodeStore
}

// DefaultStores 基于 MySQL 仓库的存储
func DefaultStores() Stores {
	return Stores{
		Members: repository.NewMemberRepository(),
		Passes:  repository.NewDayPassRepository(),
		Codes:   repository.NewDayCodeRepository(),
	}
}
