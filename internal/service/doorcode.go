package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/database/repository"
	"github.com/smysle/doorkeeper/pkg/logger"
)

// DoorService 门禁码生命周期服务
type DoorService struct {
	members MemberStore
	passes  DayPassStore
	codes   DayCodeStore
	lock    LockController

	alloc   *SlotAllocator
	gen     *Generator
	retries int

	botPin           config.PinPolicy
	adminPin         config.PinPolicy
	defaultDayPasses int
}

// NewDoorService 创建门禁码服务
func NewDoorService(cfg *config.Config, stores Stores, lock LockController, gen *Generator) *DoorService {
	if gen == nil {
		gen = NewGenerator(cfg)
	}
	return &DoorService{
		members:          stores.Members,
		passes:           stores.Passes,
		codes:            stores.Codes,
		lock:             lock,
		alloc:            NewSlotAllocator(stores.Members, stores.Codes, cfg.Slots.DayCodeMin, cfg.Slots.DayCodeMax),
		gen:              gen,
		retries:          cfg.Slots.ConflictRetries,
		botPin:           cfg.Codes.BotPin,
		adminPin:         cfg.Codes.AdminPin,
		defaultDayPasses: cfg.Codes.DefaultDayPasses,
	}
}

// Generator 到期时间生成器
func (s *DoorService) Generator() *Generator {
	return s.gen
}

// IssuedCode 发放结果
type IssuedCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Slot      int       `json:"slot"`
	ExpiresAt time.Time `json:"expires_at"`
	Label     string    `json:"label,omitempty"`
	Remaining int       `json:"remaining"` // 剩余日票次数，访客码为 -1
}

type issueRequest struct {
	memberID  *int64
	passID    *int64
	label     string
	expiresAt time.Time
}

// IssueDayPassCode 消耗一次日票，发放临时门禁码
func (s *DoorService) IssueDayPassCode(ctx context.Context, memberID int64, label string) (*IssuedCode, error) {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("查询会员失败: %w", err)
	}
	if member == nil || member.Disabled {
		return nil, ErrNotEligible
	}

	now := s.gen.Now()
	pass, err := s.passes.FindUsable(ctx, memberID, now)
	if err != nil {
		return nil, fmt.Errorf("查询日票失败: %w", err)
	}
	if pass == nil {
		return nil, ErrNoPassesRemaining
	}

	if strings.TrimSpace(label) == "" {
		label = member.Name
	}

	issued, err := s.issue(ctx, issueRequest{
		memberID:  &member.ID,
		passID:    &pass.ID,
		label:     label,
		expiresAt: s.gen.DayPassExpiration(),
	})
	if err != nil {
		return nil, err
	}
	issued.Remaining = pass.Remaining() - 1

	logger.Info().
		Int64("member_id", memberID).
		Int64("pass_id", pass.ID).
		Int("slot", issued.Slot).
		Int("remaining", issued.Remaining).
		Msg("日票码已发放")
	return issued, nil
}

// GuestCodeRequest 访客码请求
type GuestCodeRequest struct {
	MemberID  *int64
	Label     string
	ExpiresAt time.Time // 为零值时使用每日重置时间
}

// IssueGuestCode 发放不消耗日票的访客码
func (s *DoorService) IssueGuestCode(ctx context.Context, req GuestCodeRequest) (*IssuedCode, error) {
	now := s.gen.Now()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.gen.DailyResetExpiration()
	}
	if !expiresAt.After(now) {
		return nil, &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}

	if req.MemberID != nil {
		member, err := s.members.GetByID(ctx, *req.MemberID)
		if err != nil {
			return nil, fmt.Errorf("查询会员失败: %w", err)
		}
		if member == nil || member.Disabled {
			return nil, ErrNotEligible
		}
	}

	issued, err := s.issue(ctx, issueRequest{
		memberID:  req.MemberID,
		label:     strings.TrimSpace(req.Label),
		expiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}
	issued.Remaining = -1

	logger.Info().
		Str("label", issued.Label).
		Int("slot", issued.Slot).
		Time("expires_at", issued.ExpiresAt).
		Msg("访客码已发放")
	return issued, nil
}

// issue 分配槽位 → 写门锁 → 落库；唯一索引冲突时恢复胜者的码并重试
func (s *DoorService) issue(ctx context.Context, req issueRequest) (*IssuedCode, error) {
	for attempt := 0; ; attempt++ {
		slot, ok, err := s.alloc.FindAvailableDayCodeSlot(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrSlotsExhausted
		}

		code := s.gen.GenerateCode()
		if err := s.lock.SetCode(ctx, slot, code); err != nil {
			return nil, fmt.Errorf("写入门锁失败: %w", err)
		}

		row := &models.DayCode{
			DayPassID: req.passID,
			MemberID:  req.memberID,
			Code:      code,
			PinSlot:   slot,
			IssuedAt:  s.gen.Now(),
			ExpiresAt: req.expiresAt,
		}
		if req.label != "" {
			label := req.label
			row.Label = &label
		}

		err = s.codes.Issue(ctx, row, req.passID)
		switch {
		case err == nil:
			return &IssuedCode{
				ID:        row.ID,
				Code:      code,
				Slot:      slot,
				ExpiresAt: row.ExpiresAt,
				Label:     req.label,
			}, nil

		case errors.Is(err, repository.ErrSlotTaken):
			logger.Warn().Int("slot", slot).Int("attempt", attempt+1).Msg("槽位被并发占用，重新分配")
			s.restoreDayCodeSlot(ctx, slot)
			if attempt >= s.retries {
				return nil, ErrSlotConflict
			}

		case errors.Is(err, repository.ErrPassExhausted):
			s.rollbackSlot(ctx, slot)
			return nil, ErrNoPassesRemaining

		default:
			return nil, &PersistenceError{
				Op:            "issue code",
				DeviceUpdated: !s.rollbackSlot(ctx, slot),
				Err:           err,
			}
		}
	}
}

// restoreDayCodeSlot 并发冲突后把槽位恢复为胜者的码
func (s *DoorService) restoreDayCodeSlot(ctx context.Context, slot int) {
	winner, err := s.codes.GetActiveBySlot(ctx, slot)
	if err != nil {
		logger.Error().Err(err).Int("slot", slot).Msg("查询槽位当前持有者失败，请执行全量同步")
		return
	}
	if winner == nil {
		s.rollbackSlot(ctx, slot)
		return
	}
	if err := s.lock.SetCode(ctx, slot, winner.Code); err != nil {
		logger.Error().Err(err).Int("slot", slot).Msg("恢复槽位门禁码失败，请执行全量同步")
	}
}

// rollbackSlot 尽力清除刚写入的码，返回是否成功
func (s *DoorService) rollbackSlot(ctx context.Context, slot int) bool {
	if err := s.lock.ClearCode(ctx, slot); err != nil {
		logger.Error().Err(err).Int("slot", slot).Msg("回滚门锁槽位失败，请执行全量同步")
		return false
	}
	return true
}

// RevokeCode 撤销有效码：先清门锁再落库，已失效的码返回 ErrCodeNotFound 且不访问门锁
func (s *DoorService) RevokeCode(ctx context.Context, codeID int64) error {
	code, err := s.codes.GetByID(ctx, codeID)
	if err != nil {
		return fmt.Errorf("查询门禁码失败: %w", err)
	}
	if code == nil || !code.IsActive {
		return ErrCodeNotFound
	}

	if err := s.clearCode(ctx, code, s.gen.Now()); err != nil {
		return err
	}
	logger.Info().Int64("code_id", codeID).Int("slot", code.PinSlot).Msg("门禁码已撤销")
	return nil
}

// clearCode 先清门锁槽位再将记录置为失效
func (s *DoorService) clearCode(ctx context.Context, code *models.DayCode, at time.Time) error {
	if err := s.lock.ClearCode(ctx, code.PinSlot); err != nil {
		return fmt.Errorf("清除门锁槽位失败: %w", err)
	}
	changed, err := s.codes.Deactivate(ctx, code.ID, at)
	if err != nil {
		return &PersistenceError{Op: "revoke code", DeviceUpdated: true, Err: err}
	}
	if !changed {
		logger.Debug().Int64("code_id", code.ID).Msg("门禁码已被并发失效")
	}
	return nil
}

// SweepResult 过期清理结果
type SweepResult struct {
	RunID   string `json:"run_id"`
	Checked int    `json:"checked"`
	Expired int    `json:"expired"`
	Failed  int    `json:"failed"`
}

// SweepExpired 清理所有已过期的有效码，单条失败不影响其他
func (s *DoorService) SweepExpired(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{RunID: uuid.NewString()}
	now := s.gen.Now()

	expired, rejected, err := s.codes.FindExpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("查询过期门禁码失败: %w", err)
	}
	result.Checked = len(expired) + len(rejected)
	for _, row := range rejected {
		result.Failed++
		logger.Error().Err(row.Err).Str("run_id", result.RunID).Int64("code_id", row.ID).Msg("过期门禁码记录格式错误，已跳过")
	}

	for i := range expired {
		code := &expired[i]
		if err := s.lock.ClearCode(ctx, code.PinSlot); err != nil {
			result.Failed++
			logger.Error().Err(err).Str("run_id", result.RunID).Int64("code_id", code.ID).Int("slot", code.PinSlot).Msg("清除过期门禁码失败")
			continue
		}
		if _, err := s.codes.Deactivate(ctx, code.ID, now); err != nil {
			result.Failed++
			logger.Error().Err(err).Str("run_id", result.RunID).Int64("code_id", code.ID).Msg("门锁已清除但记录未更新")
			continue
		}
		result.Expired++
	}

	if result.Checked > 0 {
		logger.Info().
			Str("run_id", result.RunID).
			Int("expired", result.Expired).
			Int("failed", result.Failed).
			Msg("过期门禁码清理完成")
	}
	return result, nil
}

// PollExpired 只在存在过期码时才执行清理
func (s *DoorService) PollExpired(ctx context.Context) (*SweepResult, error) {
	count, err := s.codes.CountExpired(ctx, s.gen.Now())
	if err != nil {
		return nil, fmt.Errorf("统计过期门禁码失败: %w", err)
	}
	if count == 0 {
		return &SweepResult{}, nil
	}
	return s.SweepExpired(ctx)
}

// ListActiveCodes 分页列出有效码，最早到期的在前
func (s *DoorService) ListActiveCodes(ctx context.Context, offset, limit int) ([]models.DayCode, int64, error) {
	codes, total, err := s.codes.ListActive(ctx, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("查询有效门禁码失败: %w", err)
	}
	return codes, total, nil
}

// ActiveCodeForMember 会员当前未过期的有效码，没有返回 nil
func (s *DoorService) ActiveCodeForMember(ctx context.Context, memberID int64) (*models.DayCode, error) {
	code, err := s.codes.ActiveForMember(ctx, memberID, s.gen.Now())
	if err != nil {
		return nil, fmt.Errorf("查询会员有效码失败: %w", err)
	}
	return code, nil
}
