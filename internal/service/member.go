package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/database/repository"
	"github.com/smysle/doorkeeper/pkg/logger"
	"github.com/smysle/doorkeeper/pkg/utils"
)

// CodePolicy 改码时使用的长度规则
type CodePolicy int

const (
	// PolicySelfService 会员通过机器人自助改码
	PolicySelfService CodePolicy = iota
	// PolicyAdmin 管理员为会员设置
	PolicyAdmin
)

var handlePattern = regexp.MustCompile(`^@[A-Za-z0-9_]{5,32}$`)

func (s *DoorService) pinPolicy(p CodePolicy) config.PinPolicy {
	if p == PolicyAdmin {
		return s.adminPin
	}
	return s.botPin
}

// resolvePin 空值或 random 生成随机码，否则按规则校验
func (s *DoorService) resolvePin(explicit string, policy CodePolicy) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit == "" || strings.EqualFold(explicit, "random") {
		return s.gen.GenerateCode(), nil
	}
	p := s.pinPolicy(policy)
	if !utils.IsDigits(explicit) || len(explicit) < p.Min || len(explicit) > p.Max {
		return "", fmt.Errorf("%w: must be %d-%d digits", ErrInvalidCode, p.Min, p.Max)
	}
	return explicit, nil
}

// RegenerateMemberCode 重新设置会员永久码，门锁写入成功后才落库
func (s *DoorService) RegenerateMemberCode(ctx context.Context, memberID int64, explicit string, policy CodePolicy) (string, error) {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return "", fmt.Errorf("查询会员失败: %w", err)
	}
	if member == nil || member.Disabled || !member.IsFull() {
		return "", ErrNotEligible
	}
	if !member.HasSlot() {
		return "", ErrNoSlotAssigned
	}

	code, err := s.resolvePin(explicit, policy)
	if err != nil {
		return "", err
	}

	slot := *member.PinCodeSlot
	if err := s.lock.SetCode(ctx, slot, code); err != nil {
		return "", fmt.Errorf("写入门锁失败: %w", err)
	}
	if err := s.members.UpdateFields(ctx, member.ID, map[string]interface{}{"pin_code": code}); err != nil {
		return "", &PersistenceError{Op: "save member code", DeviceUpdated: true, Err: err}
	}

	logger.Info().Int64("member_id", member.ID).Int("slot", slot).Msg("会员门禁码已更新")
	return code, nil
}

// NewMember 新建会员参数
type NewMember struct {
	Name      string
	Email     string
	Telegram  string
	Type      models.MemberType
	PinCode   string // 仅正式会员，空值或 random 随机生成
	DayPasses int    // 仅日票会员，0 使用默认值
	IsAdmin   bool
}

// CreateMember 新建会员：正式会员先写门锁再落库，日票会员附带初始日票
func (s *DoorService) CreateMember(ctx context.Context, req NewMember) (*models.Member, error) {
	member, err := s.buildMember(req)
	if err != nil {
		return nil, err
	}

	if !member.IsFull() {
		return s.createDayPassMember(ctx, member, req.DayPasses)
	}

	pin, err := s.resolvePin(req.PinCode, PolicyAdmin)
	if err != nil {
		return nil, err
	}
	member.PinCode = &pin

	for attempt := 0; ; attempt++ {
		slot, err := s.alloc.NextMemberSlot(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.lock.SetCode(ctx, slot, pin); err != nil {
			return nil, fmt.Errorf("写入门锁失败: %w", err)
		}

		member.ID = 0
		member.PinCodeSlot = &slot
		err = s.members.Create(ctx, member)
		switch {
		case err == nil:
			logger.Info().Int64("member_id", member.ID).Str("name", member.Name).Int("slot", slot).Msg("正式会员已创建")
			return member, nil

		case errors.Is(err, repository.ErrSlotTaken):
			logger.Warn().Int("slot", slot).Int("attempt", attempt+1).Msg("会员槽位被并发占用，重新分配")
			s.restoreMemberSlot(ctx, slot)
			if attempt >= s.retries {
				return nil, ErrSlotConflict
			}

		case errors.Is(err, repository.ErrHandleTaken):
			s.rollbackSlot(ctx, slot)
			return nil, &ValidationError{Field: "telegram", Reason: "already registered"}

		default:
			return nil, &PersistenceError{
				Op:            "create member",
				DeviceUpdated: !s.rollbackSlot(ctx, slot),
				Err:           err,
			}
		}
	}
}

func (s *DoorService) buildMember(req NewMember) (*models.Member, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}

	member := &models.Member{Name: name, MemberType: req.Type, IsAdmin: req.IsAdmin}
	if member.MemberType == "" {
		member.MemberType = models.MemberDayPass
	}
	if member.MemberType != models.MemberFull && member.MemberType != models.MemberDayPass {
		return nil, &ValidationError{Field: "type", Reason: "must be full or daypass"}
	}

	if handle := utils.NormalizeHandle(req.Telegram); handle != "" {
		if !handlePattern.MatchString(handle) {
			return nil, &ValidationError{Field: "telegram", Reason: "not a valid Telegram username"}
		}
		member.TelegramUsername = &handle
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		if !strings.Contains(email, "@") {
			return nil, &ValidationError{Field: "email", Reason: "not a valid email address"}
		}
		member.Email = &email
	}
	if req.DayPasses < 0 {
		return nil, &ValidationError{Field: "day_passes", Reason: "must not be negative"}
	}
	return member, nil
}

func (s *DoorService) createDayPassMember(ctx context.Context, member *models.Member, uses int) (*models.Member, error) {
	if err := s.members.Create(ctx, member); err != nil {
		if errors.Is(err, repository.ErrHandleTaken) {
			return nil, &ValidationError{Field: "telegram", Reason: "already registered"}
		}
		return nil, &PersistenceError{Op: "create member", Err: err}
	}

	if uses == 0 {
		uses = s.defaultDayPasses
	}
	pass := &models.DayPass{MemberID: member.ID, AllowedUses: uses}
	if err := s.passes.Create(ctx, pass); err != nil {
		return nil, &PersistenceError{Op: "create day pass", Err: err}
	}

	logger.Info().Int64("member_id", member.ID).Str("name", member.Name).Int("passes", uses).Msg("日票会员已创建")
	return member, nil
}

// restoreMemberSlot 并发冲突后把槽位恢复为已入库会员的码
func (s *DoorService) restoreMemberSlot(ctx context.Context, slot int) {
	owner, err := s.members.GetBySlot(ctx, slot)
	if err != nil {
		logger.Error().Err(err).Int("slot", slot).Msg("查询槽位持有会员失败，请执行全量同步")
		return
	}
	if owner == nil || !owner.ShouldHoldPin() {
		s.rollbackSlot(ctx, slot)
		return
	}
	if err := s.lock.SetCode(ctx, slot, *owner.PinCode); err != nil {
		logger.Error().Err(err).Int("slot", slot).Msg("恢复会员槽位失败，请执行全量同步")
	}
}

// AddDayPasses 为会员增加日票
func (s *DoorService) AddDayPasses(ctx context.Context, memberID int64, uses int, expiresAt *time.Time) (*models.DayPass, error) {
	if uses < 1 {
		return nil, &ValidationError{Field: "uses", Reason: "must be at least 1"}
	}
	if expiresAt != nil && !expiresAt.After(s.gen.Now()) {
		return nil, &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}

	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("查询会员失败: %w", err)
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}

	pass := &models.DayPass{MemberID: memberID, AllowedUses: uses, ExpiresAt: expiresAt}
	if err := s.passes.Create(ctx, pass); err != nil {
		return nil, &PersistenceError{Op: "create day pass", Err: err}
	}
	logger.Info().Int64("member_id", memberID).Int("uses", uses).Msg("已添加日票")
	return pass, nil
}

// RemainingPasses 会员当前可用的日票总次数
func (s *DoorService) RemainingPasses(ctx context.Context, memberID int64) (int, error) {
	passes, err := s.passes.ListByMember(ctx, memberID)
	if err != nil {
		return 0, fmt.Errorf("查询日票失败: %w", err)
	}
	now := s.gen.Now()
	total := 0
	for i := range passes {
		if passes[i].Usable(now) {
			total += passes[i].Remaining()
		}
	}
	return total, nil
}

// SetAdmin 设置或取消管理员，不允许移除最后一个管理员
func (s *DoorService) SetAdmin(ctx context.Context, memberID int64, admin bool) error {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return fmt.Errorf("查询会员失败: %w", err)
	}
	if member == nil {
		return ErrMemberNotFound
	}
	if member.IsAdmin == admin {
		return nil
	}

	if !admin {
		count, err := s.members.CountAdmins(ctx)
		if err != nil {
			return fmt.Errorf("统计管理员失败: %w", err)
		}
		if count <= 1 {
			return ErrLastAdmin
		}
	}

	if err := s.members.UpdateFields(ctx, memberID, map[string]interface{}{"is_admin": admin}); err != nil {
		return &PersistenceError{Op: "update admin", Err: err}
	}
	logger.Info().Int64("member_id", memberID).Bool("admin", admin).Msg("管理员权限已变更")
	return nil
}

// SetDisabled 停用或启用会员：停用先清门锁，启用重新写入已保存的码
func (s *DoorService) SetDisabled(ctx context.Context, memberID int64, disabled bool) error {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return fmt.Errorf("查询会员失败: %w", err)
	}
	if member == nil {
		return ErrMemberNotFound
	}
	if member.Disabled == disabled {
		return nil
	}

	deviceUpdated := false
	if member.HasSlot() {
		slot := *member.PinCodeSlot
		switch {
		case disabled:
			if err := s.lock.ClearCode(ctx, slot); err != nil {
				return fmt.Errorf("清除门锁槽位失败: %w", err)
			}
			deviceUpdated = true
		case member.HasPin():
			if err := s.lock.SetCode(ctx, slot, *member.PinCode); err != nil {
				return fmt.Errorf("写入门锁失败: %w", err)
			}
			deviceUpdated = true
		}
	}

	if err := s.members.UpdateFields(ctx, memberID, map[string]interface{}{"disabled": disabled}); err != nil {
		return &PersistenceError{Op: "update member state", DeviceUpdated: deviceUpdated, Err: err}
	}
	logger.Info().Int64("member_id", memberID).Bool("disabled", disabled).Msg("会员状态已变更")

	if disabled {
		return s.revokeMemberCodes(ctx, memberID)
	}
	return nil
}

// revokeMemberCodes 撤销会员名下所有有效的临时码，单条失败不影响其他
func (s *DoorService) revokeMemberCodes(ctx context.Context, memberID int64) error {
	codes, rejected, err := s.codes.ListActiveForMember(ctx, memberID)
	if err != nil {
		return fmt.Errorf("查询会员有效码失败: %w", err)
	}
	var errs []error
	for _, row := range rejected {
		errs = append(errs, row.Err)
	}

	now := s.gen.Now()
	for i := range codes {
		if err := s.clearCode(ctx, &codes[i], now); err != nil {
			logger.Error().Err(err).Int64("member_id", memberID).Int64("code_id", codes[i].ID).Msg("撤销停用会员的门禁码失败")
			errs = append(errs, err)
			continue
		}
		logger.Info().Int64("member_id", memberID).Int64("code_id", codes[i].ID).Int("slot", codes[i].PinSlot).Msg("停用会员的门禁码已撤销")
	}
	return errors.Join(errs...)
}

// GetMember 根据 ID 获取会员
func (s *DoorService) GetMember(ctx context.Context, memberID int64) (*models.Member, error) {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("查询会员失败: %w", err)
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}
	return member, nil
}

// FindMemberByTelegram 根据 Telegram 用户名查找会员，没有返回 nil
func (s *DoorService) FindMemberByTelegram(ctx context.Context, handle string) (*models.Member, error) {
	handle = utils.NormalizeHandle(handle)
	if handle == "" {
		return nil, nil
	}
	member, err := s.members.GetByTelegram(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("查询会员失败: %w", err)
	}
	return member, nil
}

// ListMembers 分页列出会员
func (s *DoorService) ListMembers(ctx context.Context, offset, limit int) ([]models.Member, int64, error) {
	members, total, err := s.members.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("查询会员列表失败: %w", err)
	}
	return members, total, nil
}

// ListAdmins 列出所有管理员
func (s *DoorService) ListAdmins(ctx context.Context) ([]models.Member, error) {
	admins, err := s.members.ListAdmins(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询管理员失败: %w", err)
	}
	return admins, nil
}
