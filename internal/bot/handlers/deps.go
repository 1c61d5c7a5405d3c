// Package handlers Bot 命令处理器
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/bot/session"
	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/lock"
	"github.com/smysle/doorkeeper/internal/service"
	"github.com/smysle/doorkeeper/pkg/imggen"
	"github.com/smysle/doorkeeper/pkg/logger"
	"github.com/smysle/doorkeeper/pkg/utils"
)

// Engine 处理器用到的门禁服务
type Engine interface {
	Generator() *service.Generator

	IssueDayPassCode(ctx context.Context, memberID int64, label string) (*service.IssuedCode, error)
	IssueGuestCode(ctx context.Context, req service.GuestCodeRequest) (*service.IssuedCode, error)
	RevokeCode(ctx context.Context, codeID int64) error
	ListActiveCodes(ctx context.Context, offset, limit int) ([]models.DayCode, int64, error)
	ActiveCodeForMember(ctx context.Context, memberID int64) (*models.DayCode, error)
	SweepExpired(ctx context.Context) (*service.SweepResult, error)
	SyncAllToLock(ctx context.Context) (*service.SyncResult, error)

	RegenerateMemberCode(ctx context.Context, memberID int64, explicit string, policy service.CodePolicy) (string, error)
	CreateMember(ctx context.Context, req service.NewMember) (*models.Member, error)
	AddDayPasses(ctx context.Context, memberID int64, uses int, expiresAt *time.Time) (*models.DayPass, error)
	RemainingPasses(ctx context.Context, memberID int64) (int, error)
	SetAdmin(ctx context.Context, memberID int64, admin bool) error
	SetDisabled(ctx context.Context, memberID int64, disabled bool) error
	FindMemberByTelegram(ctx context.Context, handle string) (*models.Member, error)
	ListMembers(ctx context.Context, offset, limit int) ([]models.Member, int64, error)
	ListAdmins(ctx context.Context) ([]models.Member, error)
}

// Deps 处理器依赖
type Deps struct {
	Engine   Engine
	Sessions *session.Manager
	Config   *config.Config
}

var deps Deps

const (
	pageSize       = 10
	requestTimeout = 30 * time.Second
)

// Setup 注入处理器依赖，注册处理器前调用
func Setup(d Deps) {
	if d.Sessions == nil {
		d.Sessions = session.GetManager()
	}
	deps = d
}

func engine() Engine {
	return deps.Engine
}

func sessions() *session.Manager {
	return deps.Sessions
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func chatID(c tele.Context) int64 {
	if chat := c.Chat(); chat != nil {
		return chat.ID
	}
	if user := c.Sender(); user != nil {
		return user.ID
	}
	return 0
}

// errorMessage 按错误类型生成给用户的提示
func errorMessage(err error) string {
	switch service.Kind(err) {
	case service.KindValidation:
		var ve *service.ValidationError
		if errors.As(err, &ve) {
			return fmt.Sprintf("❌ Invalid %s: %s", ve.Field, ve.Reason)
		}
		return "❌ " + capitalize(err.Error())
	case service.KindNotEligible:
		if errors.Is(err, service.ErrNoSlotAssigned) {
			return "❌ You don't have a keypad slot yet. Ask an admin."
		}
		if errors.Is(err, service.ErrLastAdmin) {
			return "❌ Cannot remove the last admin."
		}
		return "❌ Not eligible for that."
	case service.KindExhausted:
		if errors.Is(err, service.ErrSlotsExhausted) {
			return "❌ All slots full. Use /codes to revoke unused ones."
		}
		return "❌ No day passes remaining."
	case service.KindDevice:
		return "❌ Could not reach the door lock. Please try again shortly."
	case service.KindPersistence:
		var pe *service.PersistenceError
		if errors.As(err, &pe) && pe.DeviceUpdated {
			return "⚠️ Lock updated but record not saved. Tell an admin."
		}
		return "❌ Could not save the change. Please try again."
	case service.KindNotFound:
		if errors.Is(err, service.ErrCodeNotFound) {
			return "Code already revoked or expired."
		}
		return "❌ Member not found."
	case service.KindConflict:
		return "❌ The lock is busy. Please try again."
	default:
		return "❌ Something went wrong. Please try again."
	}
}

// replyError 记录并回复错误
func replyError(c tele.Context, op string, err error) error {
	kind := service.Kind(err)
	evt := logger.Warn()
	if kind == service.KindInternal || kind == service.KindPersistence {
		evt = logger.Error()
	}
	var de *lock.DeviceError
	if errors.As(err, &de) {
		evt = evt.Int("slot", de.Slot)
	}
	evt.Err(err).Str("op", op).Str("kind", kind.String()).Int64("chat", chatID(c)).Msg("处理请求失败")
	return c.Send(errorMessage(err))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}

// issuedText 发放结果文本
func issuedText(title string, issued *service.IssuedCode, loc *time.Location) string {
	text := fmt.Sprintf("%s\n\nCode: %s\nValid until: %s", title, issued.Code, utils.FormatTime(issued.ExpiresAt, loc))
	if issued.Label != "" {
		text += "\nFor: " + issued.Label
	}
	if issued.Remaining >= 0 {
		text += fmt.Sprintf("\nDay passes left: %d", issued.Remaining)
	}
	return text
}

// sendIssued 发送发放结果，附带卡片图片；图片失败时只发文本
func sendIssued(c tele.Context, title string, issued *service.IssuedCode) error {
	loc := engine().Generator().Location()
	text := issuedText(title, issued, loc)

	png, err := imggen.RenderPassCard(imggen.PassCard{
		Title:     title,
		Code:      issued.Code,
		Label:     issued.Label,
		Slot:      issued.Slot,
		ExpiresAt: issued.ExpiresAt,
		Location:  loc,
		Footer:    botName(),
	})
	if err != nil {
		logger.Warn().Err(err).Int64("code_id", issued.ID).Msg("生成门禁卡片失败")
		return c.Send(text)
	}

	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(png)), Caption: text}
	if err := c.Send(photo); err != nil {
		logger.Warn().Err(err).Int64("code_id", issued.ID).Msg("发送门禁卡片失败")
		return c.Send(text)
	}
	return nil
}

func botName() string {
	if deps.Config != nil && deps.Config.BotName != "" {
		return deps.Config.BotName
	}
	return "Doorkeeper"
}
