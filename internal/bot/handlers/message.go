package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/bot/middleware"
	"github.com/smysle/doorkeeper/internal/bot/session"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/service"
	"github.com/smysle/doorkeeper/pkg/logger"
	"github.com/smysle/doorkeeper/pkg/utils"
)

// OnText 处理多步会话中的文本输入
func OnText(c tele.Context) error {
	// 只处理私聊消息
	if c.Chat().Type != tele.ChatPrivate {
		return nil
	}

	text := strings.TrimSpace(c.Text())
	s, status := sessions().Get(chatID(c))

	switch status {
	case session.StatusExpired:
		return c.Send(timedOut)
	case session.StatusNone:
		return c.Send("Send /help to see what I can do.")
	}

	// 管理流程在会话期间可能失去权限
	if s.Flow != session.FlowNewCode && !middleware.IsAdmin(c) {
		sessions().Clear(chatID(c))
		return c.Send("Admins only.")
	}

	switch s.Step {
	case session.StepAwaitingCode:
		return handleCodeInput(c, s, text)
	case session.StepAwaitingCustomTime:
		return handleCustomTimeInput(c, s, text)
	case session.StepAwaitingName:
		return handleNameInput(c, s, text)
	case session.StepAwaitingTelegram:
		return handleTelegramInput(c, s, text)
	case session.StepAwaitingPin:
		return handlePinInput(c, s, text)
	case session.StepAwaitingPasses:
		return handlePassesInput(c, s, text)
	case session.StepAwaitingUsername:
		return handleUsernameInput(c, s, text)
	case session.StepAwaitingCount:
		return handleCountInput(c, s, text)
	default:
		// 等待按钮的步骤
		return c.Send("Please use the buttons above, or /cancel.")
	}
}

// Cancel /cancel 取消当前操作
func Cancel(c tele.Context) error {
	sessions().Clear(chatID(c))
	return c.Send("Cancelled.")
}

// handleCodeInput 会员改码：输入新码
func handleCodeInput(c tele.Context, s *session.Session, text string) error {
	member := middleware.CurrentMember(c)
	if member == nil {
		sessions().Clear(chatID(c))
		return c.Send("You're not registered.")
	}

	ctx, cancel := requestContext()
	defer cancel()

	code, err := engine().RegenerateMemberCode(ctx, member.ID, text, service.PolicySelfService)
	if err != nil {
		// 格式错误允许重新输入
		if service.Kind(err) == service.KindValidation {
			sessions().Save(chatID(c), s)
			return c.Send(errorMessage(err) + "\nTry again, or /cancel.")
		}
		sessions().Clear(chatID(c))
		return replyError(c, "newcode", err)
	}

	sessions().Clear(chatID(c))
	logger.Info().Int64("member_id", member.ID).Msg("会员已通过机器人更换密码")
	return c.Send(fmt.Sprintf("✅ Your new door code: %s", code))
}

// handleCustomTimeInput 快捷码：自定义到期时间
func handleCustomTimeInput(c tele.Context, s *session.Session, text string) error {
	expiresAt, ok := engine().Generator().ExpirationForFreeText(text)
	if !ok {
		sessions().Save(chatID(c), s)
		return c.Send("Couldn't read that time. Try e.g. 7pm or 19:30.")
	}
	sessions().Clear(chatID(c))
	return issueQuickCode(c, s.Label, expiresAt)
}

// issueQuickCode 发放快捷访客码
func issueQuickCode(c tele.Context, label string, expiresAt time.Time) error {
	ctx, cancel := requestContext()
	defer cancel()

	issued, err := engine().IssueGuestCode(ctx, service.GuestCodeRequest{
		Label:     label,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return replyError(c, "quickcode", err)
	}
	return sendIssued(c, "🎫 Guest code", issued)
}

// handleNameInput 新会员：名字
func handleNameInput(c tele.Context, s *session.Session, text string) error {
	if text == "" {
		return c.Send("Name cannot be empty.")
	}
	s.Name = text
	s.Step = session.StepAwaitingTelegram
	sessions().Save(chatID(c), s)
	return c.Send("Send their Telegram username (e.g. @alice), or \"skip\".")
}

// handleTelegramInput 新会员：Telegram 用户名
func handleTelegramInput(c tele.Context, s *session.Session, text string) error {
	if !strings.EqualFold(text, "skip") {
		s.Telegram = utils.NormalizeHandle(text)
	}

	if models.MemberType(s.Type) == models.MemberFull {
		s.Step = session.StepAwaitingPin
		sessions().Save(chatID(c), s)
		p := deps.Config.Codes.AdminPin
		return c.Send(fmt.Sprintf("Send a %d-%d digit door code, or \"random\".", p.Min, p.Max))
	}

	s.Step = session.StepAwaitingPasses
	sessions().Save(chatID(c), s)
	return c.Send(fmt.Sprintf("How many day passes? Send a number or \"default\" (%d).", deps.Config.Codes.DefaultDayPasses))
}

// handlePinInput 新正式会员：密码
func handlePinInput(c tele.Context, s *session.Session, text string) error {
	return createMember(c, s, service.NewMember{
		Name:     s.Name,
		Telegram: s.Telegram,
		Type:     models.MemberFull,
		PinCode:  text,
	})
}

// handlePassesInput 新日票会员：日票次数
func handlePassesInput(c tele.Context, s *session.Session, text string) error {
	uses := 0
	if !strings.EqualFold(text, "default") {
		n, err := strconv.Atoi(text)
		if err != nil || n < 1 {
			return c.Send("Send a whole number of at least 1.")
		}
		uses = n
	}
	return createMember(c, s, service.NewMember{
		Name:      s.Name,
		Telegram:  s.Telegram,
		Type:      models.MemberDayPass,
		DayPasses: uses,
	})
}

func createMember(c tele.Context, s *session.Session, req service.NewMember) error {
	ctx, cancel := requestContext()
	defer cancel()

	member, err := engine().CreateMember(ctx, req)
	if err != nil {
		if service.Kind(err) == service.KindValidation {
			sessions().Save(chatID(c), s)
			return c.Send(errorMessage(err) + "\nTry again, or /cancel.")
		}
		sessions().Clear(chatID(c))
		return replyError(c, "add member", err)
	}
	sessions().Clear(chatID(c))

	text := fmt.Sprintf("✅ Added %s", member.Name)
	if member.IsFull() && member.HasPin() {
		text += fmt.Sprintf("\nSlot: %d\nDoor code: %s", *member.PinCodeSlot, *member.PinCode)
	}
	return c.Send(text)
}

// handleUsernameInput 按用户名选中会员：添加日票、添加管理员、停用或启用
func handleUsernameInput(c tele.Context, s *session.Session, text string) error {
	ctx, cancel := requestContext()
	defer cancel()

	member, err := engine().FindMemberByTelegram(ctx, text)
	if err != nil {
		sessions().Clear(chatID(c))
		return replyError(c, "find member", err)
	}
	if member == nil {
		sessions().Save(chatID(c), s)
		return c.Send("No member with that username. Try again, or /cancel.")
	}

	switch s.Flow {
	case session.FlowAddAdmin:
		sessions().Clear(chatID(c))
		if err := engine().SetAdmin(ctx, member.ID, true); err != nil {
			return replyError(c, "add admin", err)
		}
		logger.Info().Int64("member_id", member.ID).Int64("chat", chatID(c)).Msg("已设置管理员")
		return c.Send(fmt.Sprintf("✅ %s is now an admin.", member.Name))
	case session.FlowDisableMember, session.FlowEnableMember:
		sessions().Clear(chatID(c))
		return setMemberDisabled(c, member, s.Flow == session.FlowDisableMember)
	}

	s.MemberID = member.ID
	s.Name = member.Name
	s.Step = session.StepAwaitingCount
	sessions().Save(chatID(c), s)
	return c.Send(fmt.Sprintf("How many day passes to add for %s?", member.Name))
}

// setMemberDisabled 停用或启用会员
func setMemberDisabled(c tele.Context, member *models.Member, disabled bool) error {
	ctx, cancel := requestContext()
	defer cancel()

	if err := engine().SetDisabled(ctx, member.ID, disabled); err != nil {
		return replyError(c, "set disabled", err)
	}
	logger.Info().Int64("member_id", member.ID).Bool("disabled", disabled).Int64("chat", chatID(c)).Msg("管理员变更会员状态")
	if disabled {
		return c.Send(fmt.Sprintf("✅ %s is disabled. Their codes were removed from the lock.", member.Name))
	}
	return c.Send(fmt.Sprintf("✅ %s is enabled again.", member.Name))
}

// handleCountInput 添加日票：次数
func handleCountInput(c tele.Context, s *session.Session, text string) error {
	uses, err := strconv.Atoi(text)
	if err != nil || uses < 1 {
		sessions().Save(chatID(c), s)
		return c.Send("Send a whole number of at least 1.")
	}

	ctx, cancel := requestContext()
	defer cancel()

	sessions().Clear(chatID(c))
	if _, err := engine().AddDayPasses(ctx, s.MemberID, uses, nil); err != nil {
		return replyError(c, "add passes", err)
	}
	remaining, err := engine().RemainingPasses(ctx, s.MemberID)
	if err != nil {
		return c.Send(fmt.Sprintf("✅ Added %d day passes for %s.", uses, s.Name))
	}
	return c.Send(fmt.Sprintf("✅ Added %d day passes for %s. They now have %d.", uses, s.Name, remaining))
}
