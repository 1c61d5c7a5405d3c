package handlers

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/bot/middleware"
	"github.com/smysle/doorkeeper/internal/bot/session"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/service"
	"github.com/smysle/doorkeeper/pkg/logger"
	"github.com/smysle/doorkeeper/pkg/utils"
)

const memberHelp = "/mycode - show your door code\n" +
	"/newcode [code|random] - change your door code\n" +
	"/daypass - get a code for today\n" +
	"/cancel - cancel the current action"

const adminHelp = "\n\nAdmin:\n" +
	"/quickcode [label] - issue a guest code\n" +
	"/codes - list and revoke active codes\n" +
	"/admin - member administration\n" +
	"/sync - push all codes to the lock\n" +
	"/sweep - expire overdue codes now"

// Start /start 命令处理器
func Start(c tele.Context) error {
	member := middleware.CurrentMember(c)
	if member == nil && !middleware.IsAdmin(c) {
		return c.Send(fmt.Sprintf("👋 Welcome to %s.\n\nYou're not registered yet. Ask an admin to add your Telegram username.", botName()))
	}

	name := c.Sender().FirstName
	if member != nil {
		name = member.Name
	}
	return c.Send(fmt.Sprintf("👋 Hi %s!\n\n%s", name, helpText(c)))
}

// Help /help 命令处理器
func Help(c tele.Context) error {
	return c.Send(helpText(c))
}

func helpText(c tele.Context) string {
	if middleware.IsAdmin(c) {
		return memberHelp + adminHelp
	}
	return memberHelp
}

// MyCode /mycode 查看自己的门禁码
func MyCode(c tele.Context) error {
	member := middleware.CurrentMember(c)

	ctx, cancel := requestContext()
	defer cancel()

	if member.IsFull() {
		if !member.HasPin() {
			return c.Send("You don't have a door code yet. Use /newcode to set one.")
		}
		return c.Send(fmt.Sprintf("🔑 Your door code: %s", *member.PinCode))
	}

	remaining, err := engine().RemainingPasses(ctx, member.ID)
	if err != nil {
		return replyError(c, "mycode", err)
	}
	active, err := engine().ActiveCodeForMember(ctx, member.ID)
	if err != nil {
		return replyError(c, "mycode", err)
	}

	loc := engine().Generator().Location()
	text := fmt.Sprintf("🎟 Day passes left: %d", remaining)
	if active != nil {
		text = fmt.Sprintf("🔑 Today's code: %s\nValid until: %s\n\n%s", active.Code, utils.FormatTime(active.ExpiresAt, loc), text)
	} else if remaining > 0 {
		text += "\n\nUse /daypass to get today's code."
	}
	return c.Send(text)
}

// NewCode /newcode [code|random] 更换自己的永久码
func NewCode(c tele.Context) error {
	member := middleware.CurrentMember(c)
	if !member.IsFull() {
		return c.Send("Only full members have a permanent code. Use /daypass instead.")
	}

	args := c.Args()
	if len(args) > 0 {
		return regenerate(c, member, args[0])
	}

	sessions().Start(chatID(c), session.FlowNewCode, session.StepAwaitingCode)
	p := deps.Config.Codes.BotPin
	return c.Send(fmt.Sprintf("Send your new %d-%d digit code, or \"random\".\n/cancel to abort.", p.Min, p.Max))
}

func regenerate(c tele.Context, member *models.Member, explicit string) error {
	ctx, cancel := requestContext()
	defer cancel()

	code, err := engine().RegenerateMemberCode(ctx, member.ID, strings.TrimSpace(explicit), service.PolicySelfService)
	if err != nil {
		return replyError(c, "newcode", err)
	}
	logger.Info().Int64("member_id", member.ID).Msg("会员已通过机器人更换密码")
	return c.Send(fmt.Sprintf("✅ Your new door code: %s", code))
}

// DayPass /daypass 获取今日门禁码
//
// 正式会员发放以自己名义的访客码；日票会员若已有有效码则重发，不再消耗次数。
func DayPass(c tele.Context) error {
	member := middleware.CurrentMember(c)

	ctx, cancel := requestContext()
	defer cancel()

	if member.IsFull() {
		issued, err := engine().IssueGuestCode(ctx, service.GuestCodeRequest{
			MemberID: &member.ID,
			Label:    "Guest by " + member.Name,
		})
		if err != nil {
			return replyError(c, "daypass", err)
		}
		return sendIssued(c, "🎫 Guest code", issued)
	}

	active, err := engine().ActiveCodeForMember(ctx, member.ID)
	if err != nil {
		return replyError(c, "daypass", err)
	}
	if active != nil {
		remaining, err := engine().RemainingPasses(ctx, member.ID)
		if err != nil {
			return replyError(c, "daypass", err)
		}
		return sendIssued(c, "🎟 Your code for today", &service.IssuedCode{
			ID:        active.ID,
			Code:      active.Code,
			Slot:      active.PinSlot,
			ExpiresAt: active.ExpiresAt,
			Label:     active.Description(),
			Remaining: remaining,
		})
	}

	issued, err := engine().IssueDayPassCode(ctx, member.ID, "")
	if err != nil {
		return replyError(c, "daypass", err)
	}
	return sendIssued(c, "🎟 Your code for today", issued)
}
