package handlers

import (
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/bot/keyboards"
	"github.com/smysle/doorkeeper/internal/bot/middleware"
	"github.com/smysle/doorkeeper/internal/bot/session"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/service"
	"github.com/smysle/doorkeeper/pkg/logger"
)

const timedOut = "Action timed out. Start again."

// OnCallback 处理所有回调查询
func OnCallback(c tele.Context) error {
	action, param := keyboards.ParseCallback(c.Callback().Data)
	logger.Debug().Str("raw_data", c.Callback().Data).Str("action", action).Msg("收到回调")

	if action == keyboards.CbNoop {
		return c.Respond()
	}

	// 目前所有按钮都是管理功能
	if !middleware.IsAdmin(c) {
		return c.Respond(&tele.CallbackResponse{Text: "Admins only.", ShowAlert: true})
	}
	_ = c.Respond()

	switch action {
	case keyboards.CbExpire:
		return handleExpireChoice(c, param)
	case keyboards.CbRevoke:
		return handleRevoke(c, param)
	case keyboards.CbCodes:
		return handleCodesPage(c, param)
	case keyboards.CbAdmin:
		return handleAdminAction(c, param)
	case keyboards.CbMType:
		return handleMemberType(c, param)
	case keyboards.CbRmAdmin:
		return handleRemoveAdmin(c, param)
	default:
		logger.Warn().Str("action", action).Msg("未知回调")
		return nil
	}
}

// activeSession 取当前聊天的会话并要求处于指定流程
func activeSession(c tele.Context, flow session.Flow) (*session.Session, bool, error) {
	s, status := sessions().Get(chatID(c))
	switch {
	case status == session.StatusExpired:
		return nil, false, c.Send(timedOut)
	case status == session.StatusNone || s.Flow != flow:
		return nil, false, c.Send("That action is no longer active. Start again.")
	}
	return s, true, nil
}

// handleExpireChoice 快捷码：选择到期时间
func handleExpireChoice(c tele.Context, preset string) error {
	s, ok, err := activeSession(c, session.FlowQuickCode)
	if !ok {
		return err
	}

	if preset == keyboards.PresetCustom {
		s.Step = session.StepAwaitingCustomTime
		sessions().Save(chatID(c), s)
		return c.Send("Send the expiration time, e.g. 7pm, 7:30pm or 19:30.")
	}

	expiresAt, found := engine().Generator().ExpirationForPreset(preset)
	if !found {
		return c.Send("Unknown option. Start again with /quickcode.")
	}
	sessions().Clear(chatID(c))
	return issueQuickCode(c, s.Label, expiresAt)
}

// handleRevoke 撤销门禁码
func handleRevoke(c tele.Context, param string) error {
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		return nil
	}

	ctx, cancel := requestContext()
	defer cancel()

	if err := engine().RevokeCode(ctx, id); err != nil {
		if service.Kind(err) != service.KindNotFound {
			return replyError(c, "revoke", err)
		}
		_ = c.Send(errorMessage(err))
	} else {
		logger.Info().Int64("code_id", id).Int64("chat", chatID(c)).Msg("管理员撤销门禁码")
		_ = c.Send("✅ Code revoked.")
	}
	return refreshCodes(c, 0)
}

// handleCodesPage 翻页
func handleCodesPage(c tele.Context, param string) error {
	offset, err := strconv.Atoi(param)
	if err != nil {
		offset = 0
	}
	return refreshCodes(c, offset)
}

func refreshCodes(c tele.Context, offset int) error {
	text, markup, err := codesPage(offset)
	if err != nil {
		return replyError(c, "codes", err)
	}
	if markup == nil {
		return c.Edit(text)
	}
	return c.Edit(text, markup)
}

// handleAdminAction 管理菜单按钮
func handleAdminAction(c tele.Context, action string) error {
	id := chatID(c)

	switch action {
	case keyboards.AdminAddMember:
		sessions().Start(id, session.FlowAddMember, session.StepAwaitingType)
		return c.Send("New member type?", keyboards.MemberTypeKeyboard())
	case keyboards.AdminAddPasses:
		sessions().Start(id, session.FlowAddPasses, session.StepAwaitingUsername)
		return c.Send("Send the member's Telegram username (e.g. @alice).")
	case keyboards.AdminAddAdmin:
		sessions().Start(id, session.FlowAddAdmin, session.StepAwaitingUsername)
		return c.Send("Send the Telegram username of the member to promote.")
	case keyboards.AdminDisable:
		sessions().Start(id, session.FlowDisableMember, session.StepAwaitingUsername)
		return c.Send("Send the Telegram username of the member to disable.")
	case keyboards.AdminEnable:
		sessions().Start(id, session.FlowEnableMember, session.StepAwaitingUsername)
		return c.Send("Send the Telegram username of the member to enable.")
	case keyboards.AdminRemoveAdmin:
		ctx, cancel := requestContext()
		defer cancel()
		admins, err := engine().ListAdmins(ctx)
		if err != nil {
			return replyError(c, "list admins", err)
		}
		if len(admins) == 0 {
			return c.Send("There are no admins.")
		}
		return c.Send("Remove which admin?", keyboards.RemoveAdminKeyboard(admins))
	case keyboards.AdminListMembers:
		text, err := listMembers()
		if err != nil {
			return replyError(c, "list members", err)
		}
		return c.Send(text)
	case keyboards.AdminSync:
		return Sync(c)
	default:
		return nil
	}
}

// handleMemberType 新会员：选择类型
func handleMemberType(c tele.Context, param string) error {
	s, ok, err := activeSession(c, session.FlowAddMember)
	if !ok {
		return err
	}

	switch models.MemberType(param) {
	case models.MemberFull, models.MemberDayPass:
		s.Type = param
	default:
		return c.Send("Pick a member type from the buttons.")
	}
	s.Step = session.StepAwaitingName
	sessions().Save(chatID(c), s)
	return c.Send("Send the member's name.")
}

// handleRemoveAdmin 取消管理员
func handleRemoveAdmin(c tele.Context, param string) error {
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		return nil
	}

	ctx, cancel := requestContext()
	defer cancel()

	if err := engine().SetAdmin(ctx, id, false); err != nil {
		return replyError(c, "remove admin", err)
	}
	logger.Info().Int64("member_id", id).Int64("chat", chatID(c)).Msg("已取消管理员")
	return c.Send(fmt.Sprintf("✅ Admin removed (member #%d).", id))
}
