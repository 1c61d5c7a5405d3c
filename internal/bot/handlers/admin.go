package handlers

import (
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/bot/keyboards"
	"github.com/smysle/doorkeeper/internal/bot/session"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/scheduler"
	"github.com/smysle/doorkeeper/pkg/utils"
)

// QuickCode /quickcode [label] 发放访客码，先选择到期时间
func QuickCode(c tele.Context) error {
	s := sessions().Start(chatID(c), session.FlowQuickCode, session.StepAwaitingExpiration)
	s.Label = strings.TrimSpace(c.Message().Payload)
	sessions().Save(chatID(c), s)

	prompt := "When should the code expire?"
	if s.Label != "" {
		prompt = fmt.Sprintf("Guest code for %s. When should it expire?", s.Label)
	}
	return c.Send(prompt, keyboards.ExpirationKeyboard(engine().Generator().PresetNames()))
}

// Codes /codes 列出有效门禁码
func Codes(c tele.Context) error {
	text, markup, err := codesPage(0)
	if err != nil {
		return replyError(c, "codes", err)
	}
	if markup == nil {
		return c.Send(text)
	}
	return c.Send(text, markup)
}

// codesPage 生成有效码列表的一页
func codesPage(offset int) (string, *tele.ReplyMarkup, error) {
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := requestContext()
	defer cancel()

	codes, total, err := engine().ListActiveCodes(ctx, offset, pageSize)
	if err != nil {
		return "", nil, err
	}
	if total == 0 {
		return "No active codes.", nil, nil
	}
	// 翻页时列表可能已缩短
	if len(codes) == 0 && offset > 0 {
		return codesPage(0)
	}

	loc := engine().Generator().Location()
	var b strings.Builder
	fmt.Fprintf(&b, "🔑 Active codes (%d)\n", total)
	for i := range codes {
		fmt.Fprintf(&b, "\n%s  %s\n   slot %d · until %s", codes[i].Code, codes[i].Description(),
			codes[i].PinSlot, utils.FormatTime(codes[i].ExpiresAt, loc))
	}

	p := keyboards.NewPaginator(keyboards.CbCodes, offset, pageSize, int(total))
	return b.String(), keyboards.CodesKeyboard(codes, p), nil
}

// Admin /admin 管理菜单
func Admin(c tele.Context) error {
	return c.Send("🛠 Admin menu", keyboards.AdminMenuKeyboard())
}

// Sync /sync 全量同步门锁
func Sync(c tele.Context) error {
	_ = c.Send("🔄 Syncing all codes to the lock...")

	ctx, cancel := requestContext()
	defer cancel()

	result, err := engine().SyncAllToLock(ctx)
	if err != nil {
		return replyError(c, "sync", err)
	}
	return c.Send(scheduler.FormatSync(result))
}

// Sweep /sweep 立即清理过期码
func Sweep(c tele.Context) error {
	ctx, cancel := requestContext()
	defer cancel()

	result, err := engine().SweepExpired(ctx)
	if err != nil {
		return replyError(c, "sweep", err)
	}
	return c.Send(scheduler.FormatSweep(result))
}

// listMembers 会员列表文本
func listMembers() (string, error) {
	ctx, cancel := requestContext()
	defer cancel()

	members, total, err := engine().ListMembers(ctx, 0, 50)
	if err != nil {
		return "", err
	}
	if total == 0 {
		return "No members yet.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👥 Members (%d)\n", total)
	for i := range members {
		b.WriteString("\n")
		b.WriteString(memberLine(&members[i]))
	}
	if int(total) > len(members) {
		fmt.Fprintf(&b, "\n\n…and %d more", int(total)-len(members))
	}
	return b.String(), nil
}

func memberLine(m *models.Member) string {
	var tags []string
	if m.IsFull() {
		tags = append(tags, "full")
	} else {
		tags = append(tags, "day pass")
	}
	if m.HasSlot() {
		tags = append(tags, fmt.Sprintf("slot %d", *m.PinCodeSlot))
	}
	if m.IsAdmin {
		tags = append(tags, "admin")
	}
	if m.Disabled {
		tags = append(tags, "disabled")
	}

	line := m.Name
	if h := m.Handle(); h != "" {
		line += " " + h
	}
	return fmt.Sprintf("• %s (%s)", line, strings.Join(tags, ", "))
}
