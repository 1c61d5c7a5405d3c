// Package keyboards 键盘按钮
package keyboards

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/database/models"
)

// 回调前缀
const (
	CbExpire     = "expire"
	CbRevoke     = "revoke"
	CbCodes      = "codes"
	CbAdmin      = "admin"
	CbMType      = "mtype"
	CbRmAdmin    = "rmadmin"
	CbNoop       = "noop"
	PresetCustom = "custom"
)

// 管理菜单动作
const (
	AdminAddMember   = "addmember"
	AdminAddPasses   = "addpasses"
	AdminAddAdmin    = "addadmin"
	AdminRemoveAdmin = "removeadmin"
	AdminListMembers = "listmembers"
	AdminSync        = "sync"
	AdminDisable     = "disable"
	AdminEnable      = "enable"
)

// ExpirationKeyboard 快捷码到期时间选择
func ExpirationKeyboard(presets []string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	names := append([]string(nil), presets...)
	sort.Slice(names, func(i, j int) bool { return presetOrder(names[i]) < presetOrder(names[j]) })

	var row []tele.Btn
	for _, name := range names {
		row = append(row, markup.Data(strings.ToUpper(name), CbExpire, name))
	}

	markup.Inline(
		markup.Row(row...),
		markup.Row(markup.Data("Custom", CbExpire, PresetCustom)),
	)
	return markup
}

// presetOrder 预设按一天中的先后排列，凌晨的排在最后
func presetOrder(name string) int {
	s := strings.ToLower(name)
	n, _ := strconv.Atoi(strings.TrimRight(s, "apm"))
	switch {
	case strings.HasSuffix(s, "pm") && n != 12:
		n += 12
	case strings.HasSuffix(s, "am") && n == 12:
		n = 0
	}
	if n < 12 {
		n += 24
	}
	return n
}

// CodesKeyboard 有效码列表：每个码一个撤销按钮 + 分页
func CodesKeyboard(codes []models.DayCode, p *Paginator) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	for _, c := range codes {
		rows = append(rows, markup.Row(
			markup.Data(fmt.Sprintf("Revoke %s", c.Code), CbRevoke, strconv.FormatInt(c.ID, 10)),
		))
	}
	if nav := p.Row(markup); nav != nil {
		rows = append(rows, nav)
	}

	markup.Inline(rows...)
	return markup
}

// AdminMenuKeyboard 管理菜单
func AdminMenuKeyboard() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.Inline(
		markup.Row(
			markup.Data("Add Member", CbAdmin, AdminAddMember),
			markup.Data("Add Day Passes", CbAdmin, AdminAddPasses),
		),
		markup.Row(
			markup.Data("Add Admin", CbAdmin, AdminAddAdmin),
			markup.Data("Remove Admin", CbAdmin, AdminRemoveAdmin),
		),
		markup.Row(
			markup.Data("Disable Member", CbAdmin, AdminDisable),
			markup.Data("Enable Member", CbAdmin, AdminEnable),
		),
		markup.Row(
			markup.Data("List Members", CbAdmin, AdminListMembers),
			markup.Data("Sync Lock", CbAdmin, AdminSync),
		),
	)
	return markup
}

// MemberTypeKeyboard 会员类型选择
func MemberTypeKeyboard() *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	markup.Inline(markup.Row(
		markup.Data("Full Member", CbMType, string(models.MemberFull)),
		markup.Data("Day Pass", CbMType, string(models.MemberDayPass)),
	))
	return markup
}

// RemoveAdminKeyboard 选择要移除的管理员
func RemoveAdminKeyboard(admins []models.Member) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	for i := range admins {
		a := &admins[i]
		rows = append(rows, markup.Row(
			markup.Data(fmt.Sprintf("%s (%s)", a.Name, a.Handle()), CbRmAdmin, strconv.FormatInt(a.ID, 10)),
		))
	}
	markup.Inline(rows...)
	return markup
}

// ParseCallback 解析回调数据
// telebot 生成的格式为 "\f{unique}|{data}"
func ParseCallback(data string) (action, param string) {
	data = strings.TrimPrefix(data, "\f")
	action, param, _ = strings.Cut(data, "|")
	return action, param
}
