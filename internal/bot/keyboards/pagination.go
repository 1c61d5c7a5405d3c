// Package keyboards 分页组件
package keyboards

import (
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v3"
)

// Paginator 按偏移量分页，回调为 "<unique>|<offset>"
type Paginator struct {
	Unique   string // 回调前缀，如 "codes"
	Offset   int    // 当前偏移
	PageSize int    // 每页大小
	Total    int    // 条目总数
}

// NewPaginator 创建分页器
func NewPaginator(unique string, offset, pageSize, total int) *Paginator {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Paginator{Unique: unique, Offset: offset, PageSize: pageSize, Total: total}
}

// Pages 总页数
func (p *Paginator) Pages() int {
	if p.Total == 0 {
		return 1
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// Current 当前页码（从 1 开始）
func (p *Paginator) Current() int {
	return p.Offset/p.PageSize + 1
}

// HasPrev 是否有上一页
func (p *Paginator) HasPrev() bool {
	return p.Offset > 0
}

// HasNext 是否有下一页
func (p *Paginator) HasNext() bool {
	return p.Offset+p.PageSize < p.Total
}

// Row 导航按钮行，只有一页时返回 nil
func (p *Paginator) Row(markup *tele.ReplyMarkup) tele.Row {
	if p.Pages() <= 1 {
		return nil
	}

	var btns []tele.Btn
	if p.HasPrev() {
		prev := p.Offset - p.PageSize
		if prev < 0 {
			prev = 0
		}
		btns = append(btns, markup.Data("« Prev", p.Unique, strconv.Itoa(prev)))
	}

	btns = append(btns, markup.Data(fmt.Sprintf("%d/%d", p.Current(), p.Pages()), "noop"))

	if p.HasNext() {
		btns = append(btns, markup.Data("Next »", p.Unique, strconv.Itoa(p.Offset+p.PageSize)))
	}
	return markup.Row(btns...)
}
