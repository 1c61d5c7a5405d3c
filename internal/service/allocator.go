package service

import (
	"context"
	"fmt"
)

// SlotAllocator 键盘槽位分配
//
// 永久会员槽位从 1 开始递增且不回收；临时码在 [dayMin, dayMax] 内取最小空闲槽位。
// 两个池不重叠，会员槽位触及临时码池即视为耗尽。
type SlotAllocator struct {
	members MemberStore
	codes   DayCodeStore
	dayMin  int
	dayMax  int
}

// NewSlotAllocator 创建槽位分配器
func NewSlotAllocator(members MemberStore, codes DayCodeStore, dayMin, dayMax int) *SlotAllocator {
	return &SlotAllocator{members: members, codes: codes, dayMin: dayMin, dayMax: dayMax}
}

// Capacity 临时码池容量
func (a *SlotAllocator) Capacity() int {
	return a.dayMax - a.dayMin + 1
}

// FindAvailableDayCodeSlot 返回最小的空闲临时码槽位，池满时返回 false
func (a *SlotAllocator) FindAvailableDayCodeSlot(ctx context.Context) (int, bool, error) {
	occupied, err := a.codes.ActiveSlots(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("查询已占用槽位失败: %w", err)
	}

	taken := make(map[int]struct{}, len(occupied))
	for _, s := range occupied {
		taken[s] = struct{}{}
	}

	for slot := a.dayMin; slot <= a.dayMax; slot++ {
		if _, ok := taken[slot]; !ok {
			return slot, true, nil
		}
	}
	return 0, false, nil
}

// NextMemberSlot 下一个永久会员槽位：当前最大值 + 1
func (a *SlotAllocator) NextMemberSlot(ctx context.Context) (int, error) {
	max, err := a.members.MaxPinSlot(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询会员最大槽位失败: %w", err)
	}
	next := max + 1
	if next >= a.dayMin {
		return 0, ErrSlotsExhausted
	}
	return next, nil
}
