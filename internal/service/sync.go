package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/smysle/doorkeeper/internal/database/repository"
	"github.com/smysle/doorkeeper/pkg/logger"
)

// SyncItem 单个槽位的同步结果
type SyncItem struct {
	Kind   string `json:"kind"` // member / day_code
	Name   string `json:"name"`
	Slot   int    `json:"slot"`
	Action string `json:"action"` // set / clear / skip
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// SyncResult 全量同步结果
type SyncResult struct {
	RunID   string     `json:"run_id"`
	Synced  int        `json:"synced"`
	Failed  int        `json:"failed"`
	Results []SyncItem `json:"results"`
}

func (r *SyncResult) record(item SyncItem, err error) {
	if err != nil {
		item.Error = err.Error()
		r.Failed++
		logger.Error().Err(err).Str("run_id", r.RunID).Str("kind", item.Kind).Int("slot", item.Slot).Msg("同步槽位失败")
	} else {
		item.OK = true
		r.Synced++
	}
	r.Results = append(r.Results, item)
}

// reject 格式错误的行计入失败
func (r *SyncResult) reject(kind string, rows []repository.RejectedRow) {
	for _, row := range rows {
		r.record(SyncItem{Kind: kind, Name: fmt.Sprintf("#%d", row.ID), Action: "skip"}, row.Err)
	}
}

// SyncAllToLock 以数据库为准重写门锁所有槽位，单个失败不影响其他
func (s *DoorService) SyncAllToLock(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{RunID: uuid.NewString()}

	members, rejected, err := s.members.ListWithSlot(ctx)
	if err != nil {
		return result, fmt.Errorf("查询会员槽位失败: %w", err)
	}
	result.reject("member", rejected)
	for i := range members {
		m := &members[i]
		item := SyncItem{Kind: "member", Name: m.Name, Slot: *m.PinCodeSlot}
		if m.ShouldHoldPin() {
			item.Action = "set"
			result.record(item, s.lock.SetCode(ctx, item.Slot, *m.PinCode))
		} else {
			item.Action = "clear"
			result.record(item, s.lock.ClearCode(ctx, item.Slot))
		}
	}

	now := s.gen.Now()
	codes, rejected, err := s.codes.ListActiveUnexpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("查询有效门禁码失败: %w", err)
	}
	result.reject("day_code", rejected)
	for i := range codes {
		c := &codes[i]
		item := SyncItem{Kind: "day_code", Name: c.Description(), Slot: c.PinSlot, Action: "set"}
		if c.Member != nil && c.Member.Disabled {
			// 停用会员的码只清除，并顺带作废记录
			item.Action = "clear"
			result.record(item, s.clearCode(ctx, c, now))
			continue
		}
		result.record(item, s.lock.SetCode(ctx, c.PinSlot, c.Code))
	}

	logger.Info().
		Str("run_id", result.RunID).
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Msg("门锁全量同步完成")
	return result, nil
}
