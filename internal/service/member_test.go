package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smysle/doorkeeper/internal/database/models"
)

func TestSlotAllocator(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	alloc := NewSlotAllocator(h.db.stores().Members, h.db.stores().Codes, 125, 127)

	if slot, err := alloc.NextMemberSlot(ctx); err != nil || slot != 1 {
		t.Errorf("没有会员时应从 1 开始，实际是 %d, %v", slot, err)
	}

	h.addMember(t, &models.Member{Name: "A", MemberType: models.MemberFull, PinCodeSlot: intPtr(7)})
	if slot, _ := alloc.NextMemberSlot(ctx); slot != 8 {
		t.Errorf("应为最大槽位 + 1 = 8，实际是 %d", slot)
	}

	h.addMember(t, &models.Member{Name: "B", MemberType: models.MemberFull, PinCodeSlot: intPtr(124)})
	if _, err := alloc.NextMemberSlot(ctx); !errors.Is(err, ErrSlotsExhausted) {
		t.Errorf("会员槽位触及临时码池应返回 ErrSlotsExhausted，实际是 %v", err)
	}

	if alloc.Capacity() != 3 {
		t.Errorf("容量应为 3，实际是 %d", alloc.Capacity())
	}
	for want := 125; want <= 127; want++ {
		slot, ok, err := alloc.FindAvailableDayCodeSlot(ctx)
		if err != nil || !ok || slot != want {
			t.Fatalf("应分配最小空闲槽位 %d，实际是 %d, %v, %v", want, slot, ok, err)
		}
		code := &models.DayCode{Code: "123456", PinSlot: slot, ExpiresAt: time.Now().Add(time.Hour)}
		if err := h.db.stores().Codes.Issue(ctx, code, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, _ := alloc.FindAvailableDayCodeSlot(ctx); ok {
		t.Error("池满时应返回 false")
	}
}

func TestRegenerateMemberCode(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	full := h.addMember(t, &models.Member{Name: "Full", MemberType: models.MemberFull, PinCode: strPtr("1111"), PinCodeSlot: intPtr(3)})
	noSlot := h.addMember(t, &models.Member{Name: "NoSlot", MemberType: models.MemberFull})
	day := h.addMember(t, &models.Member{Name: "Day"})

	tests := []struct {
		name     string
		memberID int64
		explicit string
		policy   CodePolicy
		wantErr  error
		wantCode string
	}{
		{"自助设置 6 位", full.ID, "246810", PolicySelfService, nil, "246810"},
		{"自助设置 7 位超长", full.ID, "2468101", PolicySelfService, ErrInvalidCode, ""},
		{"管理员设置 8 位", full.ID, "24681012", PolicyAdmin, nil, "24681012"},
		{"管理员设置 9 位超长", full.ID, "246810121", PolicyAdmin, ErrInvalidCode, ""},
		{"过短", full.ID, "123", PolicyAdmin, ErrInvalidCode, ""},
		{"非数字", full.ID, "12ab", PolicySelfService, ErrInvalidCode, ""},
		{"日票会员不可改码", day.ID, "", PolicySelfService, ErrNotEligible, ""},
		{"没有槽位", noSlot.ID, "", PolicySelfService, ErrNoSlotAssigned, ""},
		{"会员不存在", 9999, "", PolicySelfService, ErrNotEligible, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := h.svc.RegenerateMemberCode(ctx, tt.memberID, tt.explicit, tt.policy)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("RegenerateMemberCode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("RegenerateMemberCode() error = %v", err)
			}
			if code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
			if got, _ := h.lock.code(3); got != tt.wantCode {
				t.Errorf("门锁槽位 3 应为 %s，实际是 %s", tt.wantCode, got)
			}
		})
	}

	random, err := h.svc.RegenerateMemberCode(ctx, full.ID, "random", PolicySelfService)
	if err != nil || len(random) != 6 {
		t.Fatalf("random 应生成 6 位码，实际是 %q, %v", random, err)
	}
	stored, _ := h.db.stores().Members.GetByID(ctx, full.ID)
	if *stored.PinCode != random {
		t.Errorf("数据库中的码应为 %s，实际是 %s", random, *stored.PinCode)
	}
}

func TestRegenerateMemberCode_LockFailureKeepsOldCode(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	m := h.addMember(t, &models.Member{Name: "Full", MemberType: models.MemberFull, PinCode: strPtr("1111"), PinCodeSlot: intPtr(3)})

	h.lock.failAll = deviceErr("set", 3)
	if _, err := h.svc.RegenerateMemberCode(ctx, m.ID, "2222", PolicyAdmin); Kind(err) != KindDevice {
		t.Fatalf("应返回 device 错误，实际是 %v", err)
	}
	stored, _ := h.db.stores().Members.GetByID(ctx, m.ID)
	if *stored.PinCode != "1111" {
		t.Errorf("门锁失败时不应修改数据库，实际是 %s", *stored.PinCode)
	}
}

func TestCreateMember(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()

	full, err := h.svc.CreateMember(ctx, NewMember{Name: "Alex", Telegram: "alex_w", Type: models.MemberFull, PinCode: "13579"})
	if err != nil {
		t.Fatalf("创建正式会员失败: %v", err)
	}
	if full.PinCodeSlot == nil || *full.PinCodeSlot != 1 {
		t.Errorf("第一个正式会员应分配槽位 1")
	}
	if full.TelegramUsername == nil || *full.TelegramUsername != "@alex_w" {
		t.Errorf("Telegram 用户名应统一带 @")
	}
	if code, _ := h.lock.code(1); code != "13579" {
		t.Errorf("门锁槽位 1 应为 13579，实际是 %s", code)
	}

	day, err := h.svc.CreateMember(ctx, NewMember{Name: "Bea", Type: models.MemberDayPass})
	if err != nil {
		t.Fatalf("创建日票会员失败: %v", err)
	}
	if day.PinCodeSlot != nil {
		t.Error("日票会员不应分配永久槽位")
	}
	if total, _ := h.svc.RemainingPasses(ctx, day.ID); total != 10 {
		t.Errorf("日票会员默认应有 10 次，实际是 %d", total)
	}

	_, err = h.svc.CreateMember(ctx, NewMember{Name: "Dup", Telegram: "@alex_w", Type: models.MemberFull})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("重复用户名应返回 ValidationError，实际是 %v", err)
	}
	if _, ok := h.lock.code(2); ok {
		t.Error("用户名冲突后应清除已写入的槽位")
	}

	invalid := []NewMember{
		{Name: "", Type: models.MemberFull},
		{Name: "X", Type: "guest"},
		{Name: "X", Telegram: "@ab"},
		{Name: "X", Email: "nope"},
		{Name: "X", Type: models.MemberFull, PinCode: "12"},
	}
	for _, req := range invalid {
		if _, err := h.svc.CreateMember(ctx, req); Kind(err) != KindValidation {
			t.Errorf("CreateMember(%+v) 应返回校验错误，实际是 %v", req, err)
		}
	}
}

func TestAddDayPasses(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	m := h.addMember(t, &models.Member{Name: "Cleo"})

	if _, err := h.svc.AddDayPasses(ctx, m.ID, 0, nil); Kind(err) != KindValidation {
		t.Errorf("次数为 0 应返回校验错误，实际是 %v", err)
	}
	if _, err := h.svc.AddDayPasses(ctx, 9999, 3, nil); !errors.Is(err, ErrMemberNotFound) {
		t.Errorf("会员不存在应返回 ErrMemberNotFound，实际是 %v", err)
	}
	expires := h.clock.now().Add(48 * time.Hour)
	if _, err := h.svc.AddDayPasses(ctx, m.ID, 3, &expires); err != nil {
		t.Fatal(err)
	}
	if total, _ := h.svc.RemainingPasses(ctx, m.ID); total != 3 {
		t.Errorf("应有 3 次，实际是 %d", total)
	}
}

func TestSetAdmin_LastAdminGuard(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	a := h.addMember(t, &models.Member{Name: "A", IsAdmin: true})
	b := h.addMember(t, &models.Member{Name: "B"})

	if err := h.svc.SetAdmin(ctx, a.ID, false); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("移除最后一个管理员应返回 ErrLastAdmin，实际是 %v", err)
	}
	if err := h.svc.SetAdmin(ctx, b.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.SetAdmin(ctx, a.ID, false); err != nil {
		t.Fatalf("有其他管理员时应允许移除: %v", err)
	}
	admins, _ := h.svc.ListAdmins(ctx)
	if len(admins) != 1 || admins[0].ID != b.ID {
		t.Errorf("管理员应只剩 B")
	}
}

func TestSetDisabled(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	m := h.addMember(t, &models.Member{Name: "Full", MemberType: models.MemberFull, PinCode: strPtr("4321"), PinCodeSlot: intPtr(5)})
	h.lock.slots[5] = "4321"

	if err := h.svc.SetDisabled(ctx, m.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.lock.code(5); ok {
		t.Error("停用后应清除门锁槽位")
	}

	if err := h.svc.SetDisabled(ctx, m.ID, false); err != nil {
		t.Fatal(err)
	}
	if code, _ := h.lock.code(5); code != "4321" {
		t.Errorf("启用后应重新写入 4321，实际是 %s", code)
	}

	h.lock.failAll = deviceErr("clear", 5)
	if err := h.svc.SetDisabled(ctx, m.ID, true); Kind(err) != KindDevice {
		t.Fatalf("门锁失败应中止停用，实际是 %v", err)
	}
	stored, _ := h.svc.GetMember(ctx, m.ID)
	if stored.Disabled {
		t.Error("门锁失败时不应标记停用")
	}
}

func TestFindMemberByTelegram(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	h.addMember(t, &models.Member{Name: "Tg", TelegramUsername: strPtr("@tg_user")})

	for _, handle := range []string{"tg_user", "@tg_user", "  tg_user "} {
		m, err := h.svc.FindMemberByTelegram(ctx, handle)
		if err != nil || m == nil || m.Name != "Tg" {
			t.Errorf("FindMemberByTelegram(%q) 应找到会员", handle)
		}
	}
	if m, _ := h.svc.FindMemberByTelegram(ctx, ""); m != nil {
		t.Error("空用户名不应匹配")
	}
}

func TestSyncAllToLock(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	h.addMember(t, &models.Member{Name: "On", MemberType: models.MemberFull, PinCode: strPtr("1111"), PinCodeSlot: intPtr(1)})
	h.addMember(t, &models.Member{Name: "Off", MemberType: models.MemberFull, PinCode: strPtr("2222"), PinCodeSlot: intPtr(2), Disabled: true})
	h.addMember(t, &models.Member{Name: "NoPin", MemberType: models.MemberFull, PinCodeSlot: intPtr(3)})
	guest, _ := h.svc.IssueGuestCode(ctx, GuestCodeRequest{Label: "guest"})

	// 模拟门锁被重置
	h.lock.slots = map[int]string{2: "2222", 3: "9999"}

	svc := NewDoorService(testConfig(), h.db.stores(), &flakyLock{fakeLock: h.lock, failClear: 3}, h.svc.Generator())
	result, err := svc.SyncAllToLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.Synced != 3 || result.Failed != 1 {
		t.Errorf("应成功 3 个失败 1 个，实际 synced=%d failed=%d", result.Synced, result.Failed)
	}
	if len(result.Results) != 4 {
		t.Fatalf("应有 4 条结果，实际是 %d", len(result.Results))
	}
	if code, _ := h.lock.code(1); code != "1111" {
		t.Error("启用会员的码应被写入")
	}
	if _, ok := h.lock.code(2); ok {
		t.Error("停用会员的槽位应被清除")
	}
	if code, _ := h.lock.code(guest.Slot); code != guest.Code {
		t.Error("有效临时码应被重新写入")
	}

	failed := result.Results[2]
	if failed.Name != "NoPin" || failed.Action != "clear" || failed.OK || failed.Error == "" {
		t.Errorf("失败项应记录错误信息: %+v", failed)
	}
	if last := result.Results[3]; last.Kind != "day_code" || last.Name != "guest" {
		t.Errorf("最后一项应为临时码: %+v", last)
	}
}

func TestSetDisabled_RevokesActiveDayCodes(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	m := h.addMember(t, &models.Member{Name: "Visitor"})
	other := h.addMember(t, &models.Member{Name: "Other"})
	h.addPass(t, m.ID, 5, 0, nil)
	h.addPass(t, other.ID, 5, 0, nil)

	mine, err := h.svc.IssueDayPassCode(ctx, m.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := h.svc.IssueDayPassCode(ctx, other.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := h.svc.SetDisabled(ctx, m.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.lock.code(mine.Slot); ok {
		t.Error("停用会员的临时码应从门锁清除")
	}
	if h.db.code(mine.ID).IsActive {
		t.Error("停用会员的临时码记录应失效")
	}
	if code, _ := h.lock.code(theirs.Slot); code != theirs.Code {
		t.Error("其他会员的码不应受影响")
	}

	if _, err := h.svc.SyncAllToLock(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.lock.code(mine.Slot); ok {
		t.Error("同步后停用会员的码不应回到门锁")
	}
}

func TestSetDisabled_RevokeFailureReported(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	m := h.addMember(t, &models.Member{Name: "Visitor"})
	h.addPass(t, m.ID, 5, 0, nil)
	issued, err := h.svc.IssueDayPassCode(ctx, m.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	svc := NewDoorService(testConfig(), h.db.stores(), &flakyLock{fakeLock: h.lock, failClear: issued.Slot}, h.svc.Generator())
	if err := svc.SetDisabled(ctx, m.ID, true); Kind(err) != KindDevice {
		t.Fatalf("清除失败应返回门锁错误，实际是 %v", err)
	}
	stored, _ := h.svc.GetMember(ctx, m.ID)
	if !stored.Disabled {
		t.Error("会员仍应被标记停用")
	}
	if !h.db.code(issued.ID).IsActive {
		t.Error("清除失败的码应保持有效，等待同步")
	}
}

func TestSyncAllToLock_ClearsDisabledMemberCodes(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	m := h.addMember(t, &models.Member{Name: "Visitor"})
	h.addPass(t, m.ID, 5, 0, nil)
	issued, err := h.svc.IssueDayPassCode(ctx, m.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	// 绕过 SetDisabled 直接改库
	if err := h.db.stores().Members.UpdateFields(ctx, m.ID, map[string]interface{}{"disabled": true}); err != nil {
		t.Fatal(err)
	}

	result, err := h.svc.SyncAllToLock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.lock.code(issued.Slot); ok {
		t.Error("同步应清除停用会员的码")
	}
	if h.db.code(issued.ID).IsActive {
		t.Error("同步后停用会员的码应失效")
	}
	if len(result.Results) != 1 || result.Results[0].Action != "clear" || !result.Results[0].OK {
		t.Errorf("应记录一条 clear 结果: %+v", result.Results)
	}
}

func TestSyncAllToLock_SkipsMalformedRows(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	now := h.clock.now()
	h.addMember(t, &models.Member{Name: "On", MemberType: models.MemberFull, PinCode: strPtr("1111"), PinCodeSlot: intPtr(1)})
	guest, err := h.svc.IssueGuestCode(ctx, GuestCodeRequest{Label: "guest"})
	if err != nil {
		t.Fatal(err)
	}
	bad := h.db.putCode(models.DayCode{PinSlot: 200, IsActive: true, IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	h.lock.slots = map[int]string{}

	result, err := h.svc.SyncAllToLock(ctx)
	if err != nil {
		t.Fatalf("单行格式错误不应中止同步: %v", err)
	}
	if result.Synced != 2 || result.Failed != 1 {
		t.Errorf("应成功 2 个失败 1 个，实际 synced=%d failed=%d", result.Synced, result.Failed)
	}
	if code, _ := h.lock.code(1); code != "1111" {
		t.Error("会员码应被写入")
	}
	if code, _ := h.lock.code(guest.Slot); code != guest.Code {
		t.Error("有效临时码应被写入")
	}
	if _, ok := h.lock.code(200); ok {
		t.Error("格式错误的行不应写入门锁")
	}

	var skipped *SyncItem
	for i := range result.Results {
		if result.Results[i].Action == "skip" {
			skipped = &result.Results[i]
		}
	}
	if skipped == nil || skipped.OK || skipped.Error == "" {
		t.Fatalf("应记录被跳过的行: %+v", result.Results)
	}
	if skipped.Name != fmt.Sprintf("#%d", bad) {
		t.Errorf("跳过项应带行 ID，实际是 %s", skipped.Name)
	}
}
