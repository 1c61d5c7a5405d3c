package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/database/repository"
	"github.com/smysle/doorkeeper/internal/lock"
)

// memDB 内存数据库，模拟 MySQL 的唯一索引与条件自增
type memDB struct {
	mu      sync.Mutex
	members map[int64]*models.Member
	passes  map[int64]*models.DayPass
	codes   map[int64]*models.DayCode
	nextID  int64

	failIssue error // 非空时 Issue 返回该错误
}

func newMemDB() *memDB {
	return &memDB{
		members: map[int64]*models.Member{},
		passes:  map[int64]*models.DayPass{},
		codes:   map[int64]*models.DayCode{},
	}
}

func (db *memDB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *memDB) stores() Stores {
	return Stores{Members: &memMembers{db}, Passes: &memPasses{db}, Codes: &memCodes{db}}
}

type memMembers struct{ db *memDB }

func (s *memMembers) Create(_ context.Context, m *models.Member) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, other := range s.db.members {
		if m.PinCodeSlot != nil && other.PinCodeSlot != nil && *m.PinCodeSlot == *other.PinCodeSlot {
			return repository.ErrSlotTaken
		}
		if m.TelegramUsername != nil && other.TelegramUsername != nil && *m.TelegramUsername == *other.TelegramUsername {
			return repository.ErrHandleTaken
		}
	}
	m.ID = s.db.id()
	cp := *m
	s.db.members[m.ID] = &cp
	return nil
}

func (s *memMembers) GetByID(_ context.Context, id int64) (*models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if m, ok := s.db.members[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *memMembers) GetByTelegram(_ context.Context, handle string) (*models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, m := range s.db.members {
		if m.TelegramUsername != nil && *m.TelegramUsername == handle {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memMembers) GetBySlot(_ context.Context, slot int) (*models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, m := range s.db.members {
		if m.PinCodeSlot != nil && *m.PinCodeSlot == slot {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memMembers) UpdateFields(_ context.Context, id int64, updates map[string]interface{}) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.members[id]
	if !ok {
		return errors.New("not found")
	}
	for k, v := range updates {
		switch k {
		case "pin_code":
			code := v.(string)
			m.PinCode = &code
		case "is_admin":
			m.IsAdmin = v.(bool)
		case "disabled":
			m.Disabled = v.(bool)
		}
	}
	return nil
}

func (s *memMembers) MaxPinSlot(_ context.Context) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	max := 0
	for _, m := range s.db.members {
		if m.PinCodeSlot != nil && *m.PinCodeSlot > max {
			max = *m.PinCodeSlot
		}
	}
	return max, nil
}

func (s *memMembers) ListWithSlot(_ context.Context) ([]models.Member, []repository.RejectedRow, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Member
	var rejected []repository.RejectedRow
	for _, m := range s.db.members {
		if m.PinCodeSlot == nil {
			continue
		}
		if err := m.Validate(); err != nil {
			rejected = append(rejected, repository.RejectedRow{ID: m.ID, Err: err})
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].PinCodeSlot < *out[j].PinCodeSlot })
	return out, rejected, nil
}

func (s *memMembers) List(_ context.Context, offset, limit int) ([]models.Member, int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Member
	for _, m := range s.db.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := int64(len(out))
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (s *memMembers) ListAdmins(_ context.Context) ([]models.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Member
	for _, m := range s.db.members {
		if m.IsAdmin {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memMembers) CountAdmins(ctx context.Context) (int64, error) {
	admins, err := s.ListAdmins(ctx)
	return int64(len(admins)), err
}

type memPasses struct{ db *memDB }

func (s *memPasses) Create(_ context.Context, p *models.DayPass) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p.ID = s.db.id()
	cp := *p
	s.db.passes[p.ID] = &cp
	return nil
}

func (s *memPasses) FindUsable(_ context.Context, memberID int64, now time.Time) (*models.DayPass, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var usable []models.DayPass
	for _, p := range s.db.passes {
		if p.MemberID == memberID && p.Usable(now) {
			usable = append(usable, *p)
		}
	}
	if len(usable) == 0 {
		return nil, nil
	}
	sort.Slice(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		return a.ID < b.ID
	})
	return &usable[0], nil
}

func (s *memPasses) ListByMember(_ context.Context, memberID int64) ([]models.DayPass, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.DayPass
	for _, p := range s.db.passes {
		if p.MemberID == memberID {
			out = append(out, *p)
		}
	}
	return out, nil
}

type memCodes struct{ db *memDB }

func (s *memCodes) Issue(_ context.Context, code *models.DayCode, passID *int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.failIssue != nil {
		return s.db.failIssue
	}
	for _, other := range s.db.codes {
		if other.IsActive && other.PinSlot == code.PinSlot {
			return repository.ErrSlotTaken
		}
	}
	if passID != nil {
		p, ok := s.db.passes[*passID]
		if !ok || p.UsedCount >= p.AllowedUses {
			return repository.ErrPassExhausted
		}
		p.UsedCount++
	}
	slot := code.PinSlot
	code.ActiveSlot = &slot
	code.IsActive = true
	code.ID = s.db.id()
	cp := *code
	s.db.codes[code.ID] = &cp
	return nil
}

func (s *memCodes) GetByID(_ context.Context, id int64) (*models.DayCode, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if c, ok := s.db.codes[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *memCodes) GetActiveBySlot(_ context.Context, slot int) (*models.DayCode, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, c := range s.db.codes {
		if c.IsActive && c.PinSlot == slot {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memCodes) ActiveSlots(_ context.Context) ([]int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []int
	for _, c := range s.db.codes {
		if c.IsActive {
			out = append(out, c.PinSlot)
		}
	}
	return out, nil
}

func (s *memCodes) ActiveForMember(_ context.Context, memberID int64, now time.Time) (*models.DayCode, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, c := range s.db.codes {
		if c.IsActive && c.MemberID != nil && *c.MemberID == memberID && c.ExpiresAt.After(now) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memCodes) sorted(filter func(*models.DayCode) bool) []models.DayCode {
	var out []models.DayCode
	for _, c := range s.db.codes {
		if filter(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memCodes) ListActive(_ context.Context, offset, limit int) ([]models.DayCode, int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := s.sorted(func(c *models.DayCode) bool { return c.IsActive })
	total := int64(len(out))
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// split 模拟仓库的行校验
func (s *memCodes) split(codes []models.DayCode) ([]models.DayCode, []repository.RejectedRow) {
	var valid []models.DayCode
	var rejected []repository.RejectedRow
	for i := range codes {
		if err := codes[i].Validate(); err != nil {
			rejected = append(rejected, repository.RejectedRow{ID: codes[i].ID, Err: err})
			continue
		}
		valid = append(valid, codes[i])
	}
	return valid, rejected
}

func (s *memCodes) ListActiveUnexpired(_ context.Context, now time.Time) ([]models.DayCode, []repository.RejectedRow, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := s.sorted(func(c *models.DayCode) bool { return c.IsActive && c.ExpiresAt.After(now) })
	for i := range out {
		if out[i].MemberID != nil {
			if m, ok := s.db.members[*out[i].MemberID]; ok {
				cp := *m
				out[i].Member = &cp
			}
		}
	}
	valid, rejected := s.split(out)
	return valid, rejected, nil
}

func (s *memCodes) FindExpired(_ context.Context, now time.Time) ([]models.DayCode, []repository.RejectedRow, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	valid, rejected := s.split(s.sorted(func(c *models.DayCode) bool { return c.IsActive && c.ExpiresAt.Before(now) }))
	return valid, rejected, nil
}

func (s *memCodes) ListActiveForMember(_ context.Context, memberID int64) ([]models.DayCode, []repository.RejectedRow, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	valid, rejected := s.split(s.sorted(func(c *models.DayCode) bool {
		return c.IsActive && c.MemberID != nil && *c.MemberID == memberID
	}))
	return valid, rejected, nil
}

func (s *memCodes) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	codes, rejected, err := s.FindExpired(ctx, now)
	return int64(len(codes) + len(rejected)), err
}

func (s *memCodes) Deactivate(_ context.Context, id int64, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c, ok := s.db.codes[id]
	if !ok || !c.IsActive {
		return false, nil
	}
	c.IsActive = false
	c.ActiveSlot = nil
	c.RevokedAt = &at
	return true, nil
}

// putCode 直接写入一行，可用于构造格式错误的数据
func (db *memDB) putCode(c models.DayCode) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	c.ID = db.id()
	db.codes[c.ID] = &c
	return c.ID
}

func (db *memDB) code(id int64) models.DayCode {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.codes[id]
}

// activeCount 当前有效码数量
func (db *memDB) activeCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, c := range db.codes {
		if c.IsActive {
			n++
		}
	}
	return n
}

func (db *memDB) pass(id int64) models.DayPass {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.passes[id]
}

// fakeLock 记录所有调用的内存门锁
type fakeLock struct {
	mu       sync.Mutex
	slots    map[int]string
	calls    []string
	failSet  map[int]error
	failAll  error
	setCount int
	clears   map[int]int
}

func newFakeLock() *fakeLock {
	return &fakeLock{slots: map[int]string{}, failSet: map[int]error{}, clears: map[int]int{}}
}

func (l *fakeLock) SetCode(_ context.Context, slot int, code string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "set")
	if l.failAll != nil {
		return l.failAll
	}
	if err := l.failSet[slot]; err != nil {
		return err
	}
	l.setCount++
	l.slots[slot] = code
	return nil
}

func (l *fakeLock) ClearCode(_ context.Context, slot int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "clear")
	if l.failAll != nil {
		return l.failAll
	}
	l.clears[slot]++
	delete(l.slots, slot)
	return nil
}

func (l *fakeLock) code(slot int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.slots[slot]
	return c, ok
}

func (l *fakeLock) clearCount(slot int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clears[slot]
}

func (l *fakeLock) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func deviceErr(op string, slot int) error {
	return &lock.DeviceError{Op: op, Slot: slot, Status: 502, Body: "bad gateway"}
}

var denver = mustLoad("America/Denver")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// fixedNow 可调的测试时钟
type fixedNow struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedNow) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedNow) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		Timezone: "America/Denver",
		Slots:    config.SlotsConfig{DayCodeMin: 125, DayCodeMax: 249, ConflictRetries: 3},
		Codes: config.CodesConfig{
			DailyReset:       "03:00",
			Presets:          map[string]string{"6pm": "18:00", "9pm": "21:00", "3am": "03:00"},
			BotPin:           config.PinPolicy{Min: 4, Max: 6},
			AdminPin:         config.PinPolicy{Min: 4, Max: 8},
			DefaultDayPasses: 10,
		},
	}
}

type harness struct {
	db    *memDB
	lock  *fakeLock
	clock *fixedNow
	svc   *DoorService
}

func newHarness(mutate func(*config.Config)) *harness {
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		db:    newMemDB(),
		lock:  newFakeLock(),
		clock: &fixedNow{t: time.Date(2026, 10, 15, 14, 0, 0, 0, denver)},
	}
	gen := NewGenerator(cfg).WithClock(h.clock.now)
	h.svc = NewDoorService(cfg, h.db.stores(), h.lock, gen)
	return h
}

func (h *harness) addMember(t *testing.T, m *models.Member) *models.Member {
	if m.MemberType == "" {
		m.MemberType = models.MemberDayPass
	}
	if err := h.db.stores().Members.Create(context.Background(), m); err != nil {
		t.Fatalf("创建测试会员失败: %v", err)
	}
	return m
}

func (h *harness) addPass(t *testing.T, memberID int64, allowed, used int, expiresAt *time.Time) *models.DayPass {
	p := &models.DayPass{MemberID: memberID, AllowedUses: allowed, UsedCount: used, ExpiresAt: expiresAt}
	if err := h.db.stores().Passes.Create(context.Background(), p); err != nil {
		t.Fatalf("创建测试日票失败: %v", err)
	}
	return p
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func timePtr(v time.Time) *time.Time { return &v }
