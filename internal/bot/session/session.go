// Package session 多步会话状态管理
package session

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Flow 会话类型
type Flow string

const (
	FlowNewCode       Flow = "newcode"
	FlowQuickCode     Flow = "quickcode"
	FlowAddMember     Flow = "addmember"
	FlowAddPasses     Flow = "addpasses"
	FlowAddAdmin      Flow = "addadmin"
	FlowDisableMember Flow = "disablemember"
	FlowEnableMember  Flow = "enablemember"
)

// Step 会话步骤
type Step string

const (
	StepAwaitingCode       Step = "awaiting_code"
	StepAwaitingExpiration Step = "awaiting_expiration"
	StepAwaitingCustomTime Step = "awaiting_custom_time"
	StepAwaitingType       Step = "awaiting_type"
	StepAwaitingName       Step = "awaiting_name"
	StepAwaitingTelegram   Step = "awaiting_telegram"
	StepAwaitingPin        Step = "awaiting_pin"
	StepAwaitingPasses     Step = "awaiting_passes"
	StepAwaitingUsername   Step = "awaiting_username"
	StepAwaitingCount      Step = "awaiting_count"
)

// Session 一个聊天的进行中操作
type Session struct {
	Flow      Flow
	Step      Step
	MemberID  int64  // 操作对象会员
	Name      string // 新会员名 / 对象会员名
	Telegram  string
	Type      string // full / daypass
	Label     string
	ExpiresAt time.Time
}

// Expired 会话是否已超时
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Status Get 的返回状态
type Status int

const (
	StatusNone Status = iota
	StatusActive
	StatusExpired
)

// Manager 会话管理器，按 chat id 存储
//
// 缓存条目比会话多保留一段时间，以便区分"已超时"和"不存在"。
type Manager struct {
	cache *gocache.Cache
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
}

const retainFactor = 6

var (
	instance *Manager
	once     sync.Once
)

// NewManager 创建会话管理器
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		cache: gocache.New(ttl*retainFactor, ttl),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Init 初始化全局会话管理器
func Init(ttl time.Duration) *Manager {
	once.Do(func() {
		instance = NewManager(ttl)
	})
	return instance
}

// GetManager 获取会话管理器单例
func GetManager() *Manager {
	return Init(5 * time.Minute)
}

// WithClock 替换时钟（测试用）
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func key(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// Start 开始新会话，覆盖旧会话
func (m *Manager) Start(chatID int64, flow Flow, step Step) *Session {
	s := &Session{Flow: flow, Step: step}
	m.Save(chatID, s)
	return s
}

// Save 保存会话并刷新超时
func (m *Manager) Save(chatID int64, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ExpiresAt = m.now().Add(m.ttl)
	m.cache.SetDefault(key(chatID), s)
}

// Get 获取会话；超时的会话会被删除并返回 StatusExpired
func (m *Manager) Get(chatID int64) (*Session, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(key(chatID))
	if !ok {
		return nil, StatusNone
	}
	s := v.(*Session)
	if s.Expired(m.now()) {
		m.cache.Delete(key(chatID))
		return nil, StatusExpired
	}
	cp := *s
	return &cp, StatusActive
}

// Clear 清除会话
func (m *Manager) Clear(chatID int64) {
	m.cache.Delete(key(chatID))
}

