// Package middleware Bot 中间件
package middleware

import (
	"context"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	tele "gopkg.in/telebot.v3"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/pkg/logger"
)

const memberKey = "member"

// MemberFinder 按 Telegram 用户名查找会员
type MemberFinder interface {
	FindMemberByTelegram(ctx context.Context, handle string) (*models.Member, error)
}

// Logger 日志中间件
func Logger() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user != nil {
				logger.Debug().
					Int64("user_id", user.ID).
					Str("username", user.Username).
					Str("text", c.Text()).
					Msg("收到消息")
			}
			return next(c)
		}
	}
}

// Recover 恢复中间件
func Recover() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("处理器 panic")

					_ = c.Send("Something went wrong. Please try again.")
				}
			}()
			return next(c)
		}
	}
}

// LoadMember 根据发送者用户名加载会员，未登记时不设置
func LoadMember(finder MemberFinder) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || user.Username == "" {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			member, err := finder.FindMemberByTelegram(ctx, user.Username)
			if err != nil {
				logger.Error().Err(err).Str("username", user.Username).Msg("加载会员失败")
				return c.Send("Could not look up your membership right now. Please try again.")
			}
			if member != nil {
				c.Set(memberKey, member)
			}
			return next(c)
		}
	}
}

// CurrentMember 当前会话的会员，未登记返回 nil
func CurrentMember(c tele.Context) *models.Member {
	m, _ := c.Get(memberKey).(*models.Member)
	return m
}

// IsAdmin 发送者是否有管理权限：管理员会员或配置的 Owner
func IsAdmin(c tele.Context) bool {
	if m := CurrentMember(c); m != nil && m.IsAdmin && !m.Disabled {
		return true
	}
	cfg := config.Get()
	user := c.Sender()
	return cfg != nil && user != nil && cfg.IsOwner(user.ID)
}

// MemberOnly 仅限已登记会员
func MemberOnly() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			m := CurrentMember(c)
			if m == nil {
				return c.Send("You're not registered. Ask an admin to add your Telegram username.")
			}
			if m.Disabled {
				return c.Send("Your membership is disabled.")
			}
			return next(c)
		}
	}
}

// AdminOnly 管理员权限中间件
func AdminOnly() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if !IsAdmin(c) {
				return c.Send("Admins only.")
			}
			return next(c)
		}
	}
}

// PrivateOnly 私聊中间件，门禁码只在私聊中发送
func PrivateOnly() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			chat := c.Chat()
			if chat == nil || chat.Type != tele.ChatPrivate {
				return c.Send("Please message me privately for door codes.")
			}
			return next(c)
		}
	}
}

// rateLimiter 速率限制器，计数存放在带过期的缓存中
type rateLimiter struct {
	mu     sync.Mutex
	counts *gocache.Cache
	limit  int
}

// newRateLimiter 创建速率限制器
func newRateLimiter(requestsPerMinute int) *rateLimiter {
	return &rateLimiter{
		counts: gocache.New(time.Minute, 5*time.Minute),
		limit:  requestsPerMinute,
	}
}

// allow 检查是否允许请求
func (rl *rateLimiter) allow(userID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	k := strconv.FormatInt(userID, 10)
	if _, ok := rl.counts.Get(k); !ok {
		rl.counts.SetDefault(k, 1)
		return true
	}

	n, err := rl.counts.IncrementInt(k, 1)
	if err != nil {
		return true
	}
	return n <= rl.limit
}

// RateLimit 速率限制中间件
func RateLimit(requestsPerMinute int) tele.MiddlewareFunc {
	limiter := newRateLimiter(requestsPerMinute)

	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil {
				return next(c)
			}

			// 管理员不受限制
			if IsAdmin(c) {
				return next(c)
			}

			if !limiter.allow(user.ID) {
				logger.Warn().
					Int64("user_id", user.ID).
					Int("limit", requestsPerMinute).
					Msg("用户触发速率限制")

				return c.Send("⏳ Too many requests. Please wait a minute.")
			}

			return next(c)
		}
	}
}

// AntiFlood 防刷屏中间件（更严格的短时间限制）
func AntiFlood(maxPerSecond int) tele.MiddlewareFunc {
	var (
		mu       sync.Mutex
		lastCall = make(map[int64]time.Time)
	)

	interval := time.Second / time.Duration(maxPerSecond)

	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil {
				return next(c)
			}

			now := time.Now()

			mu.Lock()
			last, exists := lastCall[user.ID]
			if exists && now.Sub(last) < interval {
				mu.Unlock()
				// 太快了，忽略
				return nil
			}
			lastCall[user.ID] = now
			mu.Unlock()

			return next(c)
		}
	}
}
