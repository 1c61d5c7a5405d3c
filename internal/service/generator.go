package service

import (
	mrand "math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/pkg/logger"
	"github.com/smysle/doorkeeper/pkg/utils"
)

// codeLength 生成的门禁码位数
const codeLength = 6

// freeTextPattern 匹配 "8:30pm"、"9"、"14:00"、"9 PM"
var freeTextPattern = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm|a|p)?$`)

type clock struct {
	hour, minute int
}

// Generator 门禁码与到期时间生成器，所有时间计算都在配置时区内
type Generator struct {
	loc        *time.Location
	now        func() time.Time
	dailyReset clock
	presets    map[string]clock
	fixed      time.Duration
}

// NewGenerator 根据配置创建生成器
func NewGenerator(cfg *config.Config) *Generator {
	g := &Generator{
		loc:     cfg.Location(),
		now:     time.Now,
		presets: make(map[string]clock, len(cfg.Codes.Presets)),
		fixed:   cfg.DayPassDuration(),
	}

	h, m, err := config.ParseClock(cfg.Codes.DailyReset)
	if err != nil {
		h, m = 3, 0
	}
	g.dailyReset = clock{h, m}

	for name, v := range cfg.Codes.Presets {
		if h, m, err := config.ParseClock(v); err == nil {
			g.presets[strings.ToLower(name)] = clock{h, m}
		}
	}
	return g
}

// WithClock 替换时钟（测试用）
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Now 当前时间
func (g *Generator) Now() time.Time {
	return g.now()
}

// Location 配置时区
func (g *Generator) Location() *time.Location {
	return g.loc
}

// GenerateCode 生成 6 位随机码，范围 [100000, 999999]
func (g *Generator) GenerateCode() string {
	code, err := utils.RandomDigits(codeLength)
	if err != nil {
		logger.Warn().Err(err).Msg("crypto/rand 不可用，回退到 math/rand")
		return strconv.Itoa(100000 + mrand.Intn(900000))
	}
	return code
}

// PresetNames 可用的预设名称
func (g *Generator) PresetNames() []string {
	names := make([]string, 0, len(g.presets))
	for name := range g.presets {
		names = append(names, name)
	}
	return names
}

// ExpirationForPreset 预设名称对应的下一次到期时间
func (g *Generator) ExpirationForPreset(name string) (time.Time, bool) {
	c, ok := g.presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return time.Time{}, false
	}
	return utils.NextOccurrence(g.now(), g.loc, c.hour, c.minute), true
}

// ExpirationForFreeText 解析用户输入的时间，如 "8:30pm"、"9"、"14:00"
func (g *Generator) ExpirationForFreeText(input string) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(input))
	if t, ok := g.ExpirationForPreset(s); ok {
		return t, true
	}

	match := freeTextPattern.FindStringSubmatch(s)
	if match == nil {
		return time.Time{}, false
	}

	hour, _ := strconv.Atoi(match[1])
	minute := 0
	if match[2] != "" {
		minute, _ = strconv.Atoi(match[2])
	}
	if minute > 59 {
		return time.Time{}, false
	}

	switch meridiem := match[3]; meridiem {
	case "":
		if hour > 23 {
			return time.Time{}, false
		}
	default:
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		pm := strings.HasPrefix(meridiem, "p")
		switch {
		case hour == 12 && !pm:
			hour = 0
		case hour != 12 && pm:
			hour += 12
		}
	}

	return utils.NextOccurrence(g.now(), g.loc, hour, minute), true
}

// DailyResetExpiration 下一次每日重置时间（默认 03:00）
func (g *Generator) DailyResetExpiration() time.Time {
	return utils.NextOccurrence(g.now(), g.loc, g.dailyReset.hour, g.dailyReset.minute)
}

// DayPassExpiration 日票码的到期时间：配置了固定时长则按时长，否则到每日重置
func (g *Generator) DayPassExpiration() time.Time {
	if g.fixed > 0 {
		return g.now().Add(g.fixed)
	}
	return g.DailyResetExpiration()
}
