// Package config 配置管理模块
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config 全局配置结构
type Config struct {
	BotName  string `json:"bot_name"`
	BotToken string `json:"bot_token"`
	Owner    int64  `json:"owner"`
	Timezone string `json:"timezone"`

	Database  DatabaseConfig  `json:"database"`
	Lock      LockConfig      `json:"lock"`
	Slots     SlotsConfig     `json:"slots"`
	Codes     CodesConfig     `json:"codes"`
	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api"`
	Session   SessionConfig   `json:"session"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LockConfig 门锁控制器 (Home Assistant) 配置
type LockConfig struct {
	URL            string `json:"url"`
	Token          string `json:"token"`
	SetEndpoint    string `json:"set_endpoint"`
	ClearEndpoint  string `json:"clear_endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxSlot        int    `json:"max_slot"`
}

// SlotsConfig 键盘槽位配置
type SlotsConfig struct {
	DayCodeMin      int `json:"day_code_min"`
	DayCodeMax      int `json:"day_code_max"`
	ConflictRetries int `json:"conflict_retries"` // 0 取默认值，-1 不重试
}

// PinPolicy 密码长度规则
type PinPolicy struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// CodesConfig 门禁码配置
type CodesConfig struct {
	DailyReset       string            `json:"daily_reset"`        // 日码统一失效时间 HH:MM
	DayPassDuration  string            `json:"day_pass_duration"`  // 非空时按固定时长失效，如 "24h"
	Presets          map[string]string `json:"presets"`            // 快捷码预设 名称 -> HH:MM
	BotPin           PinPolicy         `json:"bot_pin"`            // 机器人自助改码
	AdminPin         PinPolicy         `json:"admin_pin"`          // 管理员设置会员码
	DefaultDayPasses int               `json:"default_day_passes"` // 新建日票会员默认次数
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	ExpireCodes  bool   `json:"expire_codes"`
	DailySweepAt string `json:"daily_sweep_at"`
	PollMinutes  int    `json:"poll_minutes"` // 0 取默认值，-1 关闭轮询
	SyncLockAt   string `json:"sync_lock_at"` // 为空则不做每日全量同步
}

// APIConfig Web API 配置
type APIConfig struct {
	Enabled      bool     `json:"enabled"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Token        string   `json:"token"`
	AllowOrigins []string `json:"allow_origins"`
}

// SessionConfig 机器人多步会话配置
type SessionConfig struct {
	TimeoutMinutes int `json:"timeout_minutes"`
}

// 环境变量覆盖项，可写在 .env 中
const (
	EnvBotToken   = "DOORKEEPER_BOT_TOKEN"
	EnvLockToken  = "DOORKEEPER_LOCK_TOKEN"
	EnvDBPassword = "DOORKEEPER_DB_PASSWORD"
	EnvAPIToken   = "DOORKEEPER_API_TOKEN"
)

var (
	cfg     *Config
	cfgLock sync.RWMutex
)

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	// .env 不存在时忽略
	_ = godotenv.Load()
	config.applyEnv()

	// 设置默认值
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfgLock.Lock()
	cfg = &config
	cfgLock.Unlock()

	return &config, nil
}

// Get 获取全局配置（线程安全）
func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// applyEnv 用环境变量覆盖敏感配置
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBotToken); v != "" {
		c.BotToken = v
	}
	if v := os.Getenv(EnvLockToken); v != "" {
		c.Lock.Token = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvAPIToken); v != "" {
		c.API.Token = v
	}
}

// setDefaults 设置默认值
func (c *Config) setDefaults() {
	if c.BotName == "" {
		c.BotName = "doorkeeper"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Denver"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Lock.SetEndpoint == "" {
		c.Lock.SetEndpoint = "/services/script/set_user_code"
	}
	if c.Lock.ClearEndpoint == "" {
		c.Lock.ClearEndpoint = "/services/script/clear_user_code"
	}
	if c.Lock.TimeoutSeconds == 0 {
		c.Lock.TimeoutSeconds = 8
	}
	if c.Lock.MaxSlot == 0 {
		c.Lock.MaxSlot = 250
	}
	if c.Slots.DayCodeMin == 0 {
		c.Slots.DayCodeMin = 125
	}
	if c.Slots.DayCodeMax == 0 {
		c.Slots.DayCodeMax = 249
	}
	switch {
	case c.Slots.ConflictRetries == 0:
		c.Slots.ConflictRetries = 3
	case c.Slots.ConflictRetries < 0:
		c.Slots.ConflictRetries = 0
	}
	if c.Codes.DailyReset == "" {
		c.Codes.DailyReset = "03:00"
	}
	if len(c.Codes.Presets) == 0 {
		c.Codes.Presets = map[string]string{
			"6pm": "18:00",
			"9pm": "21:00",
			"3am": "03:00",
		}
	}
	if c.Codes.BotPin.Min == 0 && c.Codes.BotPin.Max == 0 {
		c.Codes.BotPin = PinPolicy{Min: 4, Max: 6}
	}
	if c.Codes.AdminPin.Min == 0 && c.Codes.AdminPin.Max == 0 {
		c.Codes.AdminPin = PinPolicy{Min: 4, Max: 8}
	}
	if c.Codes.DefaultDayPasses == 0 {
		c.Codes.DefaultDayPasses = 10
	}
	if c.Scheduler.DailySweepAt == "" {
		c.Scheduler.DailySweepAt = c.Codes.DailyReset
	}
	// 负数保留，调度器据此跳过轮询
	if c.Scheduler.PollMinutes == 0 {
		c.Scheduler.PollMinutes = 5
	}
	if c.API.Port == 0 {
		c.API.Port = 8838
	}
	if len(c.API.AllowOrigins) == 0 {
		c.API.AllowOrigins = []string{"*"}
	}
	if c.Session.TimeoutMinutes == 0 {
		c.Session.TimeoutMinutes = 5
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("无效的时区 %q: %w", c.Timezone, err)
	}
	if c.Slots.DayCodeMin < 1 || c.Slots.DayCodeMin > c.Slots.DayCodeMax {
		return fmt.Errorf("日码槽位范围无效: %d-%d", c.Slots.DayCodeMin, c.Slots.DayCodeMax)
	}
	if c.Slots.DayCodeMax > c.Lock.MaxSlot {
		return fmt.Errorf("日码槽位上限 %d 超出门锁最大槽位 %d", c.Slots.DayCodeMax, c.Lock.MaxSlot)
	}
	for name, p := range map[string]PinPolicy{"bot_pin": c.Codes.BotPin, "admin_pin": c.Codes.AdminPin} {
		if p.Min < 4 || p.Max > 8 || p.Min > p.Max {
			return fmt.Errorf("%s 长度范围无效: %d-%d (允许 4-8)", name, p.Min, p.Max)
		}
	}
	if _, _, err := ParseClock(c.Codes.DailyReset); err != nil {
		return fmt.Errorf("daily_reset: %w", err)
	}
	for name, v := range c.Codes.Presets {
		if _, _, err := ParseClock(v); err != nil {
			return fmt.Errorf("预设 %s: %w", name, err)
		}
	}
	if c.Codes.DayPassDuration != "" {
		d, err := time.ParseDuration(c.Codes.DayPassDuration)
		if err != nil || d <= 0 {
			return fmt.Errorf("day_pass_duration 无效: %q", c.Codes.DayPassDuration)
		}
	}
	return nil
}

// Location 配置时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayPassDuration 日票固定时长，未配置返回 0
func (c *Config) DayPassDuration() time.Duration {
	if c.Codes.DayPassDuration == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Codes.DayPassDuration)
	return d
}

// LockTimeout 门锁调用超时
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

// IsOwner 判断是否是 Owner
func (c *Config) IsOwner(userID int64) bool {
	return c.Owner != 0 && userID == c.Owner
}

var errBadClock = errors.New("时间格式应为 HH:MM")

// ParseClock 解析 HH:MM
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, errBadClock
	}
	return t.Hour(), t.Minute(), nil
}
