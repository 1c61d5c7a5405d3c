// Package config 配置模块测试
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_IsOwner(t *testing.T) {
	cfg := &Config{
		Owner: 12345,
	}

	if !cfg.IsOwner(12345) {
		t.Error("IsOwner(12345) 应该返回 true")
	}

	if cfg.IsOwner(99999) {
		t.Error("IsOwner(99999) 应该返回 false")
	}

	empty := &Config{}
	if empty.IsOwner(0) {
		t.Error("未配置 Owner 时 IsOwner(0) 应该返回 false")
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.setDefaults()

	if cfg.Timezone != "America/Denver" {
		t.Errorf("默认时区应该是 America/Denver，实际是 '%s'", cfg.Timezone)
	}

	if cfg.Slots.DayCodeMin != 125 || cfg.Slots.DayCodeMax != 249 {
		t.Errorf("默认日码槽位应该是 125-249，实际是 %d-%d", cfg.Slots.DayCodeMin, cfg.Slots.DayCodeMax)
	}

	if cfg.Codes.BotPin != (PinPolicy{Min: 4, Max: 6}) {
		t.Errorf("默认 bot_pin 应该是 4-6，实际是 %+v", cfg.Codes.BotPin)
	}

	if cfg.Codes.AdminPin != (PinPolicy{Min: 4, Max: 8}) {
		t.Errorf("默认 admin_pin 应该是 4-8，实际是 %+v", cfg.Codes.AdminPin)
	}

	if cfg.Scheduler.DailySweepAt != "03:00" {
		t.Errorf("默认每日清理时间应该是 03:00，实际是 %s", cfg.Scheduler.DailySweepAt)
	}

	if cfg.Lock.TimeoutSeconds != 8 {
		t.Errorf("默认门锁超时应该是 8，实际是 %d", cfg.Lock.TimeoutSeconds)
	}

	if cfg.Database.Port != 3306 {
		t.Errorf("默认数据库端口应该是 3306，实际是 %d", cfg.Database.Port)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("默认配置应该通过校验: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"默认配置", func(*Config) {}, false},
		{"无效时区", func(c *Config) { c.Timezone = "Mars/Olympus" }, true},
		{"槽位范围颠倒", func(c *Config) { c.Slots.DayCodeMin, c.Slots.DayCodeMax = 200, 150 }, true},
		{"槽位超出门锁", func(c *Config) { c.Slots.DayCodeMax = 400 }, true},
		{"密码长度过短", func(c *Config) { c.Codes.BotPin = PinPolicy{Min: 3, Max: 6} }, true},
		{"密码长度过长", func(c *Config) { c.Codes.AdminPin = PinPolicy{Min: 4, Max: 9} }, true},
		{"预设时间格式错误", func(c *Config) { c.Codes.Presets["bad"] = "25:00" }, true},
		{"固定时长", func(c *Config) { c.Codes.DayPassDuration = "24h" }, false},
		{"固定时长无效", func(c *Config) { c.Codes.DayPassDuration = "-1h" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.setDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"bot_token":"from-file","lock":{"url":"http://ha.local/api","token":"file-token"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv(EnvLockToken, "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Lock.Token != "env-token" {
		t.Errorf("环境变量应覆盖 lock.token，实际是 %s", cfg.Lock.Token)
	}
	if cfg.BotToken != "from-file" {
		t.Errorf("bot_token 应保持文件中的值，实际是 %s", cfg.BotToken)
	}
	if Get() != cfg {
		t.Error("Get() 应返回最近一次加载的配置")
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("03:00")
	if err != nil || h != 3 || m != 0 {
		t.Errorf("ParseClock(03:00) = %d, %d, %v", h, m, err)
	}

	if _, _, err := ParseClock("3am"); err == nil {
		t.Error("ParseClock(3am) 应该返回错误")
	}
}

func TestLoad_SetsGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"bot_name":"front-door","codes":{"presets":{"5pm":"17:00"}}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if Get() != cfg {
		t.Error("Get() 应返回最近一次加载的配置")
	}
	if cfg.BotName != "front-door" || cfg.Codes.Presets["5pm"] != "17:00" {
		t.Errorf("配置内容错误: %+v", cfg.Codes.Presets)
	}
	if cfg.Codes.DailyReset == "" || cfg.Slots.DayCodeMin == 0 {
		t.Error("未配置的字段应使用默认值")
	}
}

func TestSetDefaults_DisableSentinels(t *testing.T) {
	tests := []struct {
		name        string
		retries     int
		poll        int
		wantRetries int
		wantPoll    int
	}{
		{"未配置取默认值", 0, 0, 3, 5},
		{"负数关闭", -1, -1, 0, -1},
		{"显式配置", 1, 15, 1, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				Slots:     SlotsConfig{ConflictRetries: tt.retries},
				Scheduler: SchedulerConfig{PollMinutes: tt.poll},
			}
			c.setDefaults()
			if c.Slots.ConflictRetries != tt.wantRetries {
				t.Errorf("ConflictRetries = %d, want %d", c.Slots.ConflictRetries, tt.wantRetries)
			}
			if c.Scheduler.PollMinutes != tt.wantPoll {
				t.Errorf("PollMinutes = %d, want %d", c.Scheduler.PollMinutes, tt.wantPoll)
			}
		})
	}
}
