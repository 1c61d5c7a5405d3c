// Package utils 工具函数
package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

// RandomDigits 生成指定位数的随机数字串，首位不为 0
func RandomDigits(length int) (string, error) {
	if length <= 0 {
		return "", nil
	}
	// [10^(n-1), 10^n)
	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length-1)), nil)
	span := new(big.Int).Sub(new(big.Int).Mul(low, big.NewInt(10)), low)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", err
	}
	return n.Add(n, low).String(), nil
}

// IsDigits 是否全部为数字
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizeHandle 统一 Telegram 用户名为 @username 形式
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return ""
	}
	if !strings.HasPrefix(handle, "@") {
		handle = "@" + handle
	}
	return handle
}

// FormatTime 格式化为站点时区的可读时间，如 "Thu, Oct 15 3:00 AM"
func FormatTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("Mon, Jan 2 3:04 PM")
}

// NextOccurrence 返回 loc 时区内 now 之后最近一次 hour:minute
// 今天的该时刻已过（含恰好等于）则取明天
func NextOccurrence(now time.Time, loc *time.Location, hour, minute int) time.Time {
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !t.After(local) {
		t = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return t
}
