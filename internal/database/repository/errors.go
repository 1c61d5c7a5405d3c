// Package repository 数据仓库
package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/smysle/doorkeeper/internal/database"
	"github.com/smysle/doorkeeper/internal/database/models"
)

var (
	// ErrSlotTaken 槽位唯一索引冲突（并发分配到同一槽位）
	ErrSlotTaken = errors.New("槽位已被占用")
	// ErrHandleTaken Telegram 用户名重复
	ErrHandleTaken = errors.New("Telegram 用户名已存在")
	// ErrPassExhausted 条件自增未命中，日票已用完
	ErrPassExhausted = errors.New("日票次数已用完")
)

// isNotFound 是否为记录不存在
func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// translateDuplicate 将唯一键冲突翻译为仓库层错误
func translateDuplicate(err error) error {
	if !database.IsDuplicateKey(err) {
		return err
	}
	if strings.Contains(err.Error(), "telegram_username") {
		return ErrHandleTaken
	}
	return ErrSlotTaken
}

// RejectedRow 校验未通过、被跳过的数据行
type RejectedRow struct {
	ID  int64
	Err error
}

// splitCodes 拆分出校验通过的码与被拒绝的行
func splitCodes(codes []models.DayCode) ([]models.DayCode, []RejectedRow) {
	valid := codes[:0]
	var rejected []RejectedRow
	for i := range codes {
		if err := codes[i].Validate(); err != nil {
			rejected = append(rejected, RejectedRow{ID: codes[i].ID, Err: err})
			continue
		}
		valid = append(valid, codes[i])
	}
	return valid, rejected
}
