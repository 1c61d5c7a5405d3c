// Package service 门禁码业务服务
package service

import (
	"errors"
	"fmt"

	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/lock"
)

// 对外可见的错误信息保持英文，由前端直接展示
var (
	ErrNotEligible       = errors.New("not eligible for this action")
	ErrNoPassesRemaining = errors.New("no day passes remaining")
	ErrSlotsExhausted    = errors.New("all keypad slots are in use")
	ErrNoSlotAssigned    = errors.New("no keypad slot assigned")
	ErrInvalidCode       = errors.New("invalid code")
	ErrCodeNotFound      = errors.New("code not found or already inactive")
	ErrMemberNotFound    = errors.New("member not found")
	ErrSlotConflict      = errors.New("keypad slot was taken concurrently, try again")
	ErrLastAdmin         = errors.New("cannot remove the last admin")
)

// ValidationError 输入校验失败，在任何 I/O 之前返回
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// PersistenceError 数据库写入失败
// DeviceUpdated 为 true 表示门锁已变更而记录未保存，需要运维执行全量同步
type PersistenceError struct {
	Op            string
	DeviceUpdated bool
	Err           error
}

func (e *PersistenceError) Error() string {
	if e.DeviceUpdated {
		return fmt.Sprintf("lock updated but record not saved (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("record not saved (%s): %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrorKind 错误分类，前端据此给出不同提示
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotEligible
	KindExhausted
	KindDevice
	KindPersistence
	KindNotFound
	KindConflict
)

// String 分类名称
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotEligible:
		return "not_eligible"
	case KindExhausted:
		return "exhausted"
	case KindDevice:
		return "device"
	case KindPersistence:
		return "persistence"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Kind 对错误进行分类
func Kind(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}

	var validationErr *ValidationError
	var persistErr *PersistenceError
	var deviceErr *lock.DeviceError

	switch {
	case errors.As(err, &persistErr), errors.Is(err, models.ErrMalformedRow):
		return KindPersistence
	case errors.As(err, &validationErr),
		errors.Is(err, ErrInvalidCode),
		errors.Is(err, lock.ErrInvalidArgument):
		return KindValidation
	case errors.As(err, &deviceErr):
		return KindDevice
	case errors.Is(err, ErrNotEligible),
		errors.Is(err, ErrNoSlotAssigned),
		errors.Is(err, ErrLastAdmin):
		return KindNotEligible
	case errors.Is(err, ErrNoPassesRemaining), errors.Is(err, ErrSlotsExhausted):
		return KindExhausted
	case errors.Is(err, ErrCodeNotFound), errors.Is(err, ErrMemberNotFound):
		return KindNotFound
	case errors.Is(err, ErrSlotConflict):
		return KindConflict
	}
	return KindInternal
}
