// Package lock 门锁控制器 (Home Assistant) 客户端
package lock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/pkg/logger"
	"github.com/smysle/doorkeeper/pkg/utils"
)

const (
	minCodeLength = 4
	maxCodeLength = 8
)

// ErrInvalidArgument 槽位或密码参数非法，未发起任何请求
var ErrInvalidArgument = errors.New("门锁参数非法")

// DeviceError 门锁控制器不可达或拒绝了指令
type DeviceError struct {
	Op     string // set / clear / ping
	Slot   int
	Status int // HTTP 状态码，传输错误时为 0
	Body   string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("门锁 %s 槽位 %d 失败: HTTP %d %s", e.Op, e.Slot, e.Status, e.Body)
	}
	return fmt.Sprintf("门锁 %s 槽位 %d 失败: %v", e.Op, e.Slot, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Client 门锁控制器客户端
type Client struct {
	baseURL       string
	setEndpoint   string
	clearEndpoint string
	maxSlot       int
	httpClient    *resty.Client
}

// NewClient 创建门锁客户端
// 不做重试，重试由调用方决定
func NewClient(cfg *config.LockConfig) *Client {
	client := resty.New()
	client.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)
	client.SetRetryCount(0)
	client.SetAuthToken(cfg.Token)
	client.SetHeaders(map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
		"User-Agent":   "doorkeeper/1.0 Go",
	})

	return &Client{
		baseURL:       strings.TrimSuffix(cfg.URL, "/"),
		setEndpoint:   cfg.SetEndpoint,
		clearEndpoint: cfg.ClearEndpoint,
		maxSlot:       cfg.MaxSlot,
		httpClient:    client,
	}
}

type setCodeRequest struct {
	Slot     int    `json:"slot"`
	LockCode string `json:"lock_code"`
}

type clearCodeRequest struct {
	Slot int `json:"slot"`
}

// SetCode 在指定槽位写入密码
func (c *Client) SetCode(ctx context.Context, slot int, code string) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}
	if len(code) < minCodeLength || len(code) > maxCodeLength || !utils.IsDigits(code) {
		return fmt.Errorf("%w: 密码须为 %d-%d 位数字", ErrInvalidArgument, minCodeLength, maxCodeLength)
	}

	if err := c.post(ctx, "set", slot, c.setEndpoint, setCodeRequest{Slot: slot, LockCode: code}); err != nil {
		return err
	}
	logger.Info().Int("slot", slot).Msg("门锁已写入密码")
	return nil
}

// ClearCode 清除指定槽位的密码
func (c *Client) ClearCode(ctx context.Context, slot int) error {
	if err := c.checkSlot(slot); err != nil {
		return err
	}

	if err := c.post(ctx, "clear", slot, c.clearEndpoint, clearCodeRequest{Slot: slot}); err != nil {
		return err
	}
	logger.Info().Int("slot", slot).Msg("门锁已清除密码")
	return nil
}

// Ping 检查控制器是否可达
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.httpClient.R().SetContext(ctx).Get(c.baseURL + "/")
	if err != nil {
		return &DeviceError{Op: "ping", Err: err}
	}
	if resp.IsError() {
		return &DeviceError{Op: "ping", Status: resp.StatusCode(), Body: truncate(resp.String())}
	}
	return nil
}

// post 发送指令，任何非 2xx 响应或传输错误都返回 DeviceError
func (c *Client) post(ctx context.Context, op string, slot int, endpoint string, body interface{}) error {
	url := c.baseURL + endpoint

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		Post(url)
	if err != nil {
		logger.Error().Err(err).Str("op", op).Int("slot", slot).Msg("门锁请求失败")
		return &DeviceError{Op: op, Slot: slot, Err: err}
	}

	status := resp.StatusCode()
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		logger.Warn().Str("op", op).Int("slot", slot).Int("status", status).Msg("门锁拒绝指令")
		return &DeviceError{Op: op, Slot: slot, Status: status, Body: truncate(resp.String())}
	}
	return nil
}

func (c *Client) checkSlot(slot int) error {
	if slot < 1 || (c.maxSlot > 0 && slot > c.maxSlot) {
		return fmt.Errorf("%w: 槽位 %d 超出范围 1-%d", ErrInvalidArgument, slot, c.maxSlot)
	}
	return nil
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
