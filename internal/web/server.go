// Package web Web API 服务
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/smysle/doorkeeper/internal/config"
	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/service"
	pkglogger "github.com/smysle/doorkeeper/pkg/logger"
)

// Engine API 用到的门禁服务
type Engine interface {
	Generator() *service.Generator

	IssueDayPassCode(ctx context.Context, memberID int64, label string) (*service.IssuedCode, error)
	IssueGuestCode(ctx context.Context, req service.GuestCodeRequest) (*service.IssuedCode, error)
	RevokeCode(ctx context.Context, codeID int64) error
	ListActiveCodes(ctx context.Context, offset, limit int) ([]models.DayCode, int64, error)
	RegenerateMemberCode(ctx context.Context, memberID int64, explicit string, policy service.CodePolicy) (string, error)
	SetDisabled(ctx context.Context, memberID int64, disabled bool) error
	SyncAllToLock(ctx context.Context) (*service.SyncResult, error)
	SweepExpired(ctx context.Context) (*service.SweepResult, error)
}

// Check 依赖健康检查
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Server Web 服务器
type Server struct {
	app       *fiber.App
	cfg       *config.APIConfig
	engine    Engine
	checks    []Check
	startTime time.Time
}

const requestTimeout = 30 * time.Second

// New 创建 Web 服务器
func New(cfg *config.APIConfig, engine Engine, checks ...Check) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// 中间件
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowOrigins, ","),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	server := &Server{
		app:       app,
		cfg:       cfg,
		engine:    engine,
		checks:    checks,
		startTime: time.Now(),
	}

	// 注册路由
	server.registerRoutes()

	return server
}

// registerRoutes 注册路由
func (s *Server) registerRoutes() {
	// 健康检查
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/", s.healthCheck)

	// 详细状态
	s.app.Get("/status", s.detailedStatus)

	// API v1
	v1 := s.app.Group("/api/v1", s.requireToken)

	codes := v1.Group("/codes")
	codes.Post("/daypass", s.issueDayPass)
	codes.Post("/guest", s.issueGuest)
	codes.Get("/", s.listCodes)
	codes.Post("/:id/revoke", s.revokeCode)

	members := v1.Group("/members")
	members.Post("/:id/code", s.regenerateMemberCode)
	members.Post("/:id/disabled", s.setMemberDisabled)

	lockGroup := v1.Group("/lock")
	lockGroup.Post("/sync", s.syncLock)
	lockGroup.Post("/sweep", s.sweep)
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		pkglogger.Info().Msg("【API服务】未启用，跳过...")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	pkglogger.Info().Str("addr", addr).Msg("【API服务】启动中...")

	return s.app.Listen(addr)
}

// Stop 停止服务器
func (s *Server) Stop() error {
	return s.app.Shutdown()
}

// requireToken Bearer Token 鉴权，未配置 token 时拒绝所有请求
func (s *Server) requireToken(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if s.cfg.Token == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or missing token")
	}
	return c.Next()
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusFor 错误类型对应的 HTTP 状态码
func StatusFor(err error) int {
	switch service.Kind(err) {
	case service.KindValidation:
		return fiber.StatusBadRequest
	case service.KindNotEligible:
		return fiber.StatusForbidden
	case service.KindNotFound:
		return fiber.StatusNotFound
	case service.KindExhausted:
		if errors.Is(err, service.ErrSlotsExhausted) {
			return fiber.StatusServiceUnavailable
		}
		return fiber.StatusConflict
	case service.KindConflict:
		return fiber.StatusConflict
	case service.KindDevice:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// errorHandler 统一错误响应
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Error: fe.Message})
	}

	kind := service.Kind(err)
	status := StatusFor(err)
	msg := err.Error()
	switch kind {
	case service.KindInternal:
		msg = "internal error"
	case service.KindDevice:
		msg = "lock controller unavailable"
	case service.KindPersistence:
		msg = persistenceMessage(err)
	}

	evt := pkglogger.Warn()
	if status >= fiber.StatusInternalServerError {
		evt = pkglogger.Error()
	}
	evt.Err(err).Str("path", c.Path()).Str("kind", kind.String()).Int("status", status).Msg("API 请求失败")

	return c.Status(status).JSON(ErrorResponse{Error: msg, Kind: kind.String()})
}

// persistenceMessage 落库失败的对外提示，不暴露数据库错误原文
func persistenceMessage(err error) string {
	var pe *service.PersistenceError
	if errors.As(err, &pe) && pe.DeviceUpdated {
		return "lock updated but record not saved; run a lock sync"
	}
	return "record not saved"
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

// StatusResponse 详细状态响应
type StatusResponse struct {
	Status       string            `json:"status"`
	Uptime       string            `json:"uptime"`
	System       SystemInfo        `json:"system"`
	Dependencies map[string]string `json:"dependencies"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAlloc     string `json:"mem_alloc"`
}

// detailedStatus 详细状态，任一依赖不可用时返回 503
func (s *Server) detailedStatus(c *fiber.Ctx) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(s.checks))
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			pkglogger.Warn().Err(err).Str("check", check.Name).Msg("健康检查失败")
			deps[check.Name] = "unavailable"
			status = "degraded"
			continue
		}
		deps[check.Name] = "ok"
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(StatusResponse{
		Status: status,
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAlloc:     fmt.Sprintf("%.2f MB", float64(memStats.Alloc)/1024/1024),
		},
		Dependencies: deps,
	})
}
