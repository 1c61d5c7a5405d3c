package web

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/smysle/doorkeeper/internal/database/models"
	"github.com/smysle/doorkeeper/internal/service"
	pkglogger "github.com/smysle/doorkeeper/pkg/logger"
)

// DayPassRequest 日票码请求
type DayPassRequest struct {
	MemberID int64  `json:"member_id"`
	Label    string `json:"label"`
}

// GuestRequest 访客码请求
//
// ExpiresAt 与 Expires 二选一：前者为 RFC3339 时间，后者为预设名或 "7pm"、"19:30"
// 这类时刻；都为空时使用每日重置时间。
type GuestRequest struct {
	MemberID  *int64     `json:"member_id"`
	Label     string     `json:"label"`
	ExpiresAt *time.Time `json:"expires_at"`
	Expires   string     `json:"expires"`
}

// MemberCodeRequest 会员改码请求，Code 为空或 random 时随机生成
type MemberCodeRequest struct {
	Code string `json:"code"`
}

// MemberStateRequest 会员停用/启用请求
type MemberStateRequest struct {
	Disabled *bool `json:"disabled"`
}

// CodeListResponse 有效码列表
type CodeListResponse struct {
	Codes  []CodeItem `json:"codes"`
	Total  int64      `json:"total"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
}

// CodeItem 有效码列表项
type CodeItem struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Slot        int       `json:"slot"`
	Description string    `json:"description"`
	MemberID    *int64    `json:"member_id,omitempty"`
	DayPassID   *int64    `json:"day_pass_id,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toCodeItem(c *models.DayCode) CodeItem {
	return CodeItem{
		ID:          c.ID,
		Code:        c.Code,
		Slot:        c.PinSlot,
		Description: c.Description(),
		MemberID:    c.MemberID,
		DayPassID:   c.DayPassID,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}

func paramID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &service.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return &service.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}

// issueDayPass POST /api/v1/codes/daypass
func (s *Server) issueDayPass(c *fiber.Ctx) error {
	var req DayPassRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.MemberID <= 0 {
		return &service.ValidationError{Field: "member_id", Reason: "required"}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	issued, err := s.engine.IssueDayPassCode(ctx, req.MemberID, req.Label)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(issued)
}

// issueGuest POST /api/v1/codes/guest
func (s *Server) issueGuest(c *fiber.Ctx) error {
	var req GuestRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	var expiresAt time.Time
	switch {
	case req.ExpiresAt != nil:
		expiresAt = *req.ExpiresAt
	case strings.TrimSpace(req.Expires) != "":
		t, ok := s.engine.Generator().ExpirationForFreeText(req.Expires)
		if !ok {
			return &service.ValidationError{Field: "expires", Reason: "unrecognised time"}
		}
		expiresAt = t
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	issued, err := s.engine.IssueGuestCode(ctx, service.GuestCodeRequest{
		MemberID:  req.MemberID,
		Label:     req.Label,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(issued)
}

// listCodes GET /api/v1/codes
func (s *Server) listCodes(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	codes, total, err := s.engine.ListActiveCodes(ctx, offset, limit)
	if err != nil {
		return err
	}

	items := make([]CodeItem, 0, len(codes))
	for i := range codes {
		items = append(items, toCodeItem(&codes[i]))
	}
	return c.JSON(CodeListResponse{Codes: items, Total: total, Offset: offset, Limit: limit})
}

// revokeCode POST /api/v1/codes/:id/revoke
func (s *Server) revokeCode(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := s.engine.RevokeCode(ctx, id); err != nil {
		return err
	}
	pkglogger.Info().Int64("code_id", id).Msg("API 撤销门禁码")
	return c.JSON(fiber.Map{"id": id, "revoked": true})
}

// regenerateMemberCode POST /api/v1/members/:id/code
func (s *Server) regenerateMemberCode(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req MemberCodeRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return err
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	code, err := s.engine.RegenerateMemberCode(ctx, id, req.Code, service.PolicyAdmin)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"member_id": id, "code": code})
}

// setMemberDisabled POST /api/v1/members/:id/disabled
func (s *Server) setMemberDisabled(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req MemberStateRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Disabled == nil {
		return &service.ValidationError{Field: "disabled", Reason: "required"}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := s.engine.SetDisabled(ctx, id, *req.Disabled); err != nil {
		return err
	}
	pkglogger.Info().Int64("member_id", id).Bool("disabled", *req.Disabled).Msg("API 变更会员状态")
	return c.JSON(fiber.Map{"member_id": id, "disabled": *req.Disabled})
}

// syncLock POST /api/v1/lock/sync
func (s *Server) syncLock(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := s.engine.SyncAllToLock(ctx)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// sweep POST /api/v1/lock/sweep
func (s *Server) sweep(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := s.engine.SweepExpired(ctx)
	if err != nil {
		return err
	}
	return c.JSON(result)
}
