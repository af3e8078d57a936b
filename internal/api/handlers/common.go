// Package handlers implements the operator and print-server HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/api/middleware"
	"github.com/orrn/printdesk/internal/core"
	"github.com/orrn/printdesk/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorCodes maps core sentinels to an HTTP status and a stable error code.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{core.ErrJobNotFound, http.StatusNotFound, "not_found"},
	{core.ErrPrinterNotFound, http.StatusNotFound, "printer_not_found"},
	{core.ErrEntryNotFound, http.StatusNotFound, "not_found"},
	{core.ErrContentNotFound, http.StatusNotFound, "content_not_found"},
	{core.ErrClaimConflict, http.StatusConflict, "conflict"},
	{core.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{core.ErrEntryNotCancelable, http.StatusConflict, "not_cancelable"},
	{core.ErrInvalidConfig, http.StatusBadRequest, "validation_error"},
	{core.ErrPrinterUnavailable, http.StatusServiceUnavailable, "printer_unavailable"},
	{core.ErrDeviceRejected, http.StatusBadGateway, "device_rejected"},
}

func respondError(c *gin.Context, err error, message string) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			c.JSON(e.status, ErrorResponse{Error: e.code, Message: err.Error()})
			return
		}
	}
	slog.Default().With("component", "api").Error(message, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: message})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: message})
}

// AuditStore records operator actions. db.Store implements it.
type AuditStore interface {
	RecordAudit(ctx context.Context, log *db.AuditLog) error
	ListAudit(ctx context.Context, filter db.AuditFilter, limit, offset int) ([]*db.AuditLog, error)
}

// audit writes a best-effort audit record; a nil store disables auditing.
func audit(c *gin.Context, store AuditStore, action, entityType, entityID string, details map[string]interface{}) {
	if store == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["actor"] = middleware.Actor(c)
	raw, _ := json.Marshal(details)

	err := store.RecordAudit(c.Request.Context(), &db.AuditLog{
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		DetailsJSON: string(raw),
		IPAddress:   c.ClientIP(),
	})
	if err != nil {
		slog.Default().With("component", "api").Warn("failed to record audit log", "action", action, "error", err)
	}
}

const maxPageSize = 500

// paging reads limit and offset query values. Missing, malformed or out of
// range values fall back to defaultLimit and 0.
func paging(c *gin.Context, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= maxPageSize {
			limit = n
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
