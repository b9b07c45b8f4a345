package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"subsync/internal/constants"
	"subsync/internal/logger"
	"subsync/pkg/errors"
)

type Handler struct {
	auditLog *Logger
	logger   logger.Logger
}

func NewHandler(auditLog *Logger, log logger.Logger) *Handler {
	return &Handler{auditLog: auditLog, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/audit/logs", h.ListLogs)
	}
}

// ListLogs returns audit entries filtered by entity id or by time range.
// Exactly one filter is required; entity_id wins when both are given.
func (h *Handler) ListLogs(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))

	if entityID := c.Query("entity_id"); entityID != "" {
		entries, err := h.auditLog.ListByEntity(c.Request.Context(), entityID, limit)
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
		return
	}

	from, to, err := parseTimeRange(c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	entries, err := h.auditLog.ListByTimeRange(c.Request.Context(), from, to, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

func parseTimeRange(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, errors.ErrValidation.WithDetail("message", "entity_id or from/to range is required")
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.ErrValidation.WithDetail("message", "from must be RFC3339")
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, errors.ErrValidation.WithDetail("message", "to must be RFC3339")
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.ErrValidation.WithDetail("message", "to must be after from")
	}
	return from, to, nil
}

func parseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}
