package replay

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"subsync/internal/logger"
	"subsync/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine, middleware ...gin.HandlerFunc) {
	v1 := router.Group("/api/v1")
	v1.Use(middleware...)
	v1.POST("/replay", h.TriggerReplay)
}

type replayRequest struct {
	EventIDs []string `json:"event_ids"`
	JobID    string   `json:"job_id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
}

// TriggerReplay re-drives stored deliveries. The request names either an
// explicit event id list or a from/to time window.
func (h *Handler) TriggerReplay(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	var summary Summary
	var err error

	switch {
	case len(req.EventIDs) > 0:
		summary, err = h.service.ReplayEvents(c.Request.Context(), req.EventIDs)
	case req.From != "" && req.To != "":
		var from, to time.Time
		from, to, err = parseWindow(req.From, req.To)
		if err != nil {
			c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
			return
		}
		jobID := req.JobID
		if jobID == "" {
			jobID = uuid.New().String()
		}
		summary, err = h.service.ReplayRange(c.Request.Context(), jobID, from, to)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"job_id": jobID, "summary": summary})
			return
		}
	default:
		err = errors.ErrValidation.WithDetail("message", "event_ids or from/to window is required")
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Replay failed", "error", err)
		c.JSON(errors.ToHTTPStatus(errors.ErrServiceUnavailable), errors.ToErrorResponse(errors.ErrServiceUnavailable.WithCause(err)))
		return
	}

	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
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
