package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"subsync/internal/logger"
	"subsync/pkg/errors"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	service         *Service
	signatureHeader string
	logger          logger.Logger
}

func NewHandler(service *Service, signatureHeader string, log logger.Logger) *Handler {
	return &Handler{
		service:         service,
		signatureHeader: signatureHeader,
		logger:          log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine, middleware ...gin.HandlerFunc) {
	group := router.Group("/webhooks")
	group.Use(middleware...)
	group.POST("/billing", h.ReceiveDelivery)
}

// ReceiveDelivery acknowledges every authenticated, well-formed delivery
// with 200 regardless of outcome, so the provider stops redelivering.
// Transient failures answer 503 to request a redelivery.
func (h *Handler) ReceiveDelivery(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Failed to read delivery body", "error", err)
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	result, err := h.service.ProcessDelivery(c.Request.Context(), c.GetHeader(h.signatureHeader), body)
	if err != nil {
		if errors.IsTransient(err) {
			h.logger.WarnwCtx(c.Request.Context(), "Delivery deferred", "error", err)
		}
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"outcome":   string(result.Outcome),
		"duplicate": result.Duplicate,
	})
}
