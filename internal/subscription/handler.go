package subscription

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"subsync/internal/logger"
	"subsync/pkg/errors"
)

type Handler struct {
	reader Reader
	logger logger.Logger
}

func NewHandler(reader Reader, log logger.Logger) *Handler {
	return &Handler{reader: reader, logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/subscriptions/:entity_id", h.GetSubscription)
	}
}

func (h *Handler) GetSubscription(c *gin.Context) {
	entityID := c.Param("entity_id")

	sub, err := h.reader.GetByEntity(c.Request.Context(), entityID)
	if err != nil {
		if !errors.IsNotFound(err) {
			h.logger.ErrorwCtx(c.Request.Context(), "Subscription lookup failed", "error", err, "entity_id", entityID)
		}
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, sub)
}
