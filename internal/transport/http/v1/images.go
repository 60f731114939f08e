package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

// GenerateImage queues an image generation in a conversation and returns the
// placeholder message id.
// POST /v1/conversations/:id/images
func (h *Handler) GenerateImage(c echo.Context) error {
	var req domain.ImageRequest
	if err := bind(c, &req); err != nil {
		return h.respondError(c, err)
	}

	resp, err := h.service.GenerateImage(c.Request().Context(), callerID(c), c.Param("id"), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GenerateStandaloneImage queues an image generation in a new hidden conversation.
// POST /v1/images
func (h *Handler) GenerateStandaloneImage(c echo.Context) error {
	var req domain.ImageRequest
	if err := bind(c, &req); err != nil {
		return h.respondError(c, err)
	}

	resp, err := h.service.GenerateStandaloneImage(c.Request().Context(), callerID(c), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}
