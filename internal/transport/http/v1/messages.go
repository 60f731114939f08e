package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/service"
)

// Ask relays a new prompt and streams the answer as plain text.
// POST /v1/conversations/:id/messages
func (h *Handler) Ask(c echo.Context) error {
	var req domain.AskRequest
	if err := bind(c, &req); err != nil {
		return h.respondError(c, err)
	}

	ex, err := h.service.PrepareAsk(c.Request().Context(), callerID(c), c.Param("id"), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.stream(c, ex)
}

// UpdateMessage edits a user message or regenerates an assistant message
// and streams the new answer.
// PUT /v1/messages/:id
func (h *Handler) UpdateMessage(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return h.respondError(c, err)
	}
	var req domain.UpdateMessageRequest
	if c.Request().ContentLength > 0 {
		if err := bind(c, &req); err != nil {
			return h.respondError(c, err)
		}
	}

	ex, err := h.service.PrepareUpdate(c.Request().Context(), callerID(c), id, req)
	if err != nil {
		return h.respondError(c, err)
	}
	return h.stream(c, ex)
}

// GetMessage returns one message to its owner.
// GET /v1/messages/:id
func (h *Handler) GetMessage(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return h.respondError(c, err)
	}

	message, err := h.service.GetMessage(c.Request().Context(), callerID(c), id)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, message)
}

// stream commits a chunked text response and hands it to the relay. Relay
// failures are reported in-band, so the handler never returns an error once
// headers are written.
func (h *Handler) stream(c echo.Context, ex *service.Exchange) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set(echo.HeaderXContentTypeOptions, "nosniff")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	if err := h.service.Relay(c.Request().Context(), ex, res); err != nil {
		h.logger.Debug("stream ended with failure",
			zap.String("conversation_id", ex.Conversation.ID),
			zap.Error(err))
	}
	return nil
}
