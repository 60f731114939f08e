package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

// CreateConversation creates a conversation for the caller.
// POST /v1/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	var req domain.CreateConversationRequest
	if c.Request().ContentLength > 0 {
		if err := bind(c, &req); err != nil {
			return h.respondError(c, err)
		}
	}

	conversation, err := h.service.CreateConversation(c.Request().Context(), callerID(c), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, conversation)
}

// ListConversations lists the caller's conversations.
// GET /v1/conversations?page=
func (h *Handler) ListConversations(c echo.Context) error {
	page := 1
	if p := c.QueryParam("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil {
			page = val
		}
	}

	conversations, err := h.service.ListConversations(c.Request().Context(), callerID(c), page)
	if err != nil {
		return h.respondError(c, err)
	}
	if conversations == nil {
		conversations = []domain.Conversation{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversations": conversations,
		"page":          page,
	})
}

// GetConversation returns a conversation with its messages.
// GET /v1/conversations/:id
func (h *Handler) GetConversation(c echo.Context) error {
	resp, err := h.service.GetConversation(c.Request().Context(), callerID(c), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetPublicConversation returns a shared conversation.
// GET /v1/public/conversations/:id
func (h *Handler) GetPublicConversation(c echo.Context) error {
	resp, err := h.service.GetPublicConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// ShareConversation makes a conversation public.
// POST /v1/conversations/:id/share
func (h *Handler) ShareConversation(c echo.Context) error {
	if err := h.service.ShareConversation(c.Request().Context(), callerID(c), c.Param("id")); err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"is_public": true})
}

// DeleteConversation hides a conversation.
// DELETE /v1/conversations/:id
func (h *Handler) DeleteConversation(c echo.Context) error {
	if err := h.service.DeleteConversation(c.Request().Context(), callerID(c), c.Param("id")); err != nil {
		return h.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
