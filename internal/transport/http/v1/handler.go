// Package v1 provides the public HTTP handlers of the chat relay.
package v1

import (
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/service"
)

// UserIDHeader carries the authenticated caller id.
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	logger  *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/v1/public/conversations/:id", h.GetPublicConversation)

	api := e.Group("/v1", h.RequireUser)

	api.POST("/conversations", h.CreateConversation)
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id", h.GetConversation)
	api.POST("/conversations/:id/share", h.ShareConversation)
	api.DELETE("/conversations/:id", h.DeleteConversation)

	api.POST("/conversations/:id/messages", h.Ask)
	api.PUT("/messages/:id", h.UpdateMessage)
	api.GET("/messages/:id", h.GetMessage)

	api.POST("/conversations/:id/images", h.GenerateImage)
	api.POST("/images", h.GenerateStandaloneImage)

	api.POST("/files", h.UploadFile)
	api.GET("/files/:id/status", h.FileStatus)
	api.POST("/files/:id/activate", h.ActivateFile)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// RequireUser rejects requests without a valid caller id.
func (h *Handler) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := strconv.ParseInt(c.Request().Header.Get(UserIDHeader), 10, 64)
		if err != nil || userID <= 0 {
			return h.respondError(c, domain.ErrUnauthorized)
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

func callerID(c echo.Context) int64 {
	id, _ := c.Get(userIDKey).(int64)
	return id
}

func int64Param(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, domain.NewValidationError(name, "must be an integer")
	}
	return id, nil
}

// bind decodes and validates the request body into req.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return domain.NewValidationError("", "invalid request body")
	}
	return c.Validate(req)
}

// respondError maps domain errors onto status codes.
func (h *Handler) respondError(c echo.Context, err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		body := map[string]string{"error": verr.Message}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		return c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrForbidden):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, domain.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing or invalid " + UserIDHeader})
	default:
		h.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// Validator adapts go-playground/validator to echo, reporting failures as
// *domain.ValidationError keyed by the JSON field name.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate implements echo.Validator.
func (v *Validator) Validate(i interface{}) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required":
			return domain.NewValidationError(fe.Field(), "is required")
		case "oneof":
			return domain.NewValidationError(fe.Field(), "must be one of %s", fe.Param())
		default:
			return domain.NewValidationError(fe.Field(), "failed %s validation", fe.Tag())
		}
	}
	return err
}
