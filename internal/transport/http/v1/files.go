package v1

import (
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/service"
)

// UploadFile stores a multipart upload sent as either "file" or "image".
// POST /v1/files
func (h *Handler) UploadFile(c echo.Context) error {
	up, err := readUpload(c)
	if err != nil {
		return h.respondError(c, err)
	}

	file, err := h.service.UploadFile(c.Request().Context(), callerID(c), up)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, file)
}

func readUpload(c echo.Context) (*service.Upload, error) {
	for _, kind := range []domain.FileKind{domain.FileKindFile, domain.FileKindImage} {
		header, err := c.FormFile(string(kind))
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			return nil, domain.NewValidationError("", "invalid multipart body")
		}
		data, err := readPart(header, kind)
		if err != nil {
			return nil, err
		}
		return &service.Upload{Kind: kind, Filename: header.Filename, Data: data}, nil
	}
	return nil, domain.NewValidationError("", "no file was uploaded")
}

func readPart(header *multipart.FileHeader, kind domain.FileKind) ([]byte, error) {
	limit := int64(service.MaxDocumentBytes)
	if kind == domain.FileKindImage {
		limit = service.MaxImageBytes
	}
	if header.Size > limit {
		return nil, domain.NewValidationError(string(kind), "must be at most %dMB", limit>>20)
	}

	f, err := header.Open()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open upload")
	}
	defer f.Close()
	// One extra byte lets the service reject oversized parts.
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read upload")
	}
	return data, nil
}

// FileStatus reports whether a file can be attached.
// GET /v1/files/:id/status
func (h *Handler) FileStatus(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return h.respondError(c, err)
	}

	status, err := h.service.FileStatus(c.Request().Context(), callerID(c), id)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// ActivateFile re-dispatches the readiness job of a pending file.
// POST /v1/files/:id/activate
func (h *Handler) ActivateFile(c echo.Context) error {
	id, err := int64Param(c, "id")
	if err != nil {
		return h.respondError(c, err)
	}

	dispatched, err := h.service.ActivateFile(c.Request().Context(), callerID(c), id)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"dispatched": dispatched})
}
