package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/queue"
	"github.com/xiaot623/gogo/chatrelay/internal/storage"
)

const (
	MaxDocumentBytes = 50 << 20
	MaxImageBytes    = 19 << 20
)

var (
	documentExtensions = []string{
		"c", "cpp", "cs", "css", "doc", "docx", "go", "html", "java", "js", "json", "md",
		"pdf", "php", "pptx", "py", "rb", "sh", "tex", "ts", "txt",
	}
	imageExtensions = []string{"png", "jpeg", "jpg", "webp"}
	imageMIMEs      = []string{"image/png", "image/jpeg", "image/webp"}
)

// Upload is a file received from the client.
type Upload struct {
	Kind     domain.FileKind
	Filename string
	Data     []byte
}

func validateUpload(up *Upload) (string, error) {
	field := string(up.Kind)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(up.Filename), "."))
	switch up.Kind {
	case domain.FileKindFile:
		if len(up.Data) > MaxDocumentBytes {
			return "", domain.NewValidationError(field, "must be at most 50MB")
		}
		if !contains(documentExtensions, ext) {
			return "", domain.NewValidationError(field, "unsupported extension %q", ext)
		}
	case domain.FileKindImage:
		if len(up.Data) > MaxImageBytes {
			return "", domain.NewValidationError(field, "must be at most 19MB")
		}
		if !contains(imageExtensions, ext) {
			return "", domain.NewValidationError(field, "unsupported extension %q", ext)
		}
		if mt := mimetype.Detect(up.Data); !mimetype.EqualsAny(mt.String(), imageMIMEs...) {
			return "", domain.NewValidationError(field, "content is %s, not an image", mt.String())
		}
	default:
		return "", domain.NewValidationError("", "no file was uploaded")
	}
	if len(up.Data) == 0 {
		return "", domain.NewValidationError(field, "is empty")
	}
	return ext, nil
}

// UploadFile stores an upload. Images are usable immediately. Documents are
// indexed by the provider and become ready once the activation job sees the
// index complete.
func (s *Service) UploadFile(ctx context.Context, userID int64, up *Upload) (*domain.UploadedFile, error) {
	ext, err := validateUpload(up)
	if err != nil {
		return nil, err
	}

	contentType := mimetype.Detect(up.Data).String()
	location, err := s.blobs.Put(ctx, storage.NewKey(storage.PrefixUploads, userID, ext), up.Data, contentType)
	if err != nil {
		return nil, err
	}

	file := &domain.UploadedFile{
		UserID: userID,
		URL:    location,
		Size:   int64(len(up.Data)),
		Kind:   up.Kind,
	}
	if up.Kind == domain.FileKindImage {
		file.IsReady = true
		if err := s.store.CreateFile(ctx, file); err != nil {
			return nil, err
		}
		return file, nil
	}

	providerFileID, err := s.llmClient.UploadFile(ctx, filepath.Base(up.Filename), up.Data)
	if err != nil {
		return nil, err
	}
	vectorStoreID, err := s.llmClient.CreateVectorStore(ctx, []string{providerFileID})
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().UTC().Add(s.config.FileTTL)
	file.ExpiresAt = &expiresAt
	file.VectorStore = vectorStoreID
	if err := s.store.CreateFile(ctx, file); err != nil {
		return nil, err
	}

	if err := s.dispatchActivation(ctx, file); err != nil {
		// The file can be activated again later.
		s.logger.Warn("failed to dispatch file activation", zap.Int64("file_id", file.ID), zap.Error(err))
	}
	return file, nil
}

// FileStatus reports readiness of a file owned by userID.
func (s *Service) FileStatus(ctx context.Context, userID int64, id int64) (*domain.FileStatusResponse, error) {
	file, err := s.ownedFile(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return &domain.FileStatusResponse{IsReady: file.IsReady, IsExpired: file.IsExpired}, nil
}

// ActivateFile dispatches a readiness job for a pending document. It reports
// whether a job was dispatched; ready, expired and image files are left alone.
func (s *Service) ActivateFile(ctx context.Context, userID int64, id int64) (bool, error) {
	file, err := s.ownedFile(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if file.IsReady || file.IsExpired || file.VectorStore == "" {
		return false, nil
	}
	if err := s.dispatchActivation(ctx, file); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) ownedFile(ctx context.Context, userID int64, id int64) (*domain.UploadedFile, error) {
	file, err := s.store.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, domain.ErrNotFound
	}
	if file.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return file, nil
}

func (s *Service) dispatchActivation(ctx context.Context, file *domain.UploadedFile) error {
	return s.jobs.Dispatch(ctx, domain.JobActivateFile, domain.ActivateFilePayload{
		VectorStoreID: file.VectorStore,
		FileID:        file.ID,
		TargetCount:   1,
	})
}

// HandleActivateFile is the activate_file job handler. It polls the vector
// store until the target file count completed, any file failed, or the poll
// budget ran out.
func (s *Service) HandleActivateFile(ctx context.Context, raw json.RawMessage) error {
	var p domain.ActivateFilePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Permanent(errors.Wrap(err, "invalid activate_file payload"))
	}
	target := p.TargetCount
	if target < 1 {
		target = 1
	}

	file, err := s.store.GetFile(ctx, p.FileID)
	if err != nil {
		return err
	}
	if file == nil {
		return queue.Permanent(errors.Errorf("file %d was not found", p.FileID))
	}
	if file.IsReady {
		return nil
	}

	logger := s.logger.With(zap.Int64("file_id", p.FileID), zap.String("vector_store_id", p.VectorStoreID))
	for poll := 1; poll <= s.config.Readiness.MaxPolls; poll++ {
		status, err := s.llmClient.RetrieveVectorStore(ctx, p.VectorStoreID)
		s.metrics.ObserveReadinessPoll()
		switch {
		case err != nil:
			logger.Warn("vector store poll failed", zap.Int("poll", poll), zap.Error(err))
		case status.Failed > 0:
			return queue.Permanent(errors.Errorf("indexing failed for %d file(s)", status.Failed))
		case status.Completed >= target:
			if _, err := s.store.MarkFileReady(ctx, p.FileID); err != nil {
				return err
			}
			logger.Info("file is ready", zap.Int("polls", poll))
			return nil
		}

		if poll == s.config.Readiness.MaxPolls {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.Readiness.PollInterval):
		}
	}
	return errors.Errorf("file %d not ready after %d polls", p.FileID, s.config.Readiness.MaxPolls)
}

// RescueActivateFile expires a file whose indexing never completed so it can
// no longer be attached.
func (s *Service) RescueActivateFile(ctx context.Context, raw json.RawMessage, cause error) error {
	var p domain.ActivateFilePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "invalid activate_file payload")
	}
	expired, err := s.store.MarkFileExpired(ctx, p.FileID)
	if err != nil {
		return err
	}
	if expired {
		s.logger.Warn("expired file after failed activation", zap.Int64("file_id", p.FileID), zap.NamedError("cause", cause))
	}
	return nil
}
