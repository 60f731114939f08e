package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/queue"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
	"github.com/xiaot623/gogo/chatrelay/internal/storage"
)

const (
	imageModel         = "gpt-image-1"
	maxInputImageBytes = 20 << 20
)

var (
	imageSizes     = []string{"1024x1024", "1024x1536", "1536x1024"}
	imageQualities = []string{"low", "medium", "high"}
)

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func validateImageRequest(req domain.ImageRequest) error {
	if req.Prompt == "" {
		return domain.NewValidationError("prompt", "is required")
	}
	if !contains(imageSizes, req.Size) {
		return domain.NewValidationError("size", "unsupported size %q", req.Size)
	}
	if !contains(imageQualities, req.Quality) {
		return domain.NewValidationError("quality", "unsupported quality %q", req.Quality)
	}
	return nil
}

// GenerateImage records an image exchange on a conversation owned by userID
// and dispatches the job that completes it. It returns the placeholder.
func (s *Service) GenerateImage(ctx context.Context, userID int64, conversationID string, req domain.ImageRequest) (*domain.ImageResponse, error) {
	if err := validateImageRequest(req); err != nil {
		return nil, err
	}
	conversation, err := s.authorizeConversation(ctx, userID, conversationID, domain.AccessWrite)
	if err != nil {
		return nil, err
	}
	parent, err := s.resolveParent(ctx, conversation.ID, req.ParentID)
	if err != nil {
		return nil, err
	}
	return s.startImageExchange(ctx, userID, conversation, parent, req, parent == nil)
}

// GenerateStandaloneImage runs the image workflow in a new hidden conversation.
func (s *Service) GenerateStandaloneImage(ctx context.Context, userID int64, req domain.ImageRequest) (*domain.ImageResponse, error) {
	if err := validateImageRequest(req); err != nil {
		return nil, err
	}
	if req.ParentID != nil {
		return nil, domain.NewValidationError("parent_id", "is not allowed for a new conversation")
	}
	conversation, err := s.createConversation(ctx, userID, imageConversationTitle, true)
	if err != nil {
		return nil, err
	}
	return s.startImageExchange(ctx, userID, conversation, nil, req, false)
}

func (s *Service) startImageExchange(ctx context.Context, userID int64, conversation *domain.Conversation, parent *domain.Message, req domain.ImageRequest, setTitle bool) (*domain.ImageResponse, error) {
	resolved, err := s.resolveAttachments(ctx, userID, req.FileIDs, true)
	if err != nil {
		return nil, err
	}

	var parentID *int64
	if parent != nil {
		parentID = &parent.ID
	}
	request := &domain.Message{
		ConversationID: conversation.ID,
		ParentID:       parentID,
		Model:          imageModel,
		Role:           domain.RoleUser,
		Type:           domain.MessageTypeText,
		Content:        req.Prompt,
		ImageSize:      req.Size,
		ImageQuality:   req.Quality,
		IsDone:         true,
	}
	placeholder := &domain.Message{
		ConversationID: conversation.ID,
		Model:          imageModel,
		Role:           domain.RoleAssistant,
		Type:           domain.MessageTypeImage,
		Content:        domain.PendingImageContent,
		ImageSize:      req.Size,
		ImageQuality:   req.Quality,
		IsDone:         false,
	}
	record := &repository.Exchange{User: request, Assistant: placeholder, FileIDs: resolved.fileIDs}
	if setTitle {
		title := conversationTitle(req.Prompt, s.config.TitleWords)
		record.Title = &title
	}
	if err := s.store.SaveExchange(ctx, record); err != nil {
		return nil, errors.Wrap(err, "failed to save image exchange")
	}

	mode := domain.ImageModeGenerate
	if len(resolved.imageURLs) > 0 {
		mode = domain.ImageModeEdit
	}
	payload := domain.GenerateImagePayload{
		Model:            imageModel,
		Prompt:           req.Prompt,
		Quality:          req.Quality,
		Size:             req.Size,
		MessageID:        placeholder.ID,
		RequestMessageID: request.ID,
		UserID:           userID,
		Mode:             mode,
		InputImages:      resolved.imageURLs,
	}
	if err := s.jobs.Dispatch(ctx, domain.JobGenerateImage, payload); err != nil {
		// Without a job the placeholder would never complete.
		if derr := s.store.DeleteMessages(ctx, []int64{placeholder.ID, request.ID}); derr != nil {
			s.logger.Error("failed to remove undispatched image exchange", zap.Int64("message_id", placeholder.ID), zap.Error(derr))
		}
		return nil, err
	}

	return &domain.ImageResponse{ID: placeholder.ID, ConversationID: conversation.ID}, nil
}

// HandleGenerateImage is the generate_image job handler.
func (s *Service) HandleGenerateImage(ctx context.Context, raw json.RawMessage) error {
	var p domain.GenerateImagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return queue.Permanent(errors.Wrap(err, "invalid generate_image payload"))
	}

	placeholder, err := s.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if placeholder == nil {
		return queue.Permanent(errors.Errorf("image message %d was not found", p.MessageID))
	}
	if placeholder.IsDone {
		return nil
	}

	req := &llm.ImageRequest{Model: p.Model, Prompt: p.Prompt, Size: p.Size, Quality: p.Quality}
	var data []byte
	if p.Mode == domain.ImageModeEdit && len(p.InputImages) > 0 {
		images, err := s.fetchImages(ctx, p.InputImages)
		if err != nil {
			return err
		}
		data, err = s.llmClient.EditImage(ctx, req, images)
		if err != nil {
			return err
		}
	} else {
		data, err = s.llmClient.GenerateImage(ctx, req)
		if err != nil {
			return err
		}
	}

	location, err := s.blobs.Put(ctx, storage.NewKey(storage.PrefixGeneratedImages, p.UserID, "png"), data, "image/png")
	if err != nil {
		return err
	}
	updated, err := s.store.CompleteImageMessage(ctx, p.MessageID, location)
	if err != nil {
		return err
	}
	if !updated {
		s.logger.Warn("image message already completed", zap.Int64("message_id", p.MessageID))
	}
	return nil
}

// RescueGenerateImage removes the whole exchange once the job gave up.
func (s *Service) RescueGenerateImage(ctx context.Context, raw json.RawMessage, cause error) error {
	var p domain.GenerateImagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.Wrap(err, "invalid generate_image payload")
	}

	placeholder, err := s.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if placeholder != nil && placeholder.IsDone {
		return nil
	}

	ids := []int64{p.MessageID}
	if p.RequestMessageID != 0 {
		ids = append(ids, p.RequestMessageID)
	}
	s.logger.Warn("removing failed image exchange", zap.Int64s("message_ids", ids), zap.NamedError("cause", cause))
	return s.store.DeleteMessages(ctx, ids)
}

// fetchImages downloads every input image concurrently. Any failure aborts.
func (s *Service) fetchImages(ctx context.Context, urls []string) ([]llm.InputImage, error) {
	images := make([]llm.InputImage, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	for i, src := range urls {
		g.Go(func() error {
			img, err := s.fetchImage(ctx, src)
			if err != nil {
				return err
			}
			images[i] = *img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (s *Service) fetchImage(ctx context.Context, src string) (*llm.InputImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid image url %s", src)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", src)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to fetch %s: %s", src, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxImageSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", src)
	}
	if int64(len(data)) > s.maxImageSize {
		return nil, errors.Errorf("image %s exceeds %d bytes", src, s.maxImageSize)
	}

	name := "image"
	if u, err := url.Parse(src); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	return &llm.InputImage{Name: name, Data: data}, nil
}
