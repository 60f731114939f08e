package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
)

const (
	defaultConversationTitle = "New Conversation"
	imageConversationTitle   = "Image Conversation"
	conversationsPerPage     = 20
)

// CreateConversation creates a conversation owned by userID. Temporary
// conversations are hidden from listings.
func (s *Service) CreateConversation(ctx context.Context, userID int64, req domain.CreateConversationRequest) (*domain.Conversation, error) {
	return s.createConversation(ctx, userID, defaultConversationTitle, req.IsTemporary)
}

func (s *Service) createConversation(ctx context.Context, userID int64, title string, hidden bool) (*domain.Conversation, error) {
	conversation := &domain.Conversation{
		ID:       uuid.NewString(),
		UserID:   userID,
		Title:    title,
		IsHidden: hidden,
	}
	if err := s.store.CreateConversation(ctx, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// ListConversations returns a page of the caller's visible conversations, newest first.
func (s *Service) ListConversations(ctx context.Context, userID int64, page int) ([]domain.Conversation, error) {
	if page < 1 {
		page = 1
	}
	hidden := false
	return s.store.ListConversations(ctx, repository.FindConversation{
		UserID:   &userID,
		IsHidden: &hidden,
		Limit:    conversationsPerPage,
		Offset:   (page - 1) * conversationsPerPage,
	})
}

// GetConversation returns a conversation with its messages to the owner, or
// to anyone when it is public and not hidden.
func (s *Service) GetConversation(ctx context.Context, userID int64, id string) (*domain.ConversationResponse, error) {
	conversation, err := s.authorizeConversation(ctx, userID, id, domain.AccessRead)
	if err != nil {
		return nil, err
	}
	return s.conversationResponse(ctx, conversation, conversation.UserID == userID)
}

// GetPublicConversation returns a shared conversation without a caller identity.
func (s *Service) GetPublicConversation(ctx context.Context, id string) (*domain.ConversationResponse, error) {
	conversation, err := s.authorizeConversation(ctx, 0, id, domain.AccessReadPublic)
	if err != nil {
		return nil, err
	}
	return s.conversationResponse(ctx, conversation, false)
}

// ShareConversation makes a conversation publicly readable.
func (s *Service) ShareConversation(ctx context.Context, userID int64, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id, domain.AccessWrite); err != nil {
		return err
	}
	public := true
	return s.store.UpdateConversation(ctx, repository.UpdateConversation{ID: id, IsPublic: &public})
}

// DeleteConversation hides a conversation. Its rows are kept.
func (s *Service) DeleteConversation(ctx context.Context, userID int64, id string) error {
	if _, err := s.authorizeConversation(ctx, userID, id, domain.AccessWrite); err != nil {
		return err
	}
	hidden := true
	return s.store.UpdateConversation(ctx, repository.UpdateConversation{ID: id, IsHidden: &hidden})
}

// GetMessage returns a single message to the owner of its conversation.
func (s *Service) GetMessage(ctx context.Context, userID int64, id int64) (*domain.Message, error) {
	message, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, domain.ErrNotFound
	}
	if _, err := s.authorizeConversation(ctx, userID, message.ConversationID, domain.AccessWrite); err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, repository.FindFile{MessageIDs: []int64{message.ID}})
	if err != nil {
		return nil, err
	}
	message.Files = files
	return message, nil
}

func (s *Service) authorizeConversation(ctx context.Context, userID int64, id string, action domain.AccessAction) (*domain.Conversation, error) {
	conversation, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.policyEngine.Authorize(ctx, userID, conversation, action); err != nil {
		return nil, err
	}
	return conversation, nil
}

func (s *Service) conversationResponse(ctx context.Context, conversation *domain.Conversation, isOwner bool) (*domain.ConversationResponse, error) {
	messages, err := s.store.ListMessages(ctx, repository.FindMessage{ConversationID: &conversation.ID})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	files, err := s.store.ListFiles(ctx, repository.FindFile{MessageIDs: ids})
	if err != nil {
		return nil, err
	}
	byMessage := make(map[int64][]domain.UploadedFile)
	for _, f := range files {
		if f.MessageID != nil {
			byMessage[*f.MessageID] = append(byMessage[*f.MessageID], f)
		}
	}
	for i := range messages {
		messages[i].Files = byMessage[messages[i].ID]
	}

	return &domain.ConversationResponse{
		Conversation: conversation,
		Messages:     messages,
		IsOwner:      isOwner,
	}, nil
}
