package service

import (
	"context"
	"strings"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
)

// attachments are the caller-owned, unexpired files resolved from request ids.
type attachments struct {
	fileIDs        []int64
	imageURLs      []string
	vectorStoreIDs []string
}

// resolveAttachments drops ids the caller does not own or that expired.
// When imagesOnly is set, documents are ignored as well.
func (s *Service) resolveAttachments(ctx context.Context, userID int64, ids []int64, imagesOnly bool) (*attachments, error) {
	resolved := &attachments{}
	if len(ids) == 0 {
		return resolved, nil
	}

	expired := false
	files, err := s.store.ListFiles(ctx, repository.FindFile{IDs: ids, UserID: &userID, IsExpired: &expired})
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		switch {
		case f.Kind == domain.FileKindImage:
			resolved.imageURLs = append(resolved.imageURLs, f.URL)
			resolved.fileIDs = append(resolved.fileIDs, f.ID)
		case imagesOnly:
		case f.VectorStore != "":
			resolved.vectorStoreIDs = append(resolved.vectorStoreIDs, f.VectorStore)
			resolved.fileIDs = append(resolved.fileIDs, f.ID)
		}
	}
	return resolved, nil
}

// resolveParent loads the parent message and checks it belongs to the conversation.
func (s *Service) resolveParent(ctx context.Context, conversationID string, parentID *int64) (*domain.Message, error) {
	if parentID == nil {
		return nil, nil
	}
	parent, err := s.store.GetMessage(ctx, *parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.ConversationID != conversationID {
		return nil, domain.NewValidationError("parent_id", "message %d is not part of this conversation", *parentID)
	}
	return parent, nil
}

func (s *Service) messageFileIDs(ctx context.Context, messageID int64) ([]int64, error) {
	files, err := s.store.ListFiles(ctx, repository.FindFile{MessageIDs: []int64{messageID}})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return ids, nil
}

// conversationTitle returns the first words of prompt, with an ellipsis when
// words were dropped.
func conversationTitle(prompt string, words int) string {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return defaultConversationTitle
	}
	if words < 1 || len(fields) <= words {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:words], " ") + "..."
}
