package service

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/metrics"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
)

// StreamSink receives relayed text. Flush pushes buffered bytes to the client.
type StreamSink interface {
	io.Writer
	Flush()
}

// Exchange is a validated prompt ready to be relayed.
type Exchange struct {
	UserID          int64
	Conversation    *domain.Conversation
	Parent          *domain.Message
	Prompt          string
	Model           string
	UseWebSearch    bool
	UseReasoning    bool
	ReasoningEffort domain.ReasoningEffort
	attachments     *attachments
}

// PrepareAsk validates a new prompt on a conversation owned by userID.
// Every error is returned before anything is written to the client.
func (s *Service) PrepareAsk(ctx context.Context, userID int64, conversationID string, req domain.AskRequest) (*Exchange, error) {
	if req.Prompt == "" {
		return nil, domain.NewValidationError("prompt", "is required")
	}
	if req.Model == "" {
		return nil, domain.NewValidationError("model", "is required")
	}
	if req.ReasoningEffort != "" && !req.ReasoningEffort.Valid() {
		return nil, domain.NewValidationError("reasoning_effort", "unsupported value %q", req.ReasoningEffort)
	}

	conversation, err := s.authorizeConversation(ctx, userID, conversationID, domain.AccessWrite)
	if err != nil {
		return nil, err
	}
	parent, err := s.resolveParent(ctx, conversation.ID, req.ParentID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolveAttachments(ctx, userID, req.FileIDs, false)
	if err != nil {
		return nil, err
	}

	return &Exchange{
		UserID:          userID,
		Conversation:    conversation,
		Parent:          parent,
		Prompt:          req.Prompt,
		Model:           req.Model,
		UseWebSearch:    req.UseWebSearch,
		UseReasoning:    req.UseReasoning,
		ReasoningEffort: req.ReasoningEffort,
		attachments:     resolved,
	}, nil
}

// PrepareUpdate builds a new exchange from an existing message. Editing a user
// message replays it with the new prompt and its original files. Any other
// message is regenerated from its paired user message. Both descend from the
// original parent; history is never changed in place.
func (s *Service) PrepareUpdate(ctx context.Context, userID int64, messageID int64, req domain.UpdateMessageRequest) (*Exchange, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, domain.ErrNotFound
	}
	conversation, err := s.authorizeConversation(ctx, userID, message.ConversationID, domain.AccessWrite)
	if err != nil {
		return nil, err
	}

	source := message
	prompt := req.Prompt
	if message.Role == domain.RoleUser {
		if prompt == "" {
			return nil, domain.NewValidationError("prompt", "is required")
		}
	} else {
		if message.Type == domain.MessageTypeImage {
			return nil, domain.NewValidationError("id", "image messages cannot be regenerated")
		}
		if message.ParentID == nil {
			return nil, domain.NewValidationError("id", "message has no prompt to regenerate")
		}
		source, err = s.store.GetMessage(ctx, *message.ParentID)
		if err != nil {
			return nil, err
		}
		if source == nil || source.Role != domain.RoleUser {
			return nil, domain.NewValidationError("id", "message has no prompt to regenerate")
		}
		prompt = source.Content
	}

	parent, err := s.resolveParent(ctx, conversation.ID, source.ParentID)
	if err != nil {
		return nil, err
	}
	fileIDs, err := s.messageFileIDs(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolveAttachments(ctx, userID, fileIDs, false)
	if err != nil {
		return nil, err
	}

	return &Exchange{
		UserID:          userID,
		Conversation:    conversation,
		Parent:          parent,
		Prompt:          prompt,
		Model:           message.Model,
		UseWebSearch:    message.UseWebSearch,
		UseReasoning:    message.UseReasoning,
		ReasoningEffort: message.ReasoningEffort,
		attachments:     resolved,
	}, nil
}

func (ex *Exchange) providerRequest() *llm.ResponseRequest {
	req := &llm.ResponseRequest{
		Model:          ex.Model,
		Prompt:         ex.Prompt,
		ImageURLs:      ex.attachments.imageURLs,
		UseWebSearch:   ex.UseWebSearch,
		VectorStoreIDs: ex.attachments.vectorStoreIDs,
	}
	if ex.Parent != nil {
		req.PreviousResponseID = ex.Parent.ResponseID
	}
	if ex.UseReasoning {
		effort := ex.ReasoningEffort
		if effort == "" {
			effort = domain.ReasoningEffortMedium
		}
		req.ReasoningEffort = string(effort)
	}
	return req
}

// Relay streams the provider's answer into sink and records the exchange once
// the provider reports completion. On any failure the failure sentinel is
// written instead and nothing is persisted. The sink is always left complete:
// the caller only has to end the response.
func (s *Service) Relay(ctx context.Context, ex *Exchange, sink StreamSink) error {
	logger := s.logger.With(zap.String("conversation_id", ex.Conversation.ID), zap.String("model", ex.Model))

	result, err := s.llmClient.StreamResponse(ctx, ex.providerRequest(), func(delta string) error {
		if _, err := io.WriteString(sink, delta); err != nil {
			return errors.Wrap(err, "client write failed")
		}
		sink.Flush()
		return nil
	})
	if err == nil {
		err = s.saveExchange(context.WithoutCancel(ctx), ex, result)
	}
	if err != nil {
		logger.Warn("relay failed", zap.Error(err))
		s.metrics.ObserveStream(metrics.OutcomeFailure)
		if _, werr := io.WriteString(sink, s.config.FailureSentinel); werr == nil {
			sink.Flush()
		}
		return err
	}

	s.metrics.ObserveStream(metrics.OutcomeSuccess)
	return nil
}

func (s *Service) saveExchange(ctx context.Context, ex *Exchange, result *llm.ResponseResult) error {
	inputTokens, outputTokens := result.InputTokens, result.OutputTokens
	if inputTokens == 0 && outputTokens == 0 {
		inputTokens, outputTokens = llm.CountTokens(ex.Prompt), llm.CountTokens(result.Text)
	}

	var parentID *int64
	if ex.Parent != nil {
		parentID = &ex.Parent.ID
	}
	user := &domain.Message{
		ConversationID:  ex.Conversation.ID,
		ParentID:        parentID,
		Model:           ex.Model,
		Role:            domain.RoleUser,
		Type:            domain.MessageTypeText,
		Content:         ex.Prompt,
		TokensCount:     inputTokens,
		UseWebSearch:    ex.UseWebSearch,
		UseReasoning:    ex.UseReasoning,
		ReasoningEffort: ex.ReasoningEffort,
		IsDone:          true,
	}
	assistant := &domain.Message{
		ConversationID:  ex.Conversation.ID,
		Model:           ex.Model,
		Role:            domain.RoleAssistant,
		Type:            domain.MessageTypeText,
		Content:         result.Text,
		TokensCount:     outputTokens,
		ResponseID:      result.ResponseID,
		UseWebSearch:    ex.UseWebSearch,
		UseReasoning:    ex.UseReasoning,
		ReasoningEffort: ex.ReasoningEffort,
		IsDone:          true,
	}

	record := &repository.Exchange{User: user, Assistant: assistant, FileIDs: ex.attachments.fileIDs}
	if ex.Parent == nil {
		title := conversationTitle(ex.Prompt, s.config.TitleWords)
		record.Title = &title
	}
	if err := s.store.SaveExchange(ctx, record); err != nil {
		return errors.Wrap(err, "failed to save exchange")
	}

	s.metrics.AddTokens(string(domain.RoleUser), inputTokens)
	s.metrics.AddTokens(string(domain.RoleAssistant), outputTokens)
	return nil
}
