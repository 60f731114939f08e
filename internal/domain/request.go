package domain

// CreateConversationRequest is the body of POST /v1/conversations.
type CreateConversationRequest struct {
	IsTemporary bool `json:"is_temporary"`
}

// AskRequest is the body of POST /v1/conversations/:id/messages.
type AskRequest struct {
	Prompt          string          `json:"prompt" validate:"required"`
	Model           string          `json:"model" validate:"required"`
	ParentID        *int64          `json:"parent_id,omitempty"`
	UseWebSearch    bool            `json:"use_web_search"`
	UseReasoning    bool            `json:"use_reasoning"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty" validate:"omitempty,oneof=low medium high"`
	FileIDs         []int64         `json:"files_id,omitempty"`
}

// UpdateMessageRequest is the body of PUT /v1/messages/:id.
// Prompt is required only when the edited message is a user message.
type UpdateMessageRequest struct {
	Prompt string `json:"prompt"`
}

// ImageRequest is the body of POST /v1/conversations/:id/images and POST /v1/images.
type ImageRequest struct {
	Prompt   string  `json:"prompt" validate:"required"`
	Size     string  `json:"size"`
	Quality  string  `json:"quality"`
	ParentID *int64  `json:"parent_id,omitempty"`
	FileIDs  []int64 `json:"files_id,omitempty"`
}

// ImageResponse is returned once the placeholder exists.
type ImageResponse struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ConversationResponse is the owner/public read of a conversation.
type ConversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []Message     `json:"messages"`
	IsOwner      bool          `json:"is_owner"`
}

// FileStatusResponse reports whether an uploaded file can be used.
type FileStatusResponse struct {
	IsReady   bool `json:"is_ready"`
	IsExpired bool `json:"is_expired"`
}

// GenerateImagePayload is the queued job that completes an image placeholder.
type GenerateImagePayload struct {
	Model            string    `json:"model"`
	Prompt           string    `json:"prompt"`
	Quality          string    `json:"quality"`
	Size             string    `json:"size"`
	MessageID        int64     `json:"message_id"`
	RequestMessageID int64     `json:"request_message_id"`
	UserID           int64     `json:"user_id"`
	Mode             ImageMode `json:"mode"`
	InputImages      []string  `json:"input_images,omitempty"`
}

// ActivateFilePayload is the queued job that waits for a file to be indexed.
type ActivateFilePayload struct {
	VectorStoreID string `json:"vector_store_id"`
	FileID        int64  `json:"file_id"`
	TargetCount   int    `json:"target_count"`
}
