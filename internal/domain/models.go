package domain

import "time"

// Conversation is a thread of messages owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	IsHidden  bool      `json:"is_hidden"`
	IsPublic  bool      `json:"is_public"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single turn in a conversation. Parent links form a tree of
// edit/regeneration branches scoped to one conversation.
type Message struct {
	ID              int64           `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	ParentID        *int64          `json:"parent_id"`
	Model           string          `json:"model"`
	Role            Role            `json:"role"`
	Type            MessageType     `json:"type"`
	Content         string          `json:"content"`
	TokensCount     int             `json:"tokens_count"`
	ResponseID      string          `json:"response_id,omitempty"`
	UseWebSearch    bool            `json:"use_web_search"`
	UseReasoning    bool            `json:"use_reasoning"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	ImageSize       string          `json:"image_size,omitempty"`
	ImageQuality    string          `json:"image_quality,omitempty"`
	IsDone          bool            `json:"is_done"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Files []UploadedFile `json:"files,omitempty"`
}

// UploadedFile is an image or document uploaded by a user. Documents become
// usable as a search source once the provider finished indexing them.
type UploadedFile struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	MessageID   *int64     `json:"message_id"`
	URL         string     `json:"url"`
	Size        int64      `json:"size"`
	Kind        FileKind   `json:"type"`
	ExpiresAt   *time.Time `json:"expires_at"`
	VectorStore string     `json:"vector_store,omitempty"`
	IsReady     bool       `json:"is_ready"`
	IsExpired   bool       `json:"is_expired"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// VectorStoreStatus is the per-status file count of an external search index.
type VectorStoreStatus struct {
	ID         string `json:"id"`
	InProgress int    `json:"in_progress"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`
	Total      int    `json:"total"`
}
