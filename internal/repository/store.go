// Package repository defines the storage interface and its SQLite implementation.
package repository

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

// Store defines the interface for data persistence.
// Getters return (nil, nil) when the row does not exist.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, conversation *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, find FindConversation) ([]domain.Conversation, error)
	UpdateConversation(ctx context.Context, update UpdateConversation) error

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)
	ListMessages(ctx context.Context, find FindMessage) ([]domain.Message, error)
	SaveExchange(ctx context.Context, exchange *Exchange) error
	CompleteImageMessage(ctx context.Context, id int64, content string) (bool, error)
	DeleteMessages(ctx context.Context, ids []int64) error

	// File operations
	CreateFile(ctx context.Context, file *domain.UploadedFile) error
	GetFile(ctx context.Context, id int64) (*domain.UploadedFile, error)
	ListFiles(ctx context.Context, find FindFile) ([]domain.UploadedFile, error)
	MarkFileReady(ctx context.Context, id int64) (bool, error)
	MarkFileExpired(ctx context.Context, id int64) (bool, error)
	ExpireDueFiles(ctx context.Context, now time.Time, limit int) ([]int64, error)

	Close() error
}

// FindConversation filters conversations.
type FindConversation struct {
	UserID   *int64
	IsHidden *bool
	Limit    int
	Offset   int
}

// UpdateConversation sets the non-nil fields on conversation ID.
type UpdateConversation struct {
	ID       string
	Title    *string
	IsHidden *bool
	IsPublic *bool
}

// FindMessage filters messages. Results are ordered by id ascending.
type FindMessage struct {
	ConversationID *string
	ParentID       *int64
	Role           *domain.Role
	IsDone         *bool
}

// FindFile filters uploaded files.
type FindFile struct {
	IDs        []int64
	MessageIDs []int64
	UserID     *int64
	IsReady    *bool
	IsExpired  *bool
}

// Exchange is a user/assistant message pair written in one transaction.
// The assistant's parent is set to the user message. FileIDs are linked to
// the user message, and Title, when set, replaces the conversation title.
type Exchange struct {
	User      *domain.Message
	Assistant *domain.Message
	FileIDs   []int64
	Title     *string
}
