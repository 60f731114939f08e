// Package domain defines the core domain models for the chat relay.
package domain

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType distinguishes text exchanges from generated images.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// FileKind is the kind of an uploaded file.
type FileKind string

const (
	FileKindImage FileKind = "image"
	FileKindFile  FileKind = "file"
)

// ReasoningEffort is the provider reasoning hint.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// Valid reports whether the effort is one of the known values.
func (e ReasoningEffort) Valid() bool {
	switch e {
	case ReasoningEffortLow, ReasoningEffortMedium, ReasoningEffortHigh:
		return true
	}
	return false
}

// ImageMode selects between a fresh generation and an edit of input images.
type ImageMode string

const (
	ImageModeGenerate ImageMode = "generate"
	ImageModeEdit     ImageMode = "edit"
)

// PendingImageContent is the content of an image placeholder until the job completes it.
const PendingImageContent = "no_content"

// Job names registered with the queue.
const (
	JobGenerateImage = "generate_image"
	JobActivateFile  = "activate_file"
)

// AccessAction is the kind of access requested on a conversation.
type AccessAction string

const (
	AccessRead       AccessAction = "read"
	AccessReadPublic AccessAction = "read_public"
	AccessWrite      AccessAction = "write"
)
