// Package llm provides an abstraction over the upstream model provider.
package llm

import (
	"context"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

// LLMClient defines the provider operations the relay depends on.
type LLMClient interface {
	// StreamResponse sends a streaming Responses API request. The callback is
	// called for each text delta. The result is non-nil only when the provider
	// reported completion.
	StreamResponse(ctx context.Context, req *ResponseRequest, callback DeltaCallback) (*ResponseResult, error)

	// GenerateImage creates a single image and returns its PNG bytes.
	GenerateImage(ctx context.Context, req *ImageRequest) ([]byte, error)

	// EditImage creates a single image from the prompt and input images.
	EditImage(ctx context.Context, req *ImageRequest, images []InputImage) ([]byte, error)

	// UploadFile uploads a document and returns the provider file ID.
	UploadFile(ctx context.Context, name string, data []byte) (string, error)

	// CreateVectorStore creates a search index over the given provider files.
	CreateVectorStore(ctx context.Context, fileIDs []string) (string, error)

	// RetrieveVectorStore returns the indexing status of a vector store.
	RetrieveVectorStore(ctx context.Context, id string) (*domain.VectorStoreStatus, error)
}

// ResponseRequest is a single streamed completion request.
type ResponseRequest struct {
	Model              string
	Prompt             string
	ImageURLs          []string
	PreviousResponseID string
	UseWebSearch       bool
	VectorStoreIDs     []string
	// ReasoningEffort is sent only when non-empty.
	ReasoningEffort string
}

// ResponseResult is the outcome of a completed stream.
type ResponseResult struct {
	ResponseID   string
	InputTokens  int
	OutputTokens int
	Text         string
}

// DeltaCallback is called for each text delta in a streaming response.
type DeltaCallback func(delta string) error

// ImageRequest describes an image generation or edit.
type ImageRequest struct {
	Model   string
	Prompt  string
	Size    string
	Quality string
}

// InputImage is an image passed to an edit request.
type InputImage struct {
	Name string
	Data []byte
}

// Ensure Client implements LLMClient interface.
var _ LLMClient = (*Client)(nil)
