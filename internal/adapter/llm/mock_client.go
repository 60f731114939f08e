package llm

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

// MockClient is an offline implementation of LLMClient for local runs.
type MockClient struct {
	seq atomic.Int64
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// StreamResponse echoes the prompt back in small chunks.
func (m *MockClient) StreamResponse(ctx context.Context, req *ResponseRequest, callback DeltaCallback) (*ResponseResult, error) {
	content := fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(req.Prompt, 100))

	for _, chunk := range splitIntoChunks(content, 10) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := callback(chunk); err != nil {
			return nil, err
		}
	}

	return &ResponseResult{
		ResponseID:   fmt.Sprintf("mock-resp-%d", m.seq.Add(1)),
		InputTokens:  CountTokens(req.Prompt),
		OutputTokens: CountTokens(content),
		Text:         content,
	}, nil
}

// GenerateImage returns a 1x1 PNG.
func (m *MockClient) GenerateImage(ctx context.Context, req *ImageRequest) ([]byte, error) {
	return mockPNG()
}

// EditImage returns a 1x1 PNG.
func (m *MockClient) EditImage(ctx context.Context, req *ImageRequest, images []InputImage) ([]byte, error) {
	return mockPNG()
}

// UploadFile returns a fresh mock file ID.
func (m *MockClient) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	return fmt.Sprintf("mock-file-%d", m.seq.Add(1)), nil
}

// CreateVectorStore returns a fresh mock vector store ID.
func (m *MockClient) CreateVectorStore(ctx context.Context, fileIDs []string) (string, error) {
	return fmt.Sprintf("mock-vs-%d", m.seq.Add(1)), nil
}

// RetrieveVectorStore reports a single completed file.
func (m *MockClient) RetrieveVectorStore(ctx context.Context, id string) (*domain.VectorStoreStatus, error) {
	return &domain.VectorStoreStatus{ID: id, Completed: 1, Total: 1}, nil
}

func mockPNG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}

	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
