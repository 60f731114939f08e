package llm

import (
	"context"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

const vectorStoreName = "knowledge_base"

// UploadFile uploads a document for retrieval use.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	file, err := c.sdk.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeType("user_data"),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to upload file")
	}
	return file.ID, nil
}

// CreateVectorStore creates a search index over the given provider files.
func (c *Client) CreateVectorStore(ctx context.Context, fileIDs []string) (string, error) {
	store, err := c.sdk.CreateVectorStore(ctx, openai.VectorStoreRequest{
		Name:    vectorStoreName,
		FileIDs: fileIDs,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create vector store")
	}
	return store.ID, nil
}

// RetrieveVectorStore returns the indexing status of a vector store.
func (c *Client) RetrieveVectorStore(ctx context.Context, id string) (*domain.VectorStoreStatus, error) {
	store, err := c.sdk.RetrieveVectorStore(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve vector store")
	}
	return &domain.VectorStoreStatus{
		ID:         store.ID,
		InProgress: store.FileCounts.InProgress,
		Completed:  store.FileCounts.Completed,
		Failed:     store.FileCounts.Failed,
		Cancelled:  store.FileCounts.Cancelled,
		Total:      store.FileCounts.Total,
	}, nil
}
