package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/queue"
)

func imagePayload(t *testing.T, env *testEnv) (json.RawMessage, domain.GenerateImagePayload) {
	t.Helper()
	require.Len(t, env.jobs.jobs, 1)
	job := env.jobs.jobs[0]
	assert.Equal(t, domain.JobGenerateImage, job.name)
	var p domain.GenerateImagePayload
	require.NoError(t, json.Unmarshal(job.payload, &p))
	return job.payload, p
}

func TestGenerateImageRejectsUnsupportedOptions(t *testing.T) {
	env := newTestEnv(t)
	c := env.conversation(t, 1)

	tests := []struct {
		name  string
		req   domain.ImageRequest
		field string
	}{
		{"size", domain.ImageRequest{Prompt: "cat", Size: "9999x9999", Quality: "low"}, "size"},
		{"quality", domain.ImageRequest{Prompt: "cat", Size: "1024x1024", Quality: "ultra"}, "quality"},
		{"prompt", domain.ImageRequest{Size: "1024x1024", Quality: "low"}, "prompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.GenerateImage(context.Background(), 1, c.ID, tt.req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.Empty(t, env.messages(t, c.ID))
	assert.Empty(t, env.jobs.jobs)
}

func TestImageWorkflowSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.conversation(t, 1)

	resp, err := env.svc.GenerateImage(ctx, 1, c.ID, domain.ImageRequest{Prompt: "a red fox", Size: "1024x1536", Quality: "high"})
	require.NoError(t, err)

	placeholder, err := env.store.GetMessage(ctx, resp.ID)
	require.NoError(t, err)
	require.NotNil(t, placeholder)
	assert.False(t, placeholder.IsDone)
	assert.Equal(t, domain.PendingImageContent, placeholder.Content)
	assert.Equal(t, domain.MessageTypeImage, placeholder.Type)

	raw, p := imagePayload(t, env)
	assert.Equal(t, resp.ID, p.MessageID)
	assert.Equal(t, *placeholder.ParentID, p.RequestMessageID)
	assert.Equal(t, domain.ImageModeGenerate, p.Mode)

	got, err := env.store.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "a red fox", got.Title)

	require.NoError(t, env.svc.HandleGenerateImage(ctx, raw))

	done, err := env.store.GetMessage(ctx, resp.ID)
	require.NoError(t, err)
	assert.True(t, done.IsDone)
	assert.True(t, strings.HasPrefix(done.Content, "http://files.test/generated-images/1/"))
	assert.True(t, strings.HasSuffix(done.Content, ".png"))

	// A duplicate delivery leaves the completed row alone.
	require.NoError(t, env.svc.HandleGenerateImage(ctx, raw))
	again, err := env.store.GetMessage(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Content, again.Content)
}

func TestImageWorkflowRescueRemovesExchange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.conversation(t, 1)
	env.llm.imageErr = errors.New("content policy")

	resp, err := env.svc.GenerateImage(ctx, 1, c.ID, domain.ImageRequest{Prompt: "x", Size: "1024x1024", Quality: "low"})
	require.NoError(t, err)
	raw, _ := imagePayload(t, env)

	handleErr := env.svc.HandleGenerateImage(ctx, raw)
	require.Error(t, handleErr)
	require.NoError(t, env.svc.RescueGenerateImage(ctx, raw, handleErr))

	assert.Empty(t, env.messages(t, c.ID))
	gone, err := env.store.GetMessage(ctx, resp.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestImageWorkflowMissingPlaceholderIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	raw, _ := json.Marshal(domain.GenerateImagePayload{MessageID: 404, Mode: domain.ImageModeGenerate})

	err := env.svc.HandleGenerateImage(context.Background(), raw)
	assert.True(t, queue.IsPermanent(err))
}

func TestImageWorkflowEditsAttachedImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.conversation(t, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	defer server.Close()

	input := &domain.UploadedFile{UserID: 1, URL: server.URL + "/uploads/1/in.png", Kind: domain.FileKindImage, IsReady: true}
	doc := &domain.UploadedFile{UserID: 1, URL: server.URL + "/doc.pdf", Kind: domain.FileKindFile, VectorStore: "vs_1"}
	require.NoError(t, env.store.CreateFile(ctx, input))
	require.NoError(t, env.store.CreateFile(ctx, doc))

	_, err := env.svc.GenerateImage(ctx, 1, c.ID, domain.ImageRequest{
		Prompt: "make it night", Size: "1024x1024", Quality: "medium", FileIDs: []int64{input.ID, doc.ID},
	})
	require.NoError(t, err)
	raw, p := imagePayload(t, env)
	assert.Equal(t, domain.ImageModeEdit, p.Mode)
	assert.Equal(t, []string{input.URL}, p.InputImages)

	require.NoError(t, env.svc.HandleGenerateImage(ctx, raw))
	require.Len(t, env.llm.editInputs, 1)
	assert.Equal(t, "in.png", env.llm.editInputs[0].Name)
	assert.Equal(t, pngBytes, env.llm.editInputs[0].Data)

	env.jobs.jobs = nil
	_, err = env.svc.GenerateImage(ctx, 1, c.ID, domain.ImageRequest{
		Prompt: "again", Size: "1024x1024", Quality: "medium", FileIDs: []int64{input.ID},
	})
	require.NoError(t, err)
	_, p = imagePayload(t, env)
	p.InputImages = append(p.InputImages, server.URL+"/missing.png")
	broken, _ := json.Marshal(p)
	assert.Error(t, env.svc.HandleGenerateImage(ctx, broken))
}

func TestFetchImageRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	env.svc.maxImageSize = int64(len(pngBytes))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/large.png" {
			_, _ = w.Write(append(append([]byte{}, pngBytes...), 0))
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	defer server.Close()

	img, err := env.svc.fetchImage(context.Background(), server.URL+"/exact.png")
	require.NoError(t, err)
	assert.Equal(t, pngBytes, img.Data)

	_, err = env.svc.fetchImage(context.Background(), server.URL+"/large.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestGenerateImageCompensatesWhenDispatchFails(t *testing.T) {
	env := newTestEnv(t)
	c := env.conversation(t, 1)
	env.jobs.err = errors.New("queue down")

	_, err := env.svc.GenerateImage(context.Background(), 1, c.ID, domain.ImageRequest{Prompt: "x", Size: "1024x1024", Quality: "low"})
	assert.Error(t, err)
	assert.Empty(t, env.messages(t, c.ID))
}

func TestGenerateStandaloneImage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.svc.GenerateStandaloneImage(ctx, 1, domain.ImageRequest{Prompt: "logo", Size: "1536x1024", Quality: "low"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ConversationID)

	c, err := env.store.GetConversation(ctx, resp.ConversationID)
	require.NoError(t, err)
	assert.True(t, c.IsHidden)
	assert.Equal(t, imageConversationTitle, c.Title)

	list, err := env.svc.ListConversations(ctx, 1, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
}
