package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/queue"
)

func uploadDocument(t *testing.T, env *testEnv, userID int64) *domain.UploadedFile {
	t.Helper()
	file, err := env.svc.UploadFile(context.Background(), userID, &Upload{
		Kind: domain.FileKindFile, Filename: "notes.txt", Data: []byte("meeting notes"),
	})
	require.NoError(t, err)
	return file
}

func activationPayload(t *testing.T, env *testEnv) json.RawMessage {
	t.Helper()
	require.NotEmpty(t, env.jobs.jobs)
	job := env.jobs.jobs[len(env.jobs.jobs)-1]
	assert.Equal(t, domain.JobActivateFile, job.name)
	return job.payload
}

func TestUploadDocument(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env.svc.now = func() time.Time { return now }

	file := uploadDocument(t, env, 7)
	assert.False(t, file.IsReady)
	assert.Equal(t, "vs_1", file.VectorStore)
	require.NotNil(t, file.ExpiresAt)
	assert.Equal(t, now.Add(12*time.Hour), *file.ExpiresAt)
	assert.True(t, strings.HasPrefix(file.URL, "http://files.test/uploads/7/"))
	assert.True(t, strings.HasSuffix(file.URL, ".txt"))
	assert.Equal(t, 1, env.llm.uploads)

	var p domain.ActivateFilePayload
	require.NoError(t, json.Unmarshal(activationPayload(t, env), &p))
	assert.Equal(t, domain.ActivateFilePayload{VectorStoreID: "vs_1", FileID: file.ID, TargetCount: 1}, p)
}

func TestUploadImage(t *testing.T) {
	env := newTestEnv(t)

	file, err := env.svc.UploadFile(context.Background(), 1, &Upload{Kind: domain.FileKindImage, Filename: "shot.PNG", Data: pngBytes})
	require.NoError(t, err)
	assert.True(t, file.IsReady)
	assert.Nil(t, file.ExpiresAt)
	assert.Empty(t, env.jobs.jobs)
	assert.Equal(t, 0, env.llm.uploads)
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		up   *Upload
	}{
		{"bad document extension", &Upload{Kind: domain.FileKindFile, Filename: "run.exe", Data: []byte("x")}},
		{"bad image extension", &Upload{Kind: domain.FileKindImage, Filename: "a.gif", Data: pngBytes}},
		{"image content mismatch", &Upload{Kind: domain.FileKindImage, Filename: "a.png", Data: []byte("not an image")}},
		{"image too large", &Upload{Kind: domain.FileKindImage, Filename: "a.png", Data: make([]byte, MaxImageBytes+1)}},
		{"empty document", &Upload{Kind: domain.FileKindFile, Filename: "a.txt"}},
		{"no file", &Upload{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.UploadFile(context.Background(), 1, tt.up)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Empty(t, env.jobs.jobs)
}

func TestActivateFileBecomesReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := uploadDocument(t, env, 1)
	env.llm.statuses = []domain.VectorStoreStatus{
		{InProgress: 1, Total: 1},
		{InProgress: 1, Total: 1},
		{Completed: 1, Total: 1},
	}

	require.NoError(t, env.svc.HandleActivateFile(ctx, activationPayload(t, env)))
	assert.Equal(t, 3, env.llm.polls)

	status, err := env.svc.FileStatus(ctx, 1, file.ID)
	require.NoError(t, err)
	assert.True(t, status.IsReady)

	// Already ready: no further job is dispatched.
	env.jobs.jobs = nil
	dispatched, err := env.svc.ActivateFile(ctx, 1, file.ID)
	require.NoError(t, err)
	assert.False(t, dispatched)
	assert.Empty(t, env.jobs.jobs)
}

func TestActivateFileFailedIndexing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := uploadDocument(t, env, 1)
	env.llm.statuses = []domain.VectorStoreStatus{{InProgress: 1, Total: 1}, {Failed: 1, Total: 1}}

	raw := activationPayload(t, env)
	err := env.svc.HandleActivateFile(ctx, raw)
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))

	status, err := env.svc.FileStatus(ctx, 1, file.ID)
	require.NoError(t, err)
	assert.False(t, status.IsReady)

	require.NoError(t, env.svc.RescueActivateFile(ctx, raw, err))
	status, err = env.svc.FileStatus(ctx, 1, file.ID)
	require.NoError(t, err)
	assert.False(t, status.IsReady)
	assert.True(t, status.IsExpired)

	dispatched, err := env.svc.ActivateFile(ctx, 1, file.ID)
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func TestActivateFileStopsAfterPollBudget(t *testing.T) {
	env := newTestEnv(t)
	uploadDocument(t, env, 1)
	env.llm.statuses = []domain.VectorStoreStatus{{InProgress: 1, Total: 1}}

	err := env.svc.HandleActivateFile(context.Background(), activationPayload(t, env))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, 5, env.llm.polls)
}

func TestActivateFileRedispatchesPendingFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := uploadDocument(t, env, 1)

	dispatched, err := env.svc.ActivateFile(ctx, 1, file.ID)
	require.NoError(t, err)
	assert.True(t, dispatched)
	assert.Len(t, env.jobs.jobs, 2)

	_, err = env.svc.ActivateFile(ctx, 2, file.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = env.svc.FileStatus(ctx, 1, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepExpiredFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := uploadDocument(t, env, 1)

	assert.Equal(t, 0, env.svc.sweepExpiredFiles(ctx))

	env.svc.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
	assert.Equal(t, 1, env.svc.sweepExpiredFiles(ctx))

	status, err := env.svc.FileStatus(ctx, 1, file.ID)
	require.NoError(t, err)
	assert.True(t, status.IsExpired)

	// Expired files are no longer attachable.
	c := env.conversation(t, 1)
	env.llm.deltas = []string{"ok"}
	env.ask(t, 1, c.ID, domain.AskRequest{Prompt: "use it", Model: "gpt-4o", FileIDs: []int64{file.ID}})
	assert.Empty(t, env.llm.requests[0].VectorStoreIDs)
}
