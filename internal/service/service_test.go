package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatrelay/internal/config"
	"github.com/xiaot623/gogo/chatrelay/internal/domain"
	"github.com/xiaot623/gogo/chatrelay/internal/metrics"
	"github.com/xiaot623/gogo/chatrelay/internal/policy"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
	"github.com/xiaot623/gogo/chatrelay/internal/storage"
	"github.com/xiaot623/gogo/chatrelay/tests/helpers"
)

const testSentinel = "خطایی پیش آمده."

type fakeLLM struct {
	mu sync.Mutex

	deltas     []string
	responseID string
	streamErr  error
	requests   []*llm.ResponseRequest

	image      []byte
	imageErr   error
	editInputs []llm.InputImage

	statuses  []domain.VectorStoreStatus
	polls     int
	uploads   int
	nextStore string
}

func (f *fakeLLM) StreamResponse(ctx context.Context, req *llm.ResponseRequest, callback llm.DeltaCallback) (*llm.ResponseResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	for _, d := range f.deltas {
		if err := callback(d); err != nil {
			return nil, err
		}
	}
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &llm.ResponseResult{
		ResponseID:   f.responseID,
		InputTokens:  3,
		OutputTokens: 5,
		Text:         strings.Join(f.deltas, ""),
	}, nil
}

func (f *fakeLLM) GenerateImage(ctx context.Context, req *llm.ImageRequest) ([]byte, error) {
	return f.image, f.imageErr
}

func (f *fakeLLM) EditImage(ctx context.Context, req *llm.ImageRequest, images []llm.InputImage) ([]byte, error) {
	f.editInputs = images
	return f.image, f.imageErr
}

func (f *fakeLLM) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	f.uploads++
	return "file_1", nil
}

func (f *fakeLLM) CreateVectorStore(ctx context.Context, fileIDs []string) (string, error) {
	if f.nextStore == "" {
		return "vs_1", nil
	}
	return f.nextStore, nil
}

func (f *fakeLLM) RetrieveVectorStore(ctx context.Context, id string) (*domain.VectorStoreStatus, error) {
	status := f.statuses[len(f.statuses)-1]
	if f.polls < len(f.statuses) {
		status = f.statuses[f.polls]
	}
	f.polls++
	return &status, nil
}

type dispatchedJob struct {
	name    string
	payload json.RawMessage
}

type recordingDispatcher struct {
	jobs []dispatchedJob
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, name string, payload interface{}) error {
	if d.err != nil {
		return d.err
	}
	raw, _ := json.Marshal(payload)
	d.jobs = append(d.jobs, dispatchedJob{name: name, payload: raw})
	return nil
}

type bufferSink struct {
	bytes.Buffer
	flushes int
}

func (b *bufferSink) Flush() { b.flushes++ }

type testEnv struct {
	svc   *Service
	store *repository.SQLiteStore
	llm   *fakeLLM
	jobs  *recordingDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := helpers.NewTestSQLiteStore(t)
	blobs, err := storage.NewLocal(t.TempDir(), "http://files.test")
	require.NoError(t, err)
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)

	cfg := &config.Config{
		FailureSentinel: testSentinel,
		TitleWords:      7,
		FileTTL:         12 * time.Hour,
		Readiness: config.ReadinessConfig{
			PollInterval: time.Millisecond,
			MaxPolls:     5,
		},
	}
	fake := &fakeLLM{responseID: "resp_1", image: []byte("png")}
	jobs := &recordingDispatcher{}
	svc := New(store, fake, blobs, jobs, engine, cfg, zap.NewNop(), metrics.New())
	return &testEnv{svc: svc, store: store, llm: fake, jobs: jobs}
}

func (env *testEnv) conversation(t *testing.T, userID int64) *domain.Conversation {
	t.Helper()
	c, err := env.svc.CreateConversation(context.Background(), userID, domain.CreateConversationRequest{})
	require.NoError(t, err)
	return c
}

func (env *testEnv) messages(t *testing.T, conversationID string) []domain.Message {
	t.Helper()
	messages, err := env.store.ListMessages(context.Background(), repository.FindMessage{ConversationID: &conversationID})
	require.NoError(t, err)
	return messages
}

func (env *testEnv) ask(t *testing.T, userID int64, conversationID string, req domain.AskRequest) *bufferSink {
	t.Helper()
	ctx := context.Background()
	ex, err := env.svc.PrepareAsk(ctx, userID, conversationID, req)
	require.NoError(t, err)
	sink := &bufferSink{}
	_ = env.svc.Relay(ctx, ex, sink)
	return sink
}

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
