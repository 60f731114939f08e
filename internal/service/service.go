// Package service implements the chat relay use cases: conversations, the
// streaming relay, the image workflow and uploaded file readiness.
package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/gogo/chatrelay/internal/config"
	"github.com/xiaot623/gogo/chatrelay/internal/metrics"
	"github.com/xiaot623/gogo/chatrelay/internal/policy"
	"github.com/xiaot623/gogo/chatrelay/internal/repository"
	"github.com/xiaot623/gogo/chatrelay/internal/storage"
)

// JobDispatcher enqueues named background jobs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, name string, payload interface{}) error
}

type Service struct {
	store        repository.Store
	llmClient    llm.LLMClient
	blobs        storage.Storage
	jobs         JobDispatcher
	policyEngine *policy.Engine
	config       *config.Config
	logger       *zap.Logger
	metrics      *metrics.Metrics
	httpClient   *http.Client
	maxImageSize int64
	now          func() time.Time
}

func New(store repository.Store, llmClient llm.LLMClient, blobs storage.Storage, jobs JobDispatcher, policyEngine *policy.Engine, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:        store,
		llmClient:    llmClient,
		blobs:        blobs,
		jobs:         jobs,
		policyEngine: policyEngine,
		config:       cfg,
		logger:       logger,
		metrics:      m,
		httpClient:   &http.Client{Timeout: time.Minute},
		maxImageSize: maxInputImageBytes,
		now:          time.Now,
	}
}
