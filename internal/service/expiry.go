package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const expirySweepBatch = 100

// RunFileExpiryMonitor marks uploaded files past their expiry until ctx is done.
func (s *Service) RunFileExpiryMonitor(ctx context.Context) {
	interval := s.config.FileSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredFiles(ctx)
		}
	}
}

func (s *Service) sweepExpiredFiles(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	total := 0
	for {
		expired, err := s.store.ExpireDueFiles(sweepCtx, s.now(), expirySweepBatch)
		total += len(expired)
		if err != nil {
			s.logger.Warn("file expiry sweep failed", zap.Error(err))
			break
		}
		if len(expired) < expirySweepBatch {
			break
		}
	}

	if total > 0 {
		s.logger.Info("expired uploaded files", zap.Int("count", total))
		s.metrics.AddExpiredFiles(total)
	}
	return total
}
