package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz"
)

var defaultJobMetrics = NewMetrics(nil)

// CacheWarmupJob pre-builds principal access resolutions so checks after an
// invalidation do not pay the rebuild cost on the request path.
type CacheWarmupJob struct {
	Engine  *authz.Engine
	Logger  *slog.Logger
	Metrics *Metrics
}

// NewCacheWarmupJob wires dependencies for the warmup handler.
func NewCacheWarmupJob(engine *authz.Engine, logger *slog.Logger, metrics *Metrics) *CacheWarmupJob {
	return &CacheWarmupJob{Engine: engine, Logger: logger, Metrics: metrics}
}

// Handle processes cache warmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("cache warmup: handler not configured")
	}
	var payload CacheWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCacheWarmup)
	logger := j.logger()
	start := time.Now()
	if err := j.Engine.Warm(ctx, payload.PrincipalIDs); err != nil {
		logger.Error("warm caches", slog.Int("principals", len(payload.PrincipalIDs)), slog.Any("error", err))
		return tracker.End(err)
	}

	logger.Info("completed cache warmup", slog.Int("principals", len(payload.PrincipalIDs)), slog.Duration("duration", time.Since(start)))
	return tracker.End(nil)
}

func (j *CacheWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCacheWarmup))
	}
	return slog.Default().With(slog.String("job", TaskCacheWarmup))
}

func (j *CacheWarmupJob) metrics() *Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
