// Package jobs runs background maintenance for the access engine on Asynq:
// periodic cache warmup keeps hot principals resolved so request-path checks
// hit warm caches after deploys and invalidations.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCacheWarmup is the task type for pre-building engine caches.
	TaskCacheWarmup = "authz:cache_warmup"
)

// CacheWarmupPayload names the principals whose resolutions should be
// pre-built. An empty list still rebuilds the role snapshot.
type CacheWarmupPayload struct {
	PrincipalIDs []int64 `json:"principal_ids"`
}

// NewCacheWarmupTask constructs an Asynq task.
func NewCacheWarmupTask(payload CacheWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheWarmup, data), nil
}
