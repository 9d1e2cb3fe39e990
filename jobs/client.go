package jobs

import (
	"context"

	"github.com/hibiken/asynq"
)

// Client enqueues engine maintenance tasks.
type Client struct {
	inner *asynq.Client
	queue string
}

// NewClient connects a queue client over the given Redis options.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{inner: asynq.NewClient(redisOpts), queue: QueueDefault}, nil
}

// EnqueueCacheWarmup schedules a warmup pass for the named principals. An
// empty payload enqueues a snapshot-only rebuild.
func (c *Client) EnqueueCacheWarmup(ctx context.Context, payload CacheWarmupPayload) (*asynq.TaskInfo, error) {
	task, err := NewCacheWarmupTask(payload)
	if err != nil {
		return nil, err
	}
	return c.inner.EnqueueContext(ctx, task, asynq.Queue(c.queue))
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.inner.Close()
}
