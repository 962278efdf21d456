package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueInvertImage uses the job id as the task id, so a job is queued at
// most once.
func (c *Client) EnqueueInvertImage(ctx context.Context, payload InvertImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewInvertImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(3),
		asynq.Timeout(3*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
