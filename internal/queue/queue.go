package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/reelforge/reelforge/internal/models"
)

const (
	// QueueCreatives carries creative-generation work for the worker pool.
	QueueCreatives = "reelforge:creatives"

	// StreamRenderFinished receives one event per render job reaching a
	// terminal state, for downstream consumers (webhooks, analytics).
	StreamRenderFinished = "events:render_finished"
)

type Queue struct {
	client *redis.Client
}

// Job is the envelope pushed onto a work queue.
type Job struct {
	ID         uuid.UUID              `json:"id"`
	Type       string                 `json:"type"`
	CreativeID uuid.UUID              `json:"creative_id"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueueCreative hands a freshly accepted creative to the worker pool.
func (q *Queue) EnqueueCreative(ctx context.Context, creativeID uuid.UUID) error {
	job := &Job{
		ID:         uuid.New(),
		Type:       "generate_creative",
		CreativeID: creativeID,
	}
	return q.Enqueue(ctx, QueueCreatives, job)
}

// PublishRenderFinished emits the terminal snapshot of a render job onto
// the event stream. Event delivery is best-effort; the job record remains
// the source of truth.
func (q *Queue) PublishRenderFinished(ctx context.Context, view models.JobView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal render event: %w", err)
	}
	return q.client.RPush(ctx, StreamRenderFinished, data).Err()
}
