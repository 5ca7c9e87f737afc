package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/logger"
)

// FeedbackQueueKey is the list officer corrections are pushed to. Consumers
// pop from the other end, so records are processed in creation order.
const FeedbackQueueKey = "feedback:queue"

// FeedbackDeadLetterKey holds records the consumer gave up on, newest first.
const FeedbackDeadLetterKey = "feedback:dead"

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, eris.Wrap(err, "failed to connect to redis")
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))
	return &Client{client: client}, nil
}

// New wraps an existing go-redis client.
func New(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "failed to marshal embedding")
	}
	if err := c.client.Set(ctx, "embedding:"+textHash, data, ttl).Err(); err != nil {
		return eris.Wrap(err, "failed to set embedding cache")
	}

	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, "embedding:"+textHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "failed to get embedding cache")
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, eris.Wrap(err, "failed to unmarshal embedding")
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

// Enqueue pushes a feedback record for the knowledge-correction consumer.
func (c *Client) Enqueue(ctx context.Context, record models.FeedbackRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "failed to marshal feedback record")
	}
	if err := c.client.LPush(ctx, FeedbackQueueKey, data).Err(); err != nil {
		return eris.Wrap(err, "failed to enqueue feedback record")
	}

	logger.Debug("Feedback record enqueued",
		zap.String("feedback_id", record.ID),
		zap.String("escalation_id", record.EscalationID),
	)
	return nil
}

// Dequeue blocks up to timeout for the oldest feedback record. It returns
// nil when the queue stayed empty.
func (c *Client) Dequeue(ctx context.Context, timeout time.Duration) (*models.FeedbackRecord, error) {
	res, err := c.client.BRPop(ctx, timeout, FeedbackQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to dequeue feedback record")
	}

	// BRPOP replies with [key, value].
	var record models.FeedbackRecord
	if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal feedback record")
	}
	return &record, nil
}

// Requeue puts a record back at the consumer end after a failed apply.
func (c *Client) Requeue(ctx context.Context, record models.FeedbackRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "failed to marshal feedback record")
	}
	return eris.Wrap(c.client.RPush(ctx, FeedbackQueueKey, data).Err(), "failed to requeue feedback record")
}

// DeadLetter parks a record that will not be retried again.
func (c *Client) DeadLetter(ctx context.Context, record models.FeedbackRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "failed to marshal feedback record")
	}
	if err := c.client.LPush(ctx, FeedbackDeadLetterKey, data).Err(); err != nil {
		return eris.Wrap(err, "failed to dead-letter feedback record")
	}

	logger.Warn("Feedback record dead-lettered",
		zap.String("feedback_id", record.ID),
		zap.Int("attempts", record.Attempts),
	)
	return nil
}

func (c *Client) QueueLength(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, FeedbackQueueKey).Result()
}

func (c *Client) DeadLetterLength(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, FeedbackDeadLetterKey).Result()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return eris.Wrapf(err, "failed to publish to %s", channel)
	}
	return nil
}

// Subscribe returns a subscription the caller must close.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}
