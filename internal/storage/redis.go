/**
 * Redis Client for the OCR server
 *
 * Three concerns share one connection:
 *   - result cache keyed by image digest and request options
 *   - processing/completed/failed status sets plus a results hash
 *   - task lifecycle events on <prefix>:events
 */

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// Task status values shared by Redis and PostgreSQL
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DefaultPrefix namespaces every key the server writes
const DefaultPrefix = "ocr"

// Event is published on <prefix>:events for every status change
type Event struct {
	Event     string `json:"event"`
	TaskID    string `json:"taskId"`
	Engine    string `json:"engine,omitempty"`
	Language  string `json:"lang,omitempty"`
	Results   int    `json:"results"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RedisClient wraps go-redis for caching and status tracking
type RedisClient struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient connects to redisURL. ttl applies to cached results.
func NewRedisClient(redisURL, prefix string, ttl time.Duration) (*RedisClient, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisClient{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisClient) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// GetResult looks up a cached response. Errors are reported as misses.
func (r *RedisClient) GetResult(ctx context.Context, key string) (*processor.Response, error) {
	data, err := r.client.Get(ctx, r.key("cache", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var resp processor.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &resp, nil
}

// SetResult caches a response for the configured TTL
func (r *RedisClient) SetResult(ctx context.Context, key string, resp *processor.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := r.client.Set(ctx, r.key("cache", key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MarkStatus moves taskID into the set for status. For finished tasks
// detail is stored in the results or errors hash.
func (r *RedisClient) MarkStatus(ctx context.Context, taskID, status string, detail interface{}) error {
	var payload []byte
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to encode status detail: %w", err)
		}
		payload = data
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch status {
		case StatusProcessing:
			pipe.SAdd(ctx, r.key(StatusProcessing), taskID)
		case StatusCompleted:
			pipe.SRem(ctx, r.key(StatusProcessing), taskID)
			pipe.SAdd(ctx, r.key(StatusCompleted), taskID)
			if payload != nil {
				pipe.HSet(ctx, r.key("results"), taskID, payload)
			}
		case StatusFailed:
			pipe.SRem(ctx, r.key(StatusProcessing), taskID)
			pipe.SAdd(ctx, r.key(StatusFailed), taskID)
			if payload != nil {
				pipe.HSet(ctx, r.key("errors"), taskID, payload)
			}
		default:
			return fmt.Errorf("unknown status %q", status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// StoredResult returns the detail recorded for a completed task
func (r *RedisClient) StoredResult(ctx context.Context, taskID string) ([]byte, error) {
	data, err := r.client.HGet(ctx, r.key("results"), taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		data, err = r.client.HGet(ctx, r.key("errors"), taskID).Bytes()
	}
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("no result stored for task %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

// EventsChannel is the pub/sub channel events are published on
func (r *RedisClient) EventsChannel() string {
	return r.key("events")
}

// PublishEvent publishes a lifecycle event
func (r *RedisClient) PublishEvent(ctx context.Context, event *Event) error {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.EventsChannel(), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// SubscribeEvents streams lifecycle events until ctx is done
func (r *RedisClient) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	sub := r.client.Subscribe(ctx, r.EventsChannel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Event, 100)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// GetStats returns the size of each status set
func (r *RedisClient) GetStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, 3)
	for _, status := range []string{StatusProcessing, StatusCompleted, StatusFailed} {
		n, err := r.client.SCard(ctx, r.key(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scard %s: %w", status, err)
		}
		stats[status] = n
	}
	return stats, nil
}

// Ping checks Redis connectivity
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
