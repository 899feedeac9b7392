/**
 * Storage Manager for the OCR server
 *
 * Coordinates the optional backing stores: Redis (result cache, status
 * sets, events) and PostgreSQL (task history). Either may be absent.
 * Storage failures are logged and never change what a client receives.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/ocr-server/internal/errors"
	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/processor"
)

// taskNamespace derives stable UUIDs for task IDs that are not UUIDs
var taskNamespace = uuid.MustParse("6f1c3c55-2b9e-4c52-9a57-0e3f7d1c8a41")

// storeTimeout bounds every storage call made on behalf of a task
const storeTimeout = 5 * time.Second

// ManagerConfig holds storage configuration; empty URLs disable a store
type ManagerConfig struct {
	RedisURL    string
	RedisPrefix string
	CacheTTL    time.Duration
	DatabaseURL string
}

// Manager coordinates Redis and PostgreSQL
type Manager struct {
	redis    *RedisClient
	postgres *PostgresClient
	logger   *logging.Logger
}

// NewManager connects the configured stores
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	m := &Manager{logger: logging.NewLogger("StorageManager")}

	if cfg.RedisURL != "" {
		r, err := NewRedisClient(cfg.RedisURL, cfg.RedisPrefix, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis client: %w", err)
		}
		m.redis = r
	}

	if cfg.DatabaseURL != "" {
		p, err := NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			if m.redis != nil {
				m.redis.Close()
			}
			return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
		}
		m.postgres = p
	}

	m.logger.Info("Storage initialized", "redis", m.redis != nil, "postgres", m.postgres != nil)
	return m, nil
}

// Enabled reports whether any store is configured
func (m *Manager) Enabled() bool {
	return m.redis != nil || m.postgres != nil
}

// Cache returns the result cache, or nil when Redis is not configured
func (m *Manager) Cache() processor.ResultCache {
	if m.redis == nil {
		return nil
	}
	return m
}

// Redis returns the Redis client, or nil
func (m *Manager) Redis() *RedisClient { return m.redis }

// Postgres returns the PostgreSQL client, or nil
func (m *Manager) Postgres() *PostgresClient { return m.postgres }

// GetResult implements processor.ResultCache
func (m *Manager) GetResult(ctx context.Context, key string) (*processor.Response, bool) {
	if m.redis == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	resp, err := m.redis.GetResult(ctx, key)
	if err != nil {
		m.logger.Warn("Result cache lookup failed", "key", key, "error", err)
		return nil, false
	}
	return resp, resp != nil
}

// SetResult implements processor.ResultCache
func (m *Manager) SetResult(ctx context.Context, key string, resp *processor.Response) {
	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := m.redis.SetResult(ctx, key, resp); err != nil {
		m.logger.Warn("Result cache store failed", "key", key, "error", err)
	}
}

// TaskStarted records a task as processing
func (m *Manager) TaskStarted(ctx context.Context, task *processor.Task) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if m.redis != nil {
		if err := m.redis.MarkStatus(ctx, task.ID, StatusProcessing, nil); err != nil {
			m.logger.Warn("Failed to mark task processing", "taskId", task.ID, "error", err)
		}
		m.publish(ctx, newEvent(task, StatusProcessing, nil))
	}

	if m.postgres != nil {
		if err := m.postgres.UpdateJobStatus(ctx, jobUpdate(task, StatusProcessing, nil, 0)); err != nil {
			m.logger.Warn("Failed to record task start", "taskId", task.ID, "error", err)
		}
	}
}

// TaskFinished records the outcome of a task
func (m *Manager) TaskFinished(ctx context.Context, task *processor.Task, resp *processor.Response, took time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	status := StatusCompleted
	if resp.Status == processor.StatusError {
		status = StatusFailed
	}

	if m.redis != nil {
		var detail interface{} = resp
		if status == StatusFailed {
			detail = failureDetail(task, resp)
		}
		if err := m.redis.MarkStatus(ctx, task.ID, status, detail); err != nil {
			m.logger.Warn("Failed to mark task finished", "taskId", task.ID, "status", status, "error", err)
		}
		m.publish(ctx, newEvent(task, status, resp))
	}

	if m.postgres != nil {
		if err := m.postgres.UpdateJobStatus(ctx, jobUpdate(task, status, resp, took)); err != nil {
			m.logger.Warn("Failed to record task result", "taskId", task.ID, "error", err)
		}
	}
}

// failureDetail is what the errors hash stores for a failed task
func failureDetail(task *processor.Task, resp *processor.Response) map[string]interface{} {
	return errors.NewTaskFailedError(task.ID, resp.Message, map[string]interface{}{
		"engine":   task.Engine,
		"language": task.Language,
	}).ToMap()
}

func (m *Manager) publish(ctx context.Context, ev *Event) {
	if err := m.redis.PublishEvent(ctx, ev); err != nil {
		m.logger.Debug("Failed to publish event", "taskId", ev.TaskID, "error", err)
	}
}

// Stats merges Redis set sizes and PostgreSQL row counts
func (m *Manager) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{}
	if m.redis != nil {
		s, err := m.redis.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		stats["redis"] = s
	}
	if m.postgres != nil {
		counts, err := m.postgres.CountByStatus(ctx)
		if err != nil {
			return nil, err
		}
		stats["postgres"] = counts
		pool := m.postgres.GetStats()
		stats["postgresPool"] = map[string]int{
			"open":  pool.OpenConnections,
			"inUse": pool.InUse,
			"idle":  pool.Idle,
		}
	}
	return stats, nil
}

// Close closes every configured store
func (m *Manager) Close() error {
	var firstErr error
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close Redis: %w", err)
		}
	}
	if m.postgres != nil {
		if err := m.postgres.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return firstErr
}

// TaskUUID returns id when it is a UUID, otherwise a UUID derived from it
func TaskUUID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(taskNamespace, []byte(id)).String()
}

func newEvent(task *processor.Task, status string, resp *processor.Response) *Event {
	ev := &Event{
		Event:    "task:" + status,
		TaskID:   task.ID,
		Engine:   task.Engine,
		Language: task.Language,
	}
	if resp != nil {
		ev.Results = len(resp.Results)
		ev.Message = resp.Message
	}
	return ev
}

func jobUpdate(task *processor.Task, status string, resp *processor.Response, took time.Duration) *JobUpdate {
	u := &JobUpdate{
		JobID:      TaskUUID(task.ID),
		Status:     status,
		Engine:     task.Engine,
		Language:   task.Language,
		CharLevel:  task.CharLevel,
		Preprocess: task.Preprocess,
		Metadata: map[string]interface{}{
			"taskId":    task.ID,
			"imagePath": task.ImagePath,
		},
	}
	if resp == nil {
		return u
	}

	u.ResultCount = len(resp.Results)
	u.Confidence = averageConfidence(resp.Results)
	u.ProcessingTimeMs = took.Milliseconds()
	if resp.Status == processor.StatusError {
		u.ErrorCode = string(errors.CodeForMessage(resp.Message))
		u.ErrorMessage = resp.Message
	}
	return u
}

func averageConfidence(dets []processor.Detection) float64 {
	if len(dets) == 0 {
		return 0
	}
	var sum float64
	for _, d := range dets {
		sum += d.Confidence
	}
	return sum / float64(len(dets))
}
