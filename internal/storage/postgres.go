/**
 * PostgreSQL Client for the OCR server
 *
 * Keeps a history row per task in ocr_jobs. Rows are upserted so the
 * "processing" insert and the final status update can arrive in any order.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a task status update
type JobUpdate struct {
	JobID            string
	Status           string
	Engine           string
	Language         string
	CharLevel        bool
	Preprocess       bool
	ResultCount      int
	Confidence       float64
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// JobRecord is one row of ocr_jobs
type JobRecord struct {
	ID               string
	Status           string
	Engine           string
	Language         string
	CharLevel        bool
	Preprocess       bool
	ResultCount      int
	Confidence       sql.NullFloat64
	ProcessingTimeMs sql.NullInt64
	ErrorCode        sql.NullString
	ErrorMessage     sql.NullString
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS ocr_jobs (
		id                 UUID PRIMARY KEY,
		status             TEXT NOT NULL,
		engine             TEXT NOT NULL,
		language           TEXT NOT NULL,
		char_level         BOOLEAN NOT NULL DEFAULT FALSE,
		preprocess         BOOLEAN NOT NULL DEFAULT FALSE,
		result_count       INTEGER NOT NULL DEFAULT 0,
		confidence         NUMERIC(5,4),
		processing_time_ms BIGINT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS ocr_jobs_status_idx ON ocr_jobs (status, updated_at DESC);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0.0, 1.0] so it always fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 || confidence != confidence {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient connects and makes sure the ocr_jobs table exists
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ocr_jobs table: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts a task row
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(sanitizeJSONForPostgres(metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Zero confidence and duration mean "not known yet" and never overwrite
	// a value recorded earlier.
	query := `
		INSERT INTO ocr_jobs (
			id, status, engine, language, char_level, preprocess,
			result_count, confidence, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5, $6,
			$7, NULLIF($8::NUMERIC(5,4), 0), NULLIF($9, 0),
			NULLIF($10, ''), NULLIF($11, ''), COALESCE($12::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result_count = EXCLUDED.result_count,
			confidence = COALESCE(EXCLUDED.confidence, ocr_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ocr_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = ocr_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(ctx, query,
		update.JobID,
		update.Status,
		update.Engine,
		update.Language,
		update.CharLevel,
		update.Preprocess,
		update.ResultCount,
		sanitizeConfidence(update.Confidence),
		update.ProcessingTimeMs,
		update.ErrorCode,
		update.ErrorMessage,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	return nil
}

const jobColumns = `
	id, status, engine, language, char_level, preprocess, result_count,
	confidence, processing_time_ms, error_code, error_message, metadata,
	created_at, updated_at
`

// GetJobByID retrieves one task row
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ocr_jobs WHERE id = $1::uuid`, jobID)
	rec, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return rec, nil
}

// ListJobs returns the most recently updated rows whose status is one of
// statuses. An empty statuses slice matches every row.
func (p *PostgresClient) ListJobs(ctx context.Context, statuses []string, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM ocr_jobs ORDER BY updated_at DESC LIMIT $1`, limit)
	} else {
		normalized := make([]string, len(statuses))
		for i, s := range statuses {
			normalized[i] = strings.ToLower(strings.TrimSpace(s))
		}
		rows, err = p.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM ocr_jobs WHERE status = ANY($1) ORDER BY updated_at DESC LIMIT $2`,
			pq.Array(normalized), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var (
		rec          JobRecord
		metadataJSON []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Status, &rec.Engine, &rec.Language,
		&rec.CharLevel, &rec.Preprocess, &rec.ResultCount,
		&rec.Confidence, &rec.ProcessingTimeMs,
		&rec.ErrorCode, &rec.ErrorMessage, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}

// CountByStatus returns the number of rows per status
func (p *PostgresClient) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ocr_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	return p.db.Close()
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

// sanitizeJSONForPostgres strips NUL characters, which JSONB rejects, from
// every string in a decoded JSON value.
func sanitizeJSONForPostgres(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, "\x00", "")
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[strings.ReplaceAll(k, "\x00", "")] = sanitizeJSONForPostgres(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeJSONForPostgres(item)
		}
		return out
	default:
		return v
	}
}
