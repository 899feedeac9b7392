package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-server/internal/processor"
)

func TestMetrics_TaskObserver(t *testing.T) {
	m := New(func() int { return 3 })
	ctx := context.Background()
	task := &processor.Task{ID: "t1", Engine: "easyocr"}

	m.TaskStarted(ctx, task)
	assert.Equal(t, int64(1), m.TasksInFlight.Load())

	m.TaskFinished(ctx, task, &processor.Response{
		Status:  processor.StatusSuccess,
		Results: []processor.Detection{{Text: "a"}, {Text: "b"}},
	}, 250*time.Millisecond)
	m.TaskStarted(ctx, task)
	m.TaskFinished(ctx, task, processor.NewErrorResponse("OCR failed: x"), time.Second)

	assert.Equal(t, int64(0), m.TasksInFlight.Load())
	text := scrape(t, m)
	assert.Contains(t, text, `ocr_tasks_total{engine="easyocr",status="success"} 1`)
	assert.Contains(t, text, `ocr_tasks_total{engine="easyocr",status="error"} 1`)
	assert.Contains(t, text, "ocr_task_detections_count 1")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Handler(t *testing.T) {
	m := New(func() int { return 7 })
	m.ActiveConnections.Add(2)
	m.RejectedConnections.Add(1)
	m.EngineInitialized("paddleocr", "japan", 3*time.Second)

	srv := httptest.NewServer(m.NewServer("").Handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "ocr_active_connections 2")
	assert.Contains(t, text, "ocr_connections_rejected_total 1")
	assert.Contains(t, text, "ocr_queue_depth 7")
	assert.Contains(t, text, `ocr_engine_initializations_total{engine="paddleocr",language="japan"} 1`)

	health, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, 200, health.StatusCode)
}
