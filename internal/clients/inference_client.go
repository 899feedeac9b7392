/**
 * Inference Client - OCR sidecar bridge
 *
 * Model-backed engines (EasyOCR, PaddleOCR, RapidOCR) run in a sidecar
 * process next to the server. This client drives that sidecar:
 * - /init loads a model for one language
 * - /infer runs recognition on an image path and returns the engine's raw output
 * - /release frees accelerator caches after a task
 *
 * The raw output is passed through untouched; shape handling belongs to
 * the result normalizer.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/ocr-server/internal/logging"
)

// InferenceClient handles communication with the inference sidecar
type InferenceClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// InitRequest asks the sidecar to load a model
type InitRequest struct {
	Engine   string `json:"engine"`
	Language string `json:"lang"`
}

// InferRequest asks the sidecar to recognize one image
type InferRequest struct {
	Engine    string `json:"engine"`
	Language  string `json:"lang"`
	ImagePath string `json:"image_path"`
}

// ReleaseRequest asks the sidecar to free accelerator memory
type ReleaseRequest struct {
	Engine string `json:"engine"`
}

// envelope is the sidecar's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// NewInferenceClient creates a new sidecar client
func NewInferenceClient(baseURL string, timeout time.Duration) *InferenceClient {
	if timeout <= 0 {
		timeout = 120 * time.Second // model loads can take time
	}
	return &InferenceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("InferenceClient"),
	}
}

// Init loads the engine's model for a backend-specific language code
func (c *InferenceClient) Init(ctx context.Context, engine, lang string) error {
	start := time.Now()
	if _, err := c.post(ctx, "/init", &InitRequest{Engine: engine, Language: lang}); err != nil {
		return err
	}
	c.logger.Info("Sidecar engine initialized",
		"engine", engine,
		"lang", lang,
		"duration", time.Since(start))
	return nil
}

// Infer returns the engine's raw output for imagePath, decoded with json.Number
func (c *InferenceClient) Infer(ctx context.Context, engine, lang, imagePath string) (interface{}, error) {
	data, err := c.post(ctx, "/infer", &InferRequest{Engine: engine, Language: lang, ImagePath: imagePath})
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse inference payload: %w", err)
	}
	return payload, nil
}

// Release frees accelerator memory held by the engine
func (c *InferenceClient) Release(ctx context.Context, engine string) error {
	_, err := c.post(ctx, "/release", &ReleaseRequest{Engine: engine})
	return err
}

// HealthCheck verifies the sidecar is reachable
func (c *InferenceClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (c *InferenceClient) post(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	endpoint := c.baseURL + path

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "ocr-server")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to sidecar %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("sidecar %s failed: %s", path, env.Message)
	}

	return env.Data, nil
}
