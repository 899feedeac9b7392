/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Canonical detections, tasks and responses, plus the raw engine output
 * that only the normalizer is allowed to inspect.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Point is a 2-D coordinate in image space
type Point [2]float64

// X returns the horizontal coordinate
func (p Point) X() float64 { return p[0] }

// Y returns the vertical coordinate
func (p Point) Y() float64 { return p[1] }

// Quad is four corners ordered top-left, top-right, bottom-right, bottom-left
type Quad [4]Point

// DefaultQuad substitutes for polygons an engine returned in an unusable shape
var DefaultQuad = Quad{{0, 0}, {100, 0}, {100, 30}, {0, 30}}

// Detection represents one recognized text region
type Detection struct {
	Quad        Quad    `json:"rect"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	IsCharacter bool    `json:"is_character"`
}

// Task represents one accepted read_image request
type Task struct {
	ID          string
	ImagePath   string
	Language    string
	Engine      string
	CharLevel   bool
	Preprocess  bool
	SubmittedAt time.Time
}

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is what a client receives for one command
type Response struct {
	Status                string      `json:"status"`
	Results               []Detection `json:"results"`
	ProcessingTimeSeconds float64     `json:"processing_time_seconds"`
	CharLevel             bool        `json:"char_level"`
	Message               string      `json:"message,omitempty"`
}

type successBody struct {
	Status                string      `json:"status"`
	Results               []Detection `json:"results"`
	ProcessingTimeSeconds float64     `json:"processing_time_seconds"`
	CharLevel             bool        `json:"char_level"`
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// MarshalJSON emits exactly the success or error shape of the wire protocol
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Status == StatusError {
		return marshalRaw(errorBody{Status: r.Status, Message: r.Message})
	}
	results := r.Results
	if results == nil {
		results = []Detection{}
	}
	return marshalRaw(successBody{
		Status:                r.Status,
		Results:               results,
		ProcessingTimeSeconds: r.ProcessingTimeSeconds,
		CharLevel:             r.CharLevel,
	})
}

// marshalRaw encodes without HTML escaping; non-ASCII text is never escaped
func marshalRaw(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NewErrorResponse builds {"status":"error","message":...}
func NewErrorResponse(message string) *Response {
	return &Response{Status: StatusError, Message: message}
}

// RawResult is backend-specific OCR output. Payload is either decoded JSON
// (map[string]interface{} / []interface{}) or a Columns value.
type RawResult struct {
	Engine  string
	Payload interface{}
	// Scale is the factor the image was enlarged by before inference; 0 means 1.
	Scale float64
}

// Columns is the attribute-object shape: parallel boxes, texts and scores.
// Boxes hold either 4 (x,y) pairs or 8 flat numbers.
type Columns struct {
	Boxes  [][]float64
	Texts  []string
	Scores []float64
}

// Handle is a ready engine, valid until Release
type Handle struct {
	Engine   string
	Language string
	Backend  interface{}
}

// EngineAdapter wraps one OCR backend
type EngineAdapter interface {
	Name() string
	EnsureReady(ctx context.Context, lang string) (*Handle, error)
	Infer(ctx context.Context, h *Handle, imagePath string) (*RawResult, error)
	Release(h *Handle)
}

// EngineResolver looks up adapters by engine name
type EngineResolver interface {
	Resolve(name string) (EngineAdapter, error)
}
