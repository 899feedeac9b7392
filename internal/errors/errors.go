package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

/**
 * Error taxonomy for the OCR socket server
 *
 * Request-local failures become JSON error responses, connection-local
 * failures close one connection. Only listener bind failure is fatal.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Request errors
	ErrorProtocol  ErrorCode = "PROTOCOL_ERROR"
	ErrorQueueFull ErrorCode = "QUEUE_FULL"

	// Engine errors
	ErrorEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorInferenceFailed   ErrorCode = "INFERENCE_FAILED"
	ErrorImageNotFound     ErrorCode = "IMAGE_NOT_FOUND"

	// Recovered locally, never surfaced to clients
	ErrorGeometryConversion ErrorCode = "GEOMETRY_CONVERSION"

	// Connection and lifecycle errors
	ErrorConnection   ErrorCode = "CONNECTION_ERROR"
	ErrorShuttingDown ErrorCode = "SHUTTING_DOWN"
)

// Client-facing messages that are part of the wire contract
const (
	MsgUnknownCommand = "Unknown command"
	MsgServerBusy     = "Server is busy, try again later"
	MsgShuttingDown   = "Server is shutting down"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	TaskID    string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewProtocolError(command string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProtocol,
		Message:   MsgUnknownCommand,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

func NewQueueFullError(taskID string, capacity int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorQueueFull,
		Message:   MsgServerBusy,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"queue_capacity": capacity,
		},
	}
}

func NewEngineUnavailableError(taskID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineUnavailable,
		Message:   fmt.Sprintf("OCR engine unavailable: %s", engine),
		TaskID:    taskID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewInferenceError(taskID string, engine string, cause error) *ProcessingError {
	msg := "OCR failed"
	if cause != nil {
		msg = fmt.Sprintf("OCR failed: %v", cause)
	}
	return &ProcessingError{
		Code:      ErrorInferenceFailed,
		Message:   msg,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewImageNotFoundError(taskID string, path string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageNotFound,
		Message:   fmt.Sprintf("Image file not found: %s", path),
		TaskID:    taskID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"image_path": path,
		},
	}
}

func NewGeometryConversionError(index int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorGeometryConversion,
		Message:   fmt.Sprintf("Malformed polygon at detection %d", index),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"index": index,
		},
		Cause: cause,
	}
}

func NewConnectionError(addr string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorConnection,
		Message:   fmt.Sprintf("Connection failed: %s", addr),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"addr": addr,
		},
		Cause: cause,
	}
}

func NewShuttingDownError(taskID string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorShuttingDown,
		Message:   MsgShuttingDown,
		TaskID:    taskID,
		Timestamp: time.Now(),
	}
}

// NewTaskFailedError rebuilds a structured error from a failed response's
// message so it can be persisted with its code.
func NewTaskFailedError(taskID string, msg string, details map[string]interface{}) *ProcessingError {
	return &ProcessingError{
		Code:      CodeForMessage(msg),
		Message:   msg,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Details:   details,
	}
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a ProcessingError
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// ClientMessage returns the text a client should see for err
func ClientMessage(err error) string {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// CodeForMessage recovers the ErrorCode behind a client-facing message.
// Responses only carry text, so persistence classifies by prefix.
func CodeForMessage(msg string) ErrorCode {
	switch {
	case msg == "":
		return ""
	case msg == MsgUnknownCommand:
		return ErrorProtocol
	case msg == MsgServerBusy:
		return ErrorQueueFull
	case msg == MsgShuttingDown:
		return ErrorShuttingDown
	case strings.HasPrefix(msg, "OCR engine unavailable"):
		return ErrorEngineUnavailable
	case strings.HasPrefix(msg, "Image file not found"):
		return ErrorImageNotFound
	default:
		return ErrorInferenceFailed
	}
}

// ToMap converts error to map for persistence
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.TaskID != "" {
		result["task_id"] = e.TaskID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
