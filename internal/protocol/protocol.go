// Package protocol implements the line command format and the length-prefixed
// JSON response framing spoken on the OCR socket.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// CommandReadImage is the only recognized command token
const CommandReadImage = "read_image"

// DefaultChunkSize bounds each write of a response payload
const DefaultChunkSize = 8192

// maxFrameSize rejects absurd length headers on the client side
const maxFrameSize = 256 << 20

// Request is a parsed read_image command
type Request struct {
	Language   string
	Engine     string
	CharLevel  bool
	Preprocess bool
}

// Defaults fills fields that a command leaves out or empty
type Defaults struct {
	Language   string
	Engine     string
	CharLevel  bool
	Preprocess bool
}

// ErrUnknownCommand is returned for any line not starting with read_image
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand parses "read_image|lang|engine|charLevel|preprocess".
// Every field after the command token is optional.
func ParseCommand(line string, d Defaults) (*Request, error) {
	cmd := strings.TrimSpace(line)
	if !strings.HasPrefix(cmd, CommandReadImage) {
		return nil, ErrUnknownCommand
	}

	req := &Request{
		Language:   d.Language,
		Engine:     strings.ToLower(d.Engine),
		CharLevel:  d.CharLevel,
		Preprocess: d.Preprocess,
	}

	parts := strings.Split(cmd, "|")
	field := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	if v := field(1); v != "" {
		req.Language = v
	}
	if v := field(2); v != "" {
		req.Engine = strings.ToLower(v)
	}
	req.CharLevel = parseBool(field(3), req.CharLevel)
	req.Preprocess = parseBool(field(4), req.Preprocess)

	return req, nil
}

func parseBool(v string, fallback bool) bool {
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// FormatCommand renders a request in wire form
func FormatCommand(r Request) string {
	return strings.Join([]string{
		CommandReadImage,
		r.Language,
		r.Engine,
		strconv.FormatBool(r.CharLevel),
		strconv.FormatBool(r.Preprocess),
	}, "|")
}

// EncodeResponse marshals v without HTML or non-ASCII escaping
func EncodeResponse(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteFrame writes "<len>\r\n" followed by payload in chunks of at most chunkSize bytes
func WriteFrame(w io.Writer, payload []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	header := strconv.Itoa(len(payload)) + "\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}

	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := w.Write(payload[off:end]); err != nil {
			return fmt.Errorf("failed to write frame body at %d: %w", off, err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimRight(header, "\r\n"))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid frame header %q", header)
	}
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return payload, nil
}

// SplitCommands splits one read into commands. Each newline-terminated line
// is a command and so is a trailing fragment; blank lines are dropped.
func SplitCommands(data string) []string {
	var out []string
	for _, line := range strings.Split(data, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
