package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-server/internal/processor"
	"github.com/adverant/nexus/ocr-server/internal/protocol"
)

// fakeServer answers every line with a canned success frame and records the lines
func fakeServer(t *testing.T, payload []byte) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	lines := make(chan string, 10)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSpace(line)
			if err := protocol.WriteFrame(conn, payload, 16); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), lines
}

func TestRequestOCR(t *testing.T) {
	resp := &processor.Response{
		Status:                processor.StatusSuccess,
		Results:               []processor.Detection{{Quad: processor.DefaultQuad, Text: "こんにちは", Confidence: 0.88}},
		ProcessingTimeSeconds: 0.25,
	}
	payload, err := protocol.EncodeResponse(resp)
	require.NoError(t, err)
	addr, lines := fakeServer(t, payload)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got [][]byte
	err = requestOCR(ctx, addr, protocol.Request{Language: "japan", Engine: "paddleocr", CharLevel: false}, 2, func(p []byte) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, payload, got[0])
	assert.Equal(t, "read_image|japan|paddleocr|false|false", <-lines)

	var out bytes.Buffer
	require.NoError(t, printResponse(&out, got[0], false))
	assert.Contains(t, out.String(), "1 results in 250ms")
	assert.Contains(t, out.String(), "こんにちは")
}

func TestPrintResponse_Error(t *testing.T) {
	payload, err := protocol.EncodeResponse(processor.NewErrorResponse("Server is busy, try again later"))
	require.NoError(t, err)

	var out bytes.Buffer
	err = printResponse(&out, payload, false)
	assert.EqualError(t, err, "server error: Server is busy, try again later")

	require.NoError(t, printResponse(&out, payload, true))
	assert.Contains(t, out.String(), `"status":"error"`)
}

func TestIndentJSON(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", indentJSON([]byte(`{"a":1}`)))
	assert.Equal(t, "not json", indentJSON([]byte("not json")))
}
