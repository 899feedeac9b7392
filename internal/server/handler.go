package server

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/adverant/nexus/ocr-server/internal/errors"
	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/processor"
	"github.com/adverant/nexus/ocr-server/internal/protocol"
	"github.com/adverant/nexus/ocr-server/internal/queue"
)

// connHandler serves one client: read commands, admit tasks, await, reply.
type connHandler struct {
	server *Server
	conn   net.Conn
	remote string
	logger *logging.Logger

	// mu orders deadline updates so a shutdown interrupt cannot be
	// overwritten by the next read's fresh deadline.
	mu      sync.Mutex
	closing bool
}

func newConnHandler(s *Server, conn net.Conn) *connHandler {
	return &connHandler{
		server: s,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		logger: s.logger,
	}
}

func (h *connHandler) serve(ctx context.Context) {
	h.logger.Info("Client connected", "remote", h.remote, "active", h.server.ActiveConnections())
	defer h.logger.Info("Client disconnected", "remote", h.remote)

	stop := context.AfterFunc(ctx, h.interrupt)
	defer stop()

	buf := make([]byte, h.server.config.ReadBufferSize)
	for {
		if !h.armRead() {
			return
		}

		n, err := h.conn.Read(buf)
		if n > 0 {
			data := buf[:n]
			if !utf8.Valid(data) {
				h.logger.Warn("Closing connection",
					"remote", h.remote,
					"error", errors.NewConnectionError(h.remote, stderrors.New("invalid UTF-8 in request")))
				return
			}
			for _, line := range protocol.SplitCommands(string(data)) {
				if !h.dispatch(line) {
					return
				}
			}
		}
		if err != nil {
			h.logReadError(err)
			return
		}
	}
}

// interrupt unblocks a pending read once the server is shutting down
func (h *connHandler) interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closing = true
	h.conn.SetReadDeadline(time.Now())
}

// armRead sets the idle deadline for the next read; false once shutting down
func (h *connHandler) armRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conn.SetReadDeadline(time.Now().Add(h.server.config.ConnectionTimeout))
	return true
}

func (h *connHandler) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

func (h *connHandler) logReadError(err error) {
	switch {
	case stderrors.Is(err, io.EOF):
		h.logger.Debug("Client closed connection", "remote", h.remote)
	case stderrors.Is(err, os.ErrDeadlineExceeded) && h.isClosing():
		h.logger.Debug("Read interrupted by shutdown", "remote", h.remote)
	case stderrors.Is(err, os.ErrDeadlineExceeded):
		h.logger.Info("Connection timed out", "remote", h.remote, "timeout", h.server.config.ConnectionTimeout)
	default:
		h.logger.Warn("Read failed", "remote", h.remote, "error", errors.NewConnectionError(h.remote, err))
	}
}

// dispatch handles one command; false means the connection must close
func (h *connHandler) dispatch(line string) bool {
	req, err := protocol.ParseCommand(line, h.server.config.Defaults)
	if err != nil {
		h.server.metrics.UnknownCommands.Add(1)
		h.logger.Warn("Unknown command", "remote", h.remote, "command", truncate(line, 64))
		return h.reply(processor.NewErrorResponse(errors.ClientMessage(errors.NewProtocolError(line))))
	}

	task := &processor.Task{
		ID:          uuid.NewString(),
		ImagePath:   h.server.config.ImagePath,
		Language:    req.Language,
		Engine:      req.Engine,
		CharLevel:   req.CharLevel,
		Preprocess:  req.Preprocess,
		SubmittedAt: time.Now(),
	}

	job := queue.NewJob(task)
	if err := h.server.queue.TryEnqueue(job); err != nil {
		if stderrors.Is(err, queue.ErrQueueClosed) {
			return h.reply(processor.NewErrorResponse(errors.ClientMessage(errors.NewShuttingDownError(task.ID))))
		}
		h.server.metrics.BusyRejections.Add(1)
		h.logger.Warn("Task queue full, rejecting request",
			"remote", h.remote,
			"taskId", task.ID,
			"capacity", h.server.queue.Cap())
		return h.reply(processor.NewErrorResponse(h.server.busyMessage(task.ID)))
	}

	h.logger.Debug("Task queued",
		"remote", h.remote,
		"taskId", task.ID,
		"engine", task.Engine,
		"lang", task.Language,
		"charLevel", task.CharLevel,
		"preprocess", task.Preprocess,
		"depth", h.server.queue.Len())

	// The pool answers every admitted job, including on shutdown.
	<-job.Done()
	return h.reply(job.Response())
}

func (h *connHandler) reply(resp *processor.Response) bool {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		h.logger.Error("Failed to encode response", "remote", h.remote, "error", err)
		payload, _ = protocol.EncodeResponse(processor.NewErrorResponse("OCR failed: " + err.Error()))
	}

	h.conn.SetWriteDeadline(time.Now().Add(h.server.config.ConnectionTimeout))
	if err := protocol.WriteFrame(h.conn, payload, h.server.config.WriteChunkSize); err != nil {
		h.logger.Warn("Failed to send response", "remote", h.remote, "error", errors.NewConnectionError(h.remote, err))
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
