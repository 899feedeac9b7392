/**
 * OCR socket server
 *
 * Accepts TCP clients, enforces the connection ceiling and runs one
 * ConnectionHandler per client. Inference never happens here: handlers
 * only admit tasks to the shared TaskQueue and wait for the worker pool.
 */

package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/ocr-server/internal/errors"
	"github.com/adverant/nexus/ocr-server/internal/logging"
	"github.com/adverant/nexus/ocr-server/internal/metrics"
	"github.com/adverant/nexus/ocr-server/internal/protocol"
	"github.com/adverant/nexus/ocr-server/internal/queue"
)

// Config holds listener and per-connection settings
type Config struct {
	Addr              string
	MaxConnections    int
	ConnectionTimeout time.Duration
	ReadBufferSize    int
	WriteChunkSize    int
	ShutdownGrace     time.Duration

	// ImagePath is the shared image file every task reads
	ImagePath string
	Defaults  protocol.Defaults
}

// Server is the TCP front end
type Server struct {
	config  Config
	queue   *queue.TaskQueue
	metrics *metrics.Metrics
	logger  *logging.Logger

	active atomic.Int64
	wg     sync.WaitGroup
}

// New creates a server; metrics may be nil
func New(cfg Config, q *queue.TaskQueue, m *metrics.Metrics) (*Server, error) {
	if q == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 60 * time.Second
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteChunkSize <= 0 {
		cfg.WriteChunkSize = protocol.DefaultChunkSize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Server{
		config:  cfg,
		queue:   q,
		metrics: m,
		logger:  logging.NewLogger("Server"),
	}, nil
}

// Listen binds the configured address
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", s.config.Addr, err)
	}
	return ln, nil
}

// ListenAndServe binds and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits up to
// ShutdownGrace for open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Server listening",
		"addr", ln.Addr().String(),
		"maxConnections", s.config.MaxConnections,
		"queueCapacity", s.queue.Cap())

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	var acceptErr error
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if stderrors.Is(err, net.ErrClosed) {
				acceptErr = err
				break
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("Accept failed, retrying", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if n := s.active.Add(1); n > int64(s.config.MaxConnections) {
			s.active.Add(-1)
			s.metrics.RejectedConnections.Add(1)
			s.logger.Warn("Connection limit reached, closing connection",
				"remote", conn.RemoteAddr().String(),
				"limit", s.config.MaxConnections)
			conn.Close()
			continue
		}

		s.metrics.ActiveConnections.Add(1)
		s.metrics.TotalConnections.Add(1)
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}

	ln.Close()
	s.logger.Info("Listener closed, waiting for connections", "active", s.active.Load())
	if !s.waitConnections(s.config.ShutdownGrace) {
		s.logger.Warn("Connections still open after shutdown grace", "active", s.active.Load())
	}
	s.logger.Info("Server stopped")
	return acceptErr
}

func (s *Server) waitConnections(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.active.Add(-1)
		s.metrics.ActiveConnections.Add(-1)
	}()
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			s.logger.Debug("Failed to set TCP_NODELAY", "error", err)
		}
	}

	h := newConnHandler(s, conn)
	h.serve(ctx)
}

// ActiveConnections is the number of connections being served
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *Server) busyMessage(taskID string) string {
	return errors.ClientMessage(errors.NewQueueFullError(taskID, s.queue.Cap()))
}
