// SPDX-License-Identifier: Apache-2.0

// Package server serves the request/response protocol on a Unix socket.
// Each connection carries exactly one exchange: the client writes one JSON
// request, the server writes one JSON response and closes the connection.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akihiro/opsessiond/internal/ipc"
)

// Handler answers one raw request.
type Handler interface {
	Handle(ctx context.Context, raw []byte) ipc.Response
}

// Defaults for Options fields left zero.
const (
	DefaultMaxRequestBytes = 4096
	DefaultSocketMode      = 0o660
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
)

// Options tunes a Server.
type Options struct {
	// Mode is applied to the socket file after it is created.
	Mode os.FileMode
	// MaxRequestBytes bounds a single request.
	MaxRequestBytes int64
	// ReadTimeout bounds the wait for the request to arrive.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Mode == 0 {
		o.Mode = DefaultSocketMode
	}
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Server is the connection server.
type Server struct {
	path    string
	handler Handler
	logger  *slog.Logger
	opts    Options

	mu       sync.Mutex
	listener net.Listener

	// active tracks in-flight connections; Serve waits for them.
	active sync.WaitGroup
}

// New creates a server for the socket at path.
func New(path string, handler Handler, logger *slog.Logger, opts Options) *Server {
	return &Server{
		path:    path,
		handler: handler,
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Listen removes any stale socket file, binds the socket and applies its
// permissions. It must be called before Serve.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	// The listener must not unlink the path on Close; Remove does that as
	// a separate shutdown step.
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(s.path, s.opts.Mode); err != nil {
		listener.Close()
		os.Remove(s.path)
		return fmt.Errorf("chmod socket %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("socket listening", "path", s.path, "mode", fmt.Sprintf("%#o", s.opts.Mode))
	return nil
}

// Serve accepts connections until ctx is cancelled, then stops accepting
// and waits for in-flight connections to finish. Accept errors are logged
// and the loop continues.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	// Unblock Accept when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	// In-flight requests finish even when shutdown begins; each external
	// call is bounded by its own timeout.
	connCtx := context.WithoutCancel(ctx)

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = nextBackoff(backoff)
			s.logger.Error("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(connCtx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// Remove unlinks the socket file. Missing files are not an error.
func (s *Server) Remove() error {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// handleConnection runs one exchange.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.logger.With("conn", uuid.NewString())
	if uid, pid, ok := peerCredentials(conn); ok {
		logger.Debug("connection accepted", "peer_uid", uid, "peer_pid", pid)
	} else {
		logger.Debug("connection accepted")
	}

	raw, tooLarge, err := s.readRequest(conn)
	var resp ipc.Response
	switch {
	case tooLarge:
		logger.Warn("request too large", "limit", s.opts.MaxRequestBytes)
		resp = ipc.Error(ipc.MsgRequestTooLarge)
	case len(bytes.TrimSpace(raw)) == 0:
		if err != nil && !errors.Is(err, io.EOF) {
			logger.Debug("read failed", "error", err)
		}
		return
	default:
		if err != nil {
			logger.Debug("incomplete request", "error", err)
		}
		resp = s.handler.Handle(ctx, raw)
	}

	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		logger.Debug("write response failed", "error", err)
	}
	if tooLarge {
		drain(conn)
	}
}

// drainTimeout and drainLimit bound how long and how much unread request
// input is discarded after an oversized request.
const (
	drainTimeout = time.Second
	drainLimit   = 1 << 20
)

// drain half-closes conn and discards pending input. Closing a Unix socket
// with unread data resets the peer, which would lose the response.
func drain(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(drainTimeout))
	io.Copy(io.Discard, io.LimitReader(conn, drainLimit))
}

// readRequest reads one JSON value of at most MaxRequestBytes. JSON is
// self-delimiting, so a client need not close its write side. On a decode
// error the bytes read so far are returned for the handler to reject.
func (s *Server) readRequest(conn net.Conn) (raw []byte, tooLarge bool, err error) {
	conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

	limit := s.opts.MaxRequestBytes
	var seen bytes.Buffer
	dec := json.NewDecoder(io.TeeReader(io.LimitReader(conn, limit+1), &seen))

	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		if int64(seen.Len()) > limit {
			return nil, true, err
		}
		return seen.Bytes(), false, err
	}
	if dec.InputOffset() > limit {
		return nil, true, nil
	}
	return value, false, nil
}
