package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/kiln/ipc"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("rpc: server closed")

const readChunkSize = 64 * 1024

// ServerOptions configures a Server.
type ServerOptions struct {
	// Codec encodes payloads. Defaults to ipc.JSON.
	Codec ipc.Codec
	// InitialBufferSize and MaxBufferSize bound each connection's receive
	// buffer. Zero selects the ipc defaults.
	InitialBufferSize int
	MaxBufferSize     int

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Server accepts connections on a local socket and dispatches requests to a
// Handler.
type Server struct {
	path    string
	handler Handler
	opts    ServerOptions
	logger  *log.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*serverConn]struct{}
	closed   bool
	inFlight sync.WaitGroup
}

// NewServer creates a Server for path. Call Listen, then Serve.
func NewServer(path string, h Handler, opts ServerOptions) *Server {
	if opts.Codec == nil {
		opts.Codec = ipc.JSON
	}
	return &Server{
		path:    path,
		handler: h,
		opts:    opts,
		logger:  opts.Logger,
		conns:   make(map[*serverConn]struct{}),
	}
}

// Path returns the socket location.
func (s *Server) Path() string { return s.path }

// Listen removes a stale socket file and starts listening.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return errors.New("rpc: already listening")
	}
	ln, err := listen(s.path)
	if err != nil {
		return fmt.Errorf("rpc: listen on %q: %w", s.path, err)
	}
	s.ln = ln
	s.logger.Info("rpc server listening", map[string]any{"codec": s.opts.Codec.Name()})
	return nil
}

// Serve accepts connections until ctx is done or Close is called. It returns
// ErrServerClosed after a shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rpc: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}

		c := s.track(nc)
		if c == nil {
			_ = nc.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.inFlight.Done()
			s.serveConn(ctx, c)
		}()
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) track(nc net.Conn) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	c := &serverConn{id: uuid.NewString(), nc: nc}
	s.conns[c] = struct{}{}
	s.inFlight.Add(1)
	return c
}

// Close stops accepting, closes every connection, waits for their
// goroutines and removes the socket file. It is safe to call repeatedly.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		_ = c.nc.Close()
	}
	s.inFlight.Wait()

	if err := removeSocket(s.path); err != nil {
		s.logger.Warn("failed to remove socket", map[string]any{"error": err.Error()})
		errs = append(errs, err)
	}
	s.logger.Info("rpc server closed", nil)
	return errors.Join(errs...)
}

type serverConn struct {
	id string
	nc net.Conn

	writeMu sync.Mutex
}

// serveConn reads frames in arrival order and starts a handler for each.
// Handlers run concurrently; responses are serialized by the write lock.
// A framing or decode failure tears the connection down.
func (s *Server) serveConn(ctx context.Context, c *serverConn) {
	collector := s.opts.Collector
	collector.IncConnectionsOpened()
	logger := s.logger.With(map[string]any{"conn": c.id})
	logger.Debug("connection opened", nil)

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	buf := ipc.NewRecvBuffer(s.opts.InitialBufferSize, s.opts.MaxBufferSize)

	fatal := s.readLoop(gctx, c, buf, g)
	if fatal != nil {
		collector.IncConnectionsTornDown()
		logger.Warn("connection torn down", map[string]any{"error": fatal.Error()})
	}

	_ = c.nc.Close()
	cancel()
	_ = g.Wait()

	collector.AbsorbBufferStats(buf.Growths(), buf.Compactions())
	buf.Reset()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	collector.IncConnectionsClosed()
	logger.Debug("connection closed", nil)
}

// readLoop returns nil when the peer hangs up and the fatal error otherwise.
func (s *Server) readLoop(ctx context.Context, c *serverConn, buf *ipc.RecvBuffer, g *errgroup.Group) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := c.nc.Read(chunk)
		if n > 0 {
			if err := buf.Append(chunk[:n]); err != nil {
				return err
			}
			for {
				payload, ok, err := buf.TryTakeFrame()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				s.opts.Collector.IncFramesReceived()

				req, err := DecodeRequest(s.opts.Codec, payload)
				if err != nil {
					var unknown *UnknownTypeError
					if errors.As(err, &unknown) {
						s.writeError(c, unknown.ID, &StatusError{
							StatusCode: http.StatusBadRequest,
							Message:    unknown.Error(),
						})
						continue
					}
					return err
				}
				s.opts.Collector.IncRequest(string(req.Type()))
				g.Go(func() error {
					s.handle(ctx, c, req)
					return nil
				})
			}
			buf.Settle()
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
				return nil
			}
			return readErr
		}
	}
}

func (s *Server) handle(ctx context.Context, c *serverConn, req Request) {
	data, err := req.Dispatch(ctx, s.handler)
	if err != nil {
		s.writeError(c, req.RequestID(), err)
		return
	}
	s.write(c, req.RequestID(), &responseEnvelope{ID: req.RequestID(), Type: typeResponse, Data: data})
}

func (s *Server) writeError(c *serverConn, id uint32, err error) {
	s.opts.Collector.IncErrorResponses()
	var se *StatusError
	if !errors.As(err, &se) {
		se = &StatusError{
			StatusCode: http.StatusInternalServerError,
			Message:    err.Error(),
			Stack:      fmt.Sprintf("%+v", err),
		}
	}
	s.write(c, id, &errorEnvelope{ID: id, Type: typeError, Error: se.payload()})
}

func (s *Server) write(c *serverConn, id uint32, v any) {
	payload, err := s.opts.Codec.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", map[string]any{
			"request_id": id,
			"error":      err.Error(),
		})
		if _, isErr := v.(*errorEnvelope); isErr {
			return
		}
		s.writeError(c, id, fmt.Errorf("encode response: %w", err))
		return
	}

	c.writeMu.Lock()
	err = ipc.WriteFrame(c.nc, payload)
	c.writeMu.Unlock()
	if err != nil {
		s.logger.Debug("failed to write response", map[string]any{
			"request_id": id,
			"error":      err.Error(),
		})
		return
	}
	s.opts.Collector.IncFramesSent()
}
