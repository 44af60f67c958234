package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/kiln/ipc"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/types"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("rpc: client closed")

// ErrConnectionLost is returned for requests outstanding when the
// connection drops. The next call reconnects.
var ErrConnectionLost = errors.New("rpc: connection lost")

// ClientOptions configures a Client. Zero values select the defaults in
// package types.
type ClientOptions struct {
	MaxRetryAttempts int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	RequestTimeout   time.Duration
	Codec            ipc.Codec
	MaxBufferSize    int
	Logger           *log.Logger
}

// ClientOptionsFrom derives client tuning from a handoff blob.
func ClientOptionsFrom(o *types.NodeOptions) ClientOptions {
	base, maxDelay := o.RetryDelays()
	return ClientOptions{
		MaxRetryAttempts: o.RetryAttempts(),
		BaseRetryDelay:   base,
		MaxRetryDelay:    maxDelay,
		RequestTimeout:   o.Timeout(),
	}
}

func (o *ClientOptions) setDefaults() {
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = types.DefaultMaxRetryAttempts
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = types.DefaultBaseRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = types.DefaultMaxRetryDelay
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = types.DefaultRequestTimeout
	}
	if o.Codec == nil {
		o.Codec = ipc.JSON
	}
}

// Client issues requests over one multiplexed connection. Safe for
// concurrent use.
type Client struct {
	path   string
	opts   ClientOptions
	logger *log.Logger
	nextID atomic.Uint32

	mu     sync.Mutex
	conn   *clientConn
	closed bool
}

// Dial connects to the server at path, retrying with exponential backoff.
func Dial(ctx context.Context, path string, opts ClientOptions) (*Client, error) {
	opts.setDefaults()
	c := &Client{path: path, opts: opts, logger: opts.Logger}
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialEnv connects using the handoff blob in the process environment.
func DialEnv(ctx context.Context, codec ipc.Codec) (*Client, *types.NodeOptions, error) {
	o, err := types.LoadNodeOptions()
	if err != nil {
		return nil, nil, err
	}
	opts := ClientOptionsFrom(o)
	opts.Codec = codec
	c, err := Dial(ctx, o.SocketPath, opts)
	if err != nil {
		return nil, nil, err
	}
	return c, o, nil
}

// connection returns the live connection, dialing when there is none.
func (c *Client) connection(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && !c.conn.isDead() {
		return c.conn, nil
	}

	var lastErr error
	for attempt := range c.opts.MaxRetryAttempts {
		if attempt > 0 {
			delay := min(c.opts.BaseRetryDelay<<(attempt-1), c.opts.MaxRetryDelay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		nc, err := dial(ctx, c.path)
		if err == nil {
			c.conn = newClientConn(nc, c.opts.Codec, c.opts.MaxBufferSize, c.logger)
			return c.conn, nil
		}
		lastErr = err
		c.logger.Debug("dial failed", map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return nil, fmt.Errorf("rpc: connect after %d attempts: %w", c.opts.MaxRetryAttempts, lastErr)
}

// Close closes the connection. Outstanding calls fail with ErrConnectionLost.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.close()
}

// Manifest fetches the client asset manifest.
func (c *Client) Manifest(ctx context.Context) (types.Manifest, error) {
	return call[types.Manifest](ctx, c, func(id uint32) Request { return &ManifestRequest{ID: id} })
}

// Invalidates drains the server's invalidated ids.
func (c *Client) Invalidates(ctx context.Context) ([]string, error) {
	return call[[]string](ctx, c, func(id uint32) Request { return &InvalidatesRequest{ID: id} })
}

// ResolveID resolves id relative to importer. A nil result means the
// server could not resolve it.
func (c *Client) ResolveID(ctx context.Context, id, importer string) (*types.ResolvedID, error) {
	return call[*types.ResolvedID](ctx, c, func(reqID uint32) Request {
		return &ResolveRequest{ID: reqID, Specifier: id, Importer: importer}
	})
}

// FetchModule fetches a transformed module.
func (c *Client) FetchModule(ctx context.Context, moduleID string) (*types.TransformedModule, error) {
	return call[*types.TransformedModule](ctx, c, func(id uint32) Request {
		return &ModuleRequest{ID: id, ModuleID: moduleID}
	})
}

func call[T any](ctx context.Context, c *Client, build func(id uint32) Request) (T, error) {
	var zero T
	conn, err := c.connection(ctx)
	if err != nil {
		return zero, err
	}

	req := build(c.nextID.Add(1))
	payload, err := EncodeRequest(c.opts.Codec, req)
	if err != nil {
		return zero, fmt.Errorf("rpc: encode %s request: %w", req.Type(), err)
	}

	ch, err := conn.register(req.RequestID())
	if err != nil {
		return zero, err
	}
	defer conn.unregister(req.RequestID())

	if err := conn.write(payload); err != nil {
		return zero, fmt.Errorf("rpc: send %s request: %w", req.Type(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		return zero, fmt.Errorf("rpc: %s request %d: %w", req.Type(), req.RequestID(), ctx.Err())
	}
	if r.err != nil {
		return zero, r.err
	}

	if r.typ == typeError {
		var env struct {
			Error ErrorPayload `json:"error"`
		}
		if err := c.opts.Codec.Unmarshal(r.payload, &env); err != nil {
			return zero, err
		}
		return zero, &RemoteError{RequestID: req.RequestID(), Type: req.Type(), Payload: env.Error}
	}
	var env struct {
		Data T `json:"data"`
	}
	if err := c.opts.Codec.Unmarshal(r.payload, &env); err != nil {
		return zero, err
	}
	return env.Data, nil
}

type reply struct {
	typ     string
	payload []byte
	err     error
}

type clientConn struct {
	nc      net.Conn
	codec   ipc.Codec
	logger  *log.Logger
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan reply
	err     error
	done    chan struct{}
}

func newClientConn(nc net.Conn, codec ipc.Codec, maxBuffer int, logger *log.Logger) *clientConn {
	cc := &clientConn{
		nc:      nc,
		codec:   codec,
		logger:  logger,
		pending: make(map[uint32]chan reply),
		done:    make(chan struct{}),
	}
	go cc.readLoop(ipc.NewRecvBuffer(0, maxBuffer))
	return cc
}

func (cc *clientConn) isDead() bool {
	select {
	case <-cc.done:
		return true
	default:
		return false
	}
}

func (cc *clientConn) register(id uint32) (chan reply, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.err != nil {
		return nil, cc.err
	}
	ch := make(chan reply, 1)
	cc.pending[id] = ch
	return ch, nil
}

func (cc *clientConn) unregister(id uint32) {
	cc.mu.Lock()
	delete(cc.pending, id)
	cc.mu.Unlock()
}

func (cc *clientConn) write(payload []byte) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return ipc.WriteFrame(cc.nc, payload)
}

func (cc *clientConn) close() error {
	err := cc.nc.Close()
	<-cc.done
	return err
}

func (cc *clientConn) readLoop(buf *ipc.RecvBuffer) {
	err := cc.read(buf)
	buf.Reset()

	cause := ErrConnectionLost
	if err != nil {
		cause = fmt.Errorf("%w: %w", ErrConnectionLost, err)
		cc.logger.Warn("rpc connection failed", map[string]any{"error": err.Error()})
	}
	_ = cc.nc.Close()

	cc.mu.Lock()
	cc.err = cause
	for id, ch := range cc.pending {
		ch <- reply{err: cause}
		delete(cc.pending, id)
	}
	cc.mu.Unlock()
	close(cc.done)
}

func (cc *clientConn) read(buf *ipc.RecvBuffer) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := cc.nc.Read(chunk)
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
				var h header
				if err := cc.codec.Unmarshal(payload, &h); err != nil {
					return err
				}
				cc.deliver(h, bytes.Clone(payload))
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

func (cc *clientConn) deliver(h header, payload []byte) {
	cc.mu.Lock()
	ch, ok := cc.pending[h.ID]
	delete(cc.pending, h.ID)
	cc.mu.Unlock()
	if !ok {
		cc.logger.Debug("response for unknown request", map[string]any{"request_id": h.ID})
		return
	}
	ch <- reply{typ: h.Type, payload: payload}
}

// RemoteError is an error response from the server.
type RemoteError struct {
	RequestID uint32
	Type      RequestType
	Payload   ErrorPayload
}

// Error renders module failures as
// "[kiln] [plugin:name] [CODE] file:line:col : reason" and other failures
// as "[kiln] message (status N)".
func (e *RemoteError) Error() string {
	d := e.Payload.Data
	if d == nil {
		if e.Payload.StatusCode != 0 {
			return fmt.Sprintf("[kiln] %s (status %d)", e.Payload.Message, e.Payload.StatusCode)
		}
		return "[kiln] " + e.Payload.Message
	}
	parts := []string{"[kiln]"}
	if d.Plugin != "" {
		parts = append(parts, "[plugin:"+d.Plugin+"]")
	}
	if d.Code != "" {
		parts = append(parts, "["+d.Code+"]")
	}
	if loc := e.Location(); loc != "" {
		parts = append(parts, loc)
	}
	if d.Message != "" {
		parts = append(parts, ": "+d.Message)
	}
	return strings.Join(parts, " ")
}

// Location returns "file:line:col" for module failures.
func (e *RemoteError) Location() string {
	d := e.Payload.Data
	if d == nil {
		return ""
	}
	file := d.ID
	if d.Loc != nil && d.Loc.File != "" {
		file = d.Loc.File
	}
	if d.Loc != nil && d.Loc.Line > 0 {
		return file + ":" + strconv.Itoa(d.Loc.Line) + ":" + strconv.Itoa(d.Loc.Column)
	}
	return file
}

// Stack returns the message, location and remote stack, one per line.
func (e *RemoteError) Stack() string {
	lines := []string{e.Error()}
	if loc := e.Location(); loc != "" {
		lines = append(lines, "at "+loc)
	}
	stack := e.Payload.Stack
	if e.Payload.Data != nil && e.Payload.Data.Stack != "" {
		stack = e.Payload.Data.Stack
	}
	if stack != "" {
		lines = append(lines, stack)
	}
	return strings.Join(lines, "\n")
}

// Frame returns the source frame of a module failure, if any.
func (e *RemoteError) Frame() string {
	if e.Payload.Data == nil {
		return ""
	}
	return e.Payload.Data.Frame
}

// StatusCode returns the HTTP-style status of the failure.
func (e *RemoteError) StatusCode() int { return e.Payload.StatusCode }
