package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismdb/prism/internal/prismerr"
)

// Client is one connection to a peer node, with request/response
// correlation so Call can be invoked concurrently from many goroutines
// over the same multiplexed connection.
type Client struct {
	conn   net.Conn
	fw     *frameWriter
	fr     *frameReader
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]chan envelope
	closed  bool
	closeCh chan struct{}
}

// DialOptions configures Dial's connect timeout. There is no per-request
// timeout: a Call is bounded only by the context passed to it.
type DialOptions struct {
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Dial opens a plain TCP connection to addr and starts its read loop. For
// mutual TLS, a caller establishes the *tls.Conn itself and wraps it with
// NewClient.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Client, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: cluster dial %s: %w", prismerr.ErrTransientIo, addr, err)
	}
	return newClient(conn, opts.Logger), nil
}

// NewClient wraps an already-established connection (e.g. a *tls.Conn from
// a caller doing mutual TLS setup itself).
func NewClient(conn net.Conn, logger *zap.Logger) *Client {
	return newClient(conn, logger)
}

func newClient(conn net.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		fw:      newFrameWriter(conn),
		fr:      newFrameReader(conn),
		logger:  logger,
		pending: make(map[string]chan envelope),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		var env envelope
		if err := c.fr.readFrame(&env); err != nil {
			c.failAllPending(err)
			return
		}
		if !env.isResponse() {
			continue // clients don't serve requests on this connection
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- envelope{ID: id, Err: err.Error()}
	}
	c.pending = nil
	close(c.closeCh)
}

// Close terminates the underlying connection and fails any in-flight calls.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call issues one RPC and blocks until the response arrives, ctx is
// cancelled, or the connection fails.
func (c *Client) Call(ctx context.Context, method Method, req, resp any) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: cluster: %s: %w", prismerr.ErrCancelled, method, ctx.Err())
	default:
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cluster: encode %s request: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: cluster: connection closed", prismerr.ErrShardUnavailable)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.fw.writeFrame(envelope{ID: id, Method: method, Payload: body}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%w: cluster: write %s request: %w", prismerr.ErrTransientIo, method, err)
	}

	select {
	case env := <-ch:
		if env.Err != "" {
			return fmt.Errorf("cluster: %s: %s", method, env.Err)
		}
		if resp == nil || len(env.Payload) == 0 {
			return nil
		}
		return json.Unmarshal(env.Payload, resp)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%w: cluster: %s: %w", prismerr.ErrCancelled, method, ctx.Err())
	}
}
