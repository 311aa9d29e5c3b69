// Package blob provides the internal implementation of the blob store
// clients: the pooled data client for blob PUT/GET and the SQL admin client.
package blob

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL locates the blob store, e.g. "http://localhost:4200". See
	// ParseEndpoint for the accepted forms.
	BaseURL string
	// Table is the blob table all operations target.
	Table string
	// Header is applied to every request. Per-call headers passed with
	// WithHeader take precedence.
	Header http.Header
	// UserAgent is sent with every request. Defaults to DefaultUserAgent.
	UserAgent string
	// Logger is the logger for diagnostic messages. If nil, nothing is logged.
	Logger Logger
	// PoolSize is the maximum number of connections. Defaults to 8.
	PoolSize int
	// DialTimeout bounds connection establishment. Defaults to
	// DefaultDialTimeout.
	DialTimeout time.Duration
}

// Client stores and retrieves blobs by digest over pooled HTTP connections.
//
// Every call drains the response it receives before its connection is
// released, whatever the status and whether or not a body is returned to the
// caller, so a pooled connection never carries bytes from an earlier
// response into a later one.
//
// Client is safe for concurrent use from multiple goroutines.
type Client struct {
	ep        *Endpoint
	header    http.Header
	userAgent string
	logger    Logger
	pool      *ConnPool
}

// NewClient creates a client for the blob table described by cfg. No
// connection is made until the first call.
func NewClient(cfg ClientConfig) (*Client, error) {
	ep, err := ParseEndpoint(cfg.BaseURL, cfg.Table)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Client{
		ep:        ep,
		header:    cfg.Header.Clone(),
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
		pool: NewConnPool(
			WithPoolSize(cfg.PoolSize),
			WithDialTimeout(cfg.DialTimeout),
			WithPoolLogger(cfg.Logger),
		),
	}, nil
}

// Endpoint returns the endpoint the client is bound to.
func (c *Client) Endpoint() *Endpoint {
	return c.ep
}

// Stats returns a snapshot of the client's connection pool.
func (c *Client) Stats() PoolStats {
	return c.pool.Stats(c.ep.Addr)
}

// Close closes all idle connections. Calls made after Close fail with
// ErrClosed.
func (c *Client) Close() error {
	return c.pool.Close()
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	header http.Header
}

// WithHeader sets a request header for this call only.
func WithHeader(key, value string) CallOption {
	return func(o *callOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Set(key, value)
	}
}

// WithConnectionClose asks the client to close the connection after this
// call instead of returning it to the pool. The next call uses a freshly
// dialed connection.
func WithConnectionClose() CallOption {
	return WithHeader("Connection", "close")
}

// Put stores content under digest d. It succeeds only if the server answers
// 201 Created. Storing a digest that already exists returns an error for
// which errors.Is(err, ErrConflict) holds.
func (c *Client) Put(ctx context.Context, d Digest, content []byte, opts ...CallOption) error {
	resp, err := c.do(ctx, OpPut, d, content, opts)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return statusError(OpPut, d, resp)
	}
	return nil
}

// Get retrieves the blob stored under digest d. It returns the status and,
// for 200 OK, the blob content. A missing blob is not an error: Get returns
// 404 and a nil body. Any other status is returned with a *StatusError.
func (c *Client) Get(ctx context.Context, d Digest, opts ...CallOption) (int, []byte, error) {
	resp, err := c.do(ctx, OpGet, d, nil, opts)
	if err != nil {
		return 0, nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		if resp.Body == nil {
			return resp.StatusCode, []byte{}, nil
		}
		return resp.StatusCode, resp.Body, nil
	case http.StatusNotFound:
		return resp.StatusCode, nil, nil
	default:
		return resp.StatusCode, nil, statusError(OpGet, d, resp)
	}
}

// Exists reports whether a blob is stored under digest d.
func (c *Client) Exists(ctx context.Context, d Digest, opts ...CallOption) (bool, error) {
	resp, err := c.do(ctx, OpHead, d, nil, opts)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(OpHead, d, resp)
	}
}

// Delete removes the blob stored under digest d. Deleting a missing blob
// returns an error for which errors.Is(err, ErrNotFound) holds.
func (c *Client) Delete(ctx context.Context, d Digest, opts ...CallOption) error {
	resp, err := c.do(ctx, OpDelete, d, nil, opts)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return statusError(OpDelete, d, resp)
	}
	return nil
}

// do performs one exchange on a pooled connection. The connection goes back
// to the pool only after a completed exchange, which has already drained the
// response; on failure it is closed.
func (c *Client) do(
	ctx context.Context, op Op, d Digest, content []byte, opts []CallOption,
) (*response, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	req, err := newRequest(c.ep, op, d, content, c.userAgent, c.header, o.header)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: op, Addr: c.ep.Addr, Err: err}
	}
	conn, err := c.pool.Acquire(ctx, c.ep.Addr)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, errors.Wrapf(err, "%s %s", op, d)
		}
		return nil, &TransportError{Op: op, Addr: c.ep.Addr, Err: err}
	}

	resp, err := conn.roundTrip(ctx, req, expectsBody(op))
	if err != nil {
		c.pool.ReleaseWithError(conn)
		c.logger.Errorf("blob: %s %s: discarded connection to %s: %v", op, d, c.ep.Addr, err)
		return nil, &TransportError{Op: op, Addr: c.ep.Addr, Err: err}
	}
	c.pool.Release(conn)
	return resp, nil
}
