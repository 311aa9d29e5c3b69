package blob

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// DefaultDialTimeout bounds how long establishing a connection may take.
const DefaultDialTimeout = 10 * time.Second

// Conn is a single HTTP/1.1 connection to a blob store. Every exchange reads
// the response body to completion before returning, so a Conn that is open
// between exchanges never has unread response bytes pending. Any I/O error
// closes the underlying connection; the next exchange dials a new one.
//
// Conn is NOT safe for concurrent use. Callers must ensure exclusive access,
// either by using a ConnPool (which provides exclusive access via
// acquire/release semantics) or by using a dedicated Conn per goroutine.
type Conn struct {
	addr   string
	dialer net.Dialer
	logger Logger

	conn      net.Conn
	id        uuid.UUID // identifies conn; regenerated on every dial
	r         *bufio.Reader
	w         *bufio.Writer
	exchanges int  // completed exchanges on conn
	dialed    bool // a connection was established at some point
}

// NewConn creates a new connection to addr. The connection is established
// lazily on the first exchange.
func NewConn(addr string, dialTimeout time.Duration, logger Logger) *Conn {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Conn{
		addr:   addr,
		dialer: net.Dialer{Timeout: dialTimeout},
		logger: logger,
	}
}

// Addr returns the server address this connection dials.
func (c *Conn) Addr() string {
	return c.addr
}

// ID returns the identifier of the current underlying connection, or
// uuid.Nil if none is open.
func (c *Conn) ID() uuid.UUID {
	if c.conn == nil {
		return uuid.Nil
	}
	return c.id
}

// Exchanges returns the number of exchanges completed on the current
// underlying connection.
func (c *Conn) Exchanges() int {
	return c.exchanges
}

// Reusable reports whether the connection may be handed to another exchange.
// An open connection must have nothing left in its read buffer. A Conn that
// never dialed is reusable; one whose connection has since been closed is
// not, so the pool discards it and frees its slot.
func (c *Conn) Reusable() bool {
	if c.conn == nil {
		return !c.dialed
	}
	return c.r.Buffered() == 0
}

// Close closes the connection to the server.
func (c *Conn) Close() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.r = nil
		c.w = nil
		c.exchanges = 0
		return err
	}
	return nil
}

func (c *Conn) ensureConnected(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", c.addr)
	}
	c.conn = conn
	c.dialed = true
	c.id = uuid.New()
	c.r = bufio.NewReader(conn)
	c.w = bufio.NewWriter(conn)
	c.exchanges = 0
	c.logger.Infof("blob: connected to %s (%s)", c.addr, c.id)
	return nil
}

// roundTrip sends req and reads the complete response. When keep reports true
// for the response status the whole body is returned; otherwise at most
// maxErrorBody bytes are retained and the rest is discarded. Either way the
// body has been consumed off the wire when roundTrip returns.
//
// The underlying connection is closed when the exchange fails, when either
// side asked for the connection to be closed, when the response body was
// delimited by the connection closing, or when ctx is done before the
// exchange completes.
func (c *Conn) roundTrip(
	ctx context.Context, req *http.Request, keep func(status int) bool,
) (*response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	// Cancellation interrupts blocked reads and writes by moving the
	// deadline into the past. The connection cannot be trusted afterwards.
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	resp, reuse, err := c.exchange(req, keep)
	if !stop() {
		_ = c.Close()
		if err != nil {
			return nil, errors.WithSecondaryError(ctx.Err(), err)
		}
		return resp, nil
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.exchanges++
	if !reuse {
		_ = c.Close()
	}
	return resp, nil
}

// exchange writes req and reads its response off the connection. It reports
// whether the connection is left in a state where it can carry another
// exchange.
func (c *Conn) exchange(req *http.Request, keep func(status int) bool) (*response, bool, error) {
	if err := req.Write(c.w); err != nil {
		return nil, false, errors.Wrap(err, "writing request")
	}
	if err := c.w.Flush(); err != nil {
		return nil, false, errors.Wrap(err, "writing request")
	}

	var resp *http.Response
	for {
		var err error
		resp, err = http.ReadResponse(c.r, req)
		if err != nil {
			return nil, false, errors.Wrap(err, "reading response header")
		}
		// Skip interim responses (e.g. 100 Continue); they carry no body.
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		break
	}

	body, err := drain(resp, keep(resp.StatusCode))
	if err != nil {
		return nil, false, err
	}

	reuse := !req.Close && !resp.Close
	if reuse && c.r.Buffered() > 0 {
		// The server sent more than the response framing accounts for. Those
		// bytes would be read as the start of the next response.
		c.logger.Errorf("blob: %s: %d unexpected bytes after %s response, closing connection %s",
			c.addr, c.r.Buffered(), req.Method, c.id)
		reuse = false
	}

	return &response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, reuse, nil
}

// drain consumes resp.Body to EOF and closes it. The body is returned in full
// when keep is true; otherwise only its first maxErrorBody bytes are kept.
func drain(resp *http.Response, keep bool) ([]byte, error) {
	defer resp.Body.Close()

	if keep {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading response body")
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return nil, errors.Wrap(err, "discarding response body")
	}
	if len(body) == 0 {
		body = nil
	}
	return body, nil
}
