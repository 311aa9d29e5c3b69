package blob

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/http/httpguts"
)

// Protocol constants.
const (
	// ContentType is sent with every blob upload.
	ContentType = "text/plain"

	// DefaultUserAgent identifies the client when ClientConfig.UserAgent is
	// unset.
	DefaultUserAgent = "blobclient/1.0"

	// maxErrorBody bounds how much of an unexpected response body is kept
	// for diagnostics. The remainder is still read off the connection and
	// discarded.
	maxErrorBody = 4 << 10
)

// Op represents a blob operation.
type Op byte

// Blob operations.
const (
	OpPut Op = iota + 1
	OpGet
	OpHead
	OpDelete
)

// String returns the string representation of an Op.
func (op Op) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpGet:
		return "get"
	case OpHead:
		return "head"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Method returns the HTTP method used for the operation.
func (op Op) Method() string {
	switch op {
	case OpPut:
		return http.MethodPut
	case OpGet:
		return http.MethodGet
	case OpHead:
		return http.MethodHead
	case OpDelete:
		return http.MethodDelete
	default:
		return ""
	}
}

// Common errors returned by the client.
var (
	ErrNotFound = errors.New("blob not found")
	ErrConflict = errors.New("blob already exists")
	ErrClosed   = errors.New("client closed")
)

// StatusError is returned when the server answers with a status outside the
// set an operation expects. Body holds the (drained, possibly truncated)
// response body for diagnostics.
type StatusError struct {
	Op         Op
	Digest     Digest
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d %s",
		e.Op, e.Digest, e.StatusCode, http.StatusText(e.StatusCode))
	if body := strings.TrimSpace(string(e.Body)); body != "" {
		msg += ": " + body
	}
	return msg
}

// statusError builds the error for an unexpected status. A conflict or a
// missing blob is additionally marked so callers can test for ErrConflict
// and ErrNotFound with errors.Is.
func statusError(op Op, d Digest, resp *response) error {
	var err error = &StatusError{
		Op:         op,
		Digest:     d,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}
	switch resp.StatusCode {
	case http.StatusConflict:
		err = errors.Mark(err, ErrConflict)
	case http.StatusNotFound:
		err = errors.Mark(err, ErrNotFound)
	}
	return err
}

// TransportError reports a connection-level failure: dialing, writing the
// request, reading the response, or the context expiring mid-exchange. The
// connection involved has been closed and is never returned to the pool.
type TransportError struct {
	Op   Op
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// response is a fully drained HTTP response.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// newRequest builds the request for op against the blob identified by d.
// The default User-Agent and Content-Type are set first, then the headers in
// base, then those in extra, each replacing earlier values for its keys. A
// "Connection: close" directive in either is turned into req.Close so the
// exchange closes the connection instead of pooling it.
func newRequest(
	ep *Endpoint, op Op, d Digest, content []byte, userAgent string, base, extra http.Header,
) (*http.Request, error) {
	var body io.Reader
	if op == OpPut {
		body = bytes.NewReader(content)
	}

	req, err := http.NewRequest(op.Method(), "http://"+ep.Addr+ep.BlobPath(d), body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", op)
	}

	req.Header.Set("User-Agent", userAgent)
	if op == OpPut {
		req.Header.Set("Content-Type", ContentType)
	}
	for _, h := range []http.Header{base, extra} {
		for k, vs := range h {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	if httpguts.HeaderValuesContainsToken(req.Header["Connection"], "close") {
		req.Close = true
		req.Header.Del("Connection")
	}
	return req, nil
}

// expectsBody reports whether a response body for status should be handed
// back to the caller. Every other body is drained and discarded, keeping at
// most maxErrorBody bytes for diagnostics.
func expectsBody(op Op) func(status int) bool {
	return func(status int) bool {
		return op == OpGet && status == http.StatusOK
	}
}
