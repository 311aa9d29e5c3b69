package blobclient

import (
	"github.com/cockroachdb/blobclient/internal/blob"
)

// Digest is the lowercase hex SHA-1 of a blob's content. It addresses the
// blob within its table.
type Digest = blob.Digest

// DigestOf returns the digest of content.
func DigestOf(content []byte) Digest {
	return blob.DigestOf(content)
}

// Endpoint identifies a blob table on a server.
type Endpoint = blob.Endpoint

// ParseEndpoint parses a base URL such as "http://localhost:4200" or
// "localhost" together with a blob table name.
func ParseEndpoint(baseURL, table string) (*Endpoint, error) {
	return blob.ParseEndpoint(baseURL, table)
}

// ClientConfig configures a Client.
type ClientConfig = blob.ClientConfig

// Client stores and fetches blobs in one blob table over pooled HTTP/1.1
// connections. Every response, including a 404 with a body, is read to its
// end before the connection is used again, so a response can never be
// mistaken for the answer to a later request.
//
// Client is safe for concurrent use.
type Client = blob.Client

// NewClient creates a client for the table described by cfg. Connections are
// established lazily on first use.
func NewClient(cfg ClientConfig) (*Client, error) {
	return blob.NewClient(cfg)
}

// CallOption adjusts a single Client call.
type CallOption = blob.CallOption

// WithHeader sets a request header for one call, replacing any value from
// ClientConfig.Header.
func WithHeader(key, value string) CallOption {
	return blob.WithHeader(key, value)
}

// WithConnectionClose asks the server to close the connection after the
// call. The next call dials a new connection.
func WithConnectionClose() CallOption {
	return blob.WithConnectionClose()
}

// PoolStats reports the state of a client's connection pool.
type PoolStats = blob.PoolStats

// StatusError reports a response status the operation did not expect.
type StatusError = blob.StatusError

// TransportError reports a failure to exchange a request and response with
// the server. The connection involved has been closed.
type TransportError = blob.TransportError

// AdminConfig configures an AdminClient.
type AdminConfig = blob.AdminConfig

// AdminClient creates and drops blob tables through the SQL endpoint.
type AdminClient = blob.AdminClient

// NewAdminClient creates an admin client for the server at baseURL.
func NewAdminClient(baseURL string, cfg ...AdminConfig) (*AdminClient, error) {
	return blob.NewAdminClient(baseURL, cfg...)
}

// SQLResponse is the result of a successful statement.
type SQLResponse = blob.SQLResponse

// SQLError is returned when the server rejects a statement.
type SQLError = blob.SQLError

// Errors that can be tested for with errors.Is.
var (
	ErrInvalidDigest = blob.ErrInvalidDigest
	ErrNotFound      = blob.ErrNotFound
	ErrConflict      = blob.ErrConflict
	ErrClosed        = blob.ErrClosed
	ErrTableExists   = blob.ErrTableExists
	ErrTableNotFound = blob.ErrTableNotFound
)
