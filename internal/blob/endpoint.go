package blob

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultPort is the HTTP port CrateDB listens on when none is given.
const DefaultPort = "4200"

// Endpoint is a parsed blob store location: the server address, an optional
// path prefix, and the blob table all requests are issued against.
type Endpoint struct {
	// Addr is the host:port the client dials.
	Addr string
	// Prefix is the path prefix (e.g., "/crate") without a trailing slash.
	// Empty when the server is mounted at the root.
	Prefix string
	// Table is the blob table name.
	Table string
}

// ParseEndpoint parses a base URL and table name into an Endpoint.
//
// Supported base URL formats:
//   - "http://host:port/prefix" - explicit scheme
//   - "//host:port/prefix" - scheme-relative, http assumed
//   - "host:port" - bare address, http assumed
//
// When the port is omitted, DefaultPort is used. Query strings and fragments
// are rejected, as is any scheme other than http.
func ParseEndpoint(baseURL, table string) (*Endpoint, error) {
	ep, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if err := validateTable(table); err != nil {
		return nil, err
	}
	ep.Table = table
	return ep, nil
}

// parseBaseURL parses the address and prefix of a base URL, leaving Table
// empty.
func parseBaseURL(baseURL string) (*Endpoint, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, fmt.Errorf("empty base URL")
	}

	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "http:" + raw
	case !strings.Contains(raw, "://"):
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme %q: only http is supported", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("base URL %q must not carry credentials", baseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("base URL %q must not have a query or fragment", baseURL)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("base URL %q has no host", baseURL)
	}
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}

	return &Endpoint{
		Addr:   net.JoinHostPort(host, port),
		Prefix: strings.TrimRight(u.EscapedPath(), "/"),
	}, nil
}

func validateTable(table string) error {
	if table == "" {
		return fmt.Errorf("empty table name")
	}
	if strings.ContainsAny(table, "/?#% \t\r\n\"") {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// BlobPath returns the request path for the blob with the given digest.
// For table "myblob" and digest "abc" with no prefix, it returns
// "/_blobs/myblob/abc".
func (e *Endpoint) BlobPath(d Digest) string {
	return e.Prefix + "/_blobs/" + e.Table + "/" + string(d)
}

// SQLURL returns the absolute URL of the SQL endpoint.
func (e *Endpoint) SQLURL() string {
	return "http://" + e.Addr + e.Prefix + "/_sql"
}

// String returns the base URL of the endpoint.
func (e *Endpoint) String() string {
	return "http://" + e.Addr + e.Prefix
}
