package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Errors returned by AdminClient table operations.
var (
	ErrTableExists   = errors.New("blob table already exists")
	ErrTableNotFound = errors.New("blob table not found")
)

// AdminConfig configures an AdminClient.
type AdminConfig struct {
	// Timeout bounds each statement, including reading the response. Zero
	// means no timeout beyond the caller's context.
	Timeout time.Duration
	// UserAgent is sent with every request. Defaults to DefaultUserAgent.
	UserAgent string
	// Logger is the logger for diagnostic messages. If nil, nothing is logged.
	Logger Logger
}

// AdminClient issues one-shot SQL statements, such as creating or dropping a
// blob table, against a blob store's SQL endpoint. Each statement uses its own
// connection, which is closed once the response has been read.
type AdminClient struct {
	url       string
	userAgent string
	logger    Logger
	client    *http.Client
}

// NewAdminClient creates an admin client for the server at baseURL.
func NewAdminClient(baseURL string, cfg ...AdminConfig) (*AdminClient, error) {
	var c AdminConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	ep, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &AdminClient{
		url:       ep.SQLURL(),
		userAgent: c.UserAgent,
		logger:    c.Logger,
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			Timeout:   c.Timeout,
		},
	}, nil
}

// SQLResponse is the result of a successful statement.
type SQLResponse struct {
	Cols     []string `json:"cols"`
	Rows     [][]any  `json:"rows"`
	RowCount int64    `json:"rowcount"`
	Duration float64  `json:"duration"`
}

// SQLError is returned when the server rejects a statement.
type SQLError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *SQLError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sql: unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("sql: %s (code %d, status %d)", e.Message, e.Code, e.StatusCode)
}

type sqlRequest struct {
	Stmt string `json:"stmt"`
	Args []any  `json:"args,omitempty"`
}

type sqlErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Execute runs a single statement. It succeeds on 200 OK or 201 Created; any
// other status returns a *SQLError.
func (c *AdminClient) Execute(ctx context.Context, stmt string, args ...any) (*SQLResponse, error) {
	payload, err := json.Marshal(sqlRequest{Stmt: stmt, Args: args})
	if err != nil {
		return nil, errors.Wrap(err, "encoding statement")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "building statement request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "executing %q", stmt)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response to %q", stmt)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out SQLResponse
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, errors.Wrapf(err, "decoding response to %q", stmt)
			}
		}
		return &out, nil
	default:
		sqlErr := &SQLError{StatusCode: resp.StatusCode}
		var er sqlErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
			sqlErr.Code = er.Error.Code
			sqlErr.Message = er.Error.Message
		} else {
			sqlErr.Message = strings.TrimSpace(string(body))
		}
		c.logger.Errorf("blob: statement %q failed: %v", stmt, sqlErr)
		return nil, sqlErr
	}
}

// CreateBlobTable creates the blob table. If it already exists, the returned
// error satisfies errors.Is(err, ErrTableExists).
func (c *AdminClient) CreateBlobTable(ctx context.Context, table string) error {
	if err := validateTable(table); err != nil {
		return err
	}
	_, err := c.Execute(ctx, "create blob table "+quoteIdent(table))
	var sqlErr *SQLError
	if errors.As(err, &sqlErr) && sqlErr.StatusCode == http.StatusConflict {
		return errors.Mark(err, ErrTableExists)
	}
	return err
}

// DropBlobTable drops the blob table. If it does not exist, the returned error
// satisfies errors.Is(err, ErrTableNotFound).
func (c *AdminClient) DropBlobTable(ctx context.Context, table string) error {
	if err := validateTable(table); err != nil {
		return err
	}
	_, err := c.Execute(ctx, "drop blob table "+quoteIdent(table))
	var sqlErr *SQLError
	if errors.As(err, &sqlErr) && sqlErr.StatusCode == http.StatusNotFound {
		return errors.Mark(err, ErrTableNotFound)
	}
	return err
}

// Close releases the client's resources.
func (c *AdminClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
