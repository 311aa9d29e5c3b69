package blob

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestOpString(t *testing.T) {
	tests := []struct {
		op     Op
		want   string
		method string
	}{
		{OpPut, "put", http.MethodPut},
		{OpGet, "get", http.MethodGet},
		{OpHead, "head", http.MethodHead},
		{OpDelete, "delete", http.MethodDelete},
		{Op(0xFF), "unknown", ""},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String(): got %q, want %q", tt.op, got, tt.want)
		}
		if got := tt.op.Method(); got != tt.method {
			t.Errorf("Op(%d).Method(): got %q, want %q", tt.op, got, tt.method)
		}
	}
}

// wireRequest serializes req the way Conn does and parses it back as a
// server would.
func wireRequest(t *testing.T, req *http.Request) (*http.Request, string) {
	t.Helper()
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	raw := buf.String()
	parsed, err := http.ReadRequest(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	return parsed, raw
}

func TestNewRequestPut(t *testing.T) {
	ep := &Endpoint{Addr: "localhost:4200", Prefix: "/crate", Table: "myblob"}
	d := DigestOf([]byte("A"))
	req, err := newRequest(ep, OpPut, d, []byte("A"), DefaultUserAgent, nil, nil)
	if err != nil {
		t.Fatalf("newRequest failed: %v", err)
	}

	parsed, _ := wireRequest(t, req)
	if parsed.Method != http.MethodPut {
		t.Errorf("Method: got %s, want PUT", parsed.Method)
	}
	if want := "/crate/_blobs/myblob/" + string(d); parsed.URL.Path != want {
		t.Errorf("Path: got %s, want %s", parsed.URL.Path, want)
	}
	if parsed.Host != "localhost:4200" {
		t.Errorf("Host: got %s", parsed.Host)
	}
	if got := parsed.Header.Get("Content-Type"); got != ContentType {
		t.Errorf("Content-Type: got %q, want %q", got, ContentType)
	}
	if got := parsed.Header.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("User-Agent: got %q", got)
	}
	if parsed.ContentLength != 1 {
		t.Errorf("ContentLength: got %d, want 1", parsed.ContentLength)
	}
	body, _ := io.ReadAll(parsed.Body)
	if string(body) != "A" {
		t.Errorf("Body: got %q, want %q", body, "A")
	}
	if parsed.Close {
		t.Error("expected keep-alive request")
	}
}

func TestNewRequestEmptyPut(t *testing.T) {
	ep := &Endpoint{Addr: "localhost:4200", Table: "myblob"}
	req, err := newRequest(ep, OpPut, DigestOf(nil), nil, DefaultUserAgent, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, raw := wireRequest(t, req)
	if !strings.Contains(raw, "Content-Length: 0\r\n") {
		t.Errorf("expected explicit zero Content-Length in:\n%s", raw)
	}
}

func TestNewRequestGetHasNoBody(t *testing.T) {
	ep := &Endpoint{Addr: "localhost:4200", Table: "myblob"}
	req, err := newRequest(ep, OpGet, "abc", []byte("ignored"), DefaultUserAgent, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	parsed, raw := wireRequest(t, req)
	if parsed.ContentLength != 0 || strings.Contains(raw, "ignored") {
		t.Errorf("expected GET without body:\n%s", raw)
	}
	if parsed.Header.Get("Content-Type") != "" {
		t.Error("expected no Content-Type on GET")
	}
}

func TestNewRequestHeaders(t *testing.T) {
	ep := &Endpoint{Addr: "localhost:4200", Table: "myblob"}
	base := http.Header{"X-Trace": {"base"}, "x-only-base": {"1"}}
	extra := http.Header{"X-Trace": {"call"}}

	req, err := newRequest(ep, OpGet, "abc", nil, "custom/2.0", base, extra)
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ := wireRequest(t, req)
	if got := parsed.Header.Values("X-Trace"); len(got) != 1 || got[0] != "call" {
		t.Errorf("X-Trace: got %v, want [call]", got)
	}
	if got := parsed.Header.Get("X-Only-Base"); got != "1" {
		t.Errorf("X-Only-Base: got %q, want %q", got, "1")
	}
	if got := parsed.Header.Get("User-Agent"); got != "custom/2.0" {
		t.Errorf("User-Agent: got %q", got)
	}
}

func TestNewRequestOverridesDefaults(t *testing.T) {
	ep := &Endpoint{Addr: "localhost:4200", Table: "myblob"}
	base := http.Header{"Content-Type": {"application/octet-stream"}}

	req, err := newRequest(ep, OpPut, "abc", []byte("x"), DefaultUserAgent, base,
		http.Header{"User-Agent": {"uploader/0.1"}})
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ := wireRequest(t, req)
	if got := parsed.Header.Values("User-Agent"); len(got) != 1 || got[0] != "uploader/0.1" {
		t.Errorf("User-Agent: got %v, want [uploader/0.1]", got)
	}
	if got := parsed.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type: got %q", got)
	}

	// Without overrides the defaults are sent.
	req, err = newRequest(ep, OpPut, "abc", []byte("x"), DefaultUserAgent, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	parsed, _ = wireRequest(t, req)
	if got := parsed.Header.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("User-Agent: got %q, want %q", got, DefaultUserAgent)
	}
	if got := parsed.Header.Get("Content-Type"); got != ContentType {
		t.Errorf("Content-Type: got %q, want %q", got, ContentType)
	}
}

func TestNewRequestConnectionClose(t *testing.T) {
	ep := &Endpoint{Addr: "localhost:4200", Table: "myblob"}
	for _, value := range []string{"close", "Close", "keep-alive, close"} {
		req, err := newRequest(ep, OpGet, "abc", nil, DefaultUserAgent, nil,
			http.Header{"Connection": {value}})
		if err != nil {
			t.Fatal(err)
		}
		if !req.Close {
			t.Errorf("Connection: %s: expected req.Close", value)
		}
		parsed, raw := wireRequest(t, req)
		if !parsed.Close {
			t.Errorf("Connection: %s: expected close directive on the wire", value)
		}
		if n := strings.Count(strings.ToLower(raw), "connection: close"); n != 1 {
			t.Errorf("Connection: %s: expected one close header, got %d in:\n%s", value, n, raw)
		}
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status       int
		body         string
		wantConflict bool
		wantNotFound bool
		wantMsg      string
	}{
		{http.StatusConflict, "", true, false, "put abc: unexpected status 409 Conflict"},
		{http.StatusNotFound, "no such table\n", false, true, "put abc: unexpected status 404 Not Found: no such table"},
		{http.StatusInternalServerError, "boom", false, false, "put abc: unexpected status 500 Internal Server Error: boom"},
	}

	for _, tt := range tests {
		err := statusError(OpPut, "abc", &response{StatusCode: tt.status, Body: []byte(tt.body)})
		if got := errors.Is(err, ErrConflict); got != tt.wantConflict {
			t.Errorf("status %d: Is(ErrConflict) = %v", tt.status, got)
		}
		if got := errors.Is(err, ErrNotFound); got != tt.wantNotFound {
			t.Errorf("status %d: Is(ErrNotFound) = %v", tt.status, got)
		}
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected *StatusError, got %T", tt.status, err)
		}
		if se.StatusCode != tt.status || string(se.Body) != tt.body {
			t.Errorf("status %d: got %+v", tt.status, se)
		}
		if se.Error() != tt.wantMsg {
			t.Errorf("status %d: got %q, want %q", tt.status, se.Error(), tt.wantMsg)
		}
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&TransportError{Op: OpGet, Addr: "localhost:4200", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("expected TransportError to unwrap to its cause")
	}
	if got, want := err.Error(), "get localhost:4200: connection reset"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDrainKeepsFraming(t *testing.T) {
	// Three responses back to back, as they would sit on a kept-alive
	// connection. Each must be read starting exactly at its status line.
	stream := "HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\n\r\nnot found" +
		"HTTP/1.1 404 Not Found\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA"
	r := bufio.NewReader(strings.NewReader(stream))
	req, _ := http.NewRequest(http.MethodGet, "http://localhost:4200/_blobs/t/x", nil)

	want := []struct {
		status int
		keep   bool
		body   string
	}{
		{404, false, "not found"},
		{404, false, "abc"},
		{200, true, "A"},
	}
	for i, w := range want {
		resp, err := http.ReadResponse(r, req)
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		if resp.StatusCode != w.status {
			t.Fatalf("response %d: got status %d, want %d", i, resp.StatusCode, w.status)
		}
		body, err := drain(resp, w.keep)
		if err != nil {
			t.Fatalf("response %d: drain: %v", i, err)
		}
		if string(body) != w.body {
			t.Fatalf("response %d: got body %q, want %q", i, body, w.body)
		}
	}
	if r.Buffered() != 0 {
		t.Fatalf("expected nothing left, %d bytes buffered", r.Buffered())
	}
}

func TestDrainTruncatedBody(t *testing.T) {
	stream := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort"
	r := bufio.NewReader(strings.NewReader(stream))
	req, _ := http.NewRequest(http.MethodGet, "http://localhost:4200/_blobs/t/x", nil)

	resp, err := http.ReadResponse(r, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(resp, true); err == nil {
		t.Fatal("expected error for truncated body")
	}
}
