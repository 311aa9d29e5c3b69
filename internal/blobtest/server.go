// Package blobtest provides an in-process blob store speaking the CrateDB
// blob and SQL HTTP API, for exercising the blob clients in tests.
//
// The server counts the TCP connections it accepts so tests can tell whether
// a client reused a connection, and it can be told to answer misses with a
// non-empty (optionally chunked) body, which a client must drain before the
// connection can carry another exchange.
package blobtest

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// Option configures a Server.
type Option func(*Server)

// WithTable creates a blob table before the server starts.
func WithTable(name string) Option {
	return func(s *Server) {
		s.tables[name] = make(map[string][]byte)
	}
}

// WithNotFoundBody makes the server send body with every 404 response.
func WithNotFoundBody(body string) Option {
	return func(s *Server) {
		s.notFoundBody = []byte(body)
	}
}

// WithChunkedNotFound makes 404 bodies use chunked transfer encoding instead
// of a Content-Length.
func WithChunkedNotFound() Option {
	return func(s *Server) {
		s.chunkedNotFound = true
	}
}

// WithDigestVerification makes PUT reject content whose SHA-1 does not match
// the digest in the path, as CrateDB does.
func WithDigestVerification() Option {
	return func(s *Server) {
		s.verifyDigests = true
	}
}

// WithLogger sets the logger requests are logged to. By default nothing is
// logged.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Server is an in-memory blob store served over HTTP.
type Server struct {
	srv *httptest.Server

	notFoundBody    []byte
	chunkedNotFound bool
	verifyDigests   bool
	logger          *log.Logger

	conns    atomic.Int64
	requests atomic.Int64

	mu       sync.Mutex
	tables   map[string]map[string][]byte
	injected []injected
}

type injected struct {
	status int
	body   string
}

// New starts a server that is shut down when the test finishes.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		tables: make(map[string]map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.New()
		s.logger.SetOutput(io.Discard)
	}

	r := chi.NewRouter()
	r.Route("/_blobs/{table}/{digest}", func(r chi.Router) {
		r.Use(s.countRequests, s.injectFailures)
		r.Put("/", s.handlePut)
		r.Get("/", s.handleGet)
		r.Head("/", s.handleHead)
		r.Delete("/", s.handleDelete)
	})
	r.Post("/_sql", s.handleSQL)

	s.srv = httptest.NewUnstartedServer(r)
	s.srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			s.conns.Add(1)
		}
	}
	s.srv.Start()
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the base URL of the server.
func (s *Server) URL() string {
	return s.srv.URL
}

// Conns returns the number of connections accepted so far.
func (s *Server) Conns() int {
	return int(s.conns.Load())
}

// Requests returns the number of blob requests served so far.
func (s *Server) Requests() int {
	return int(s.requests.Load())
}

// Blob returns the content stored under digest in table.
func (s *Server) Blob(table, digest string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.tables[table][digest]
	return b, ok
}

// FailNext makes the next blob request fail with the given status and body,
// bypassing the store.
func (s *Server) FailNext(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, injected{status: status, body: body})
}

// CloseClientConnections closes every open connection, idle or active.
func (s *Server) CloseClientConnections() {
	s.srv.CloseClientConnections()
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var inj *injected
		if len(s.injected) > 0 {
			inj = &s.injected[0]
			s.injected = s.injected[1:]
		}
		s.mu.Unlock()

		if inj == nil {
			next.ServeHTTP(w, r)
			return
		}
		s.entry(r).WithField("status", inj.status).Debug("Injected failure")
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(inj.status)
		_, _ = io.WriteString(w, inj.body)
	})
}

func (s *Server) entry(r *http.Request) *log.Entry {
	return s.logger.WithFields(log.Fields{
		"op":     r.Method,
		"table":  chi.URLParam(r, "table"),
		"digest": chi.URLParam(r, "digest"),
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	logger := s.entry(r)
	table, digest := chi.URLParam(r, "table"), chi.URLParam(r, "digest")

	content, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WithField("err", err).Error()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.verifyDigests {
		sum := sha1.Sum(content)
		if hex.EncodeToString(sum[:]) != digest {
			logger.Warn("Digest mismatch")
			http.Error(w, "digest does not match content", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	blobs, ok := s.tables[table]
	_, exists := blobs[digest]
	if ok && !exists {
		blobs[digest] = content
	}
	s.mu.Unlock()

	switch {
	case !ok:
		logger.Debug("No such table")
		http.Error(w, fmt.Sprintf("blob table %q does not exist", table), http.StatusNotFound)
	case exists:
		logger.Debug("Conflict")
		w.WriteHeader(http.StatusConflict)
	default:
		logger.Debug("Created")
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) lookup(r *http.Request) ([]byte, bool) {
	return s.Blob(chi.URLParam(r, "table"), chi.URLParam(r, "digest"))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	content, ok := s.lookup(r)
	if !ok {
		s.entry(r).Debug("Not found")
		s.writeNotFound(w)
		return
	}
	s.entry(r).Debug("Success")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	content, ok := s.lookup(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table, digest := chi.URLParam(r, "table"), chi.URLParam(r, "digest")

	s.mu.Lock()
	_, ok := s.tables[table][digest]
	if ok {
		delete(s.tables[table], digest)
	}
	s.mu.Unlock()

	if !ok {
		s.writeNotFound(w)
		return
	}
	s.entry(r).Debug("Deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeNotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	if len(s.notFoundBody) == 0 {
		return
	}
	if s.chunkedNotFound {
		// Flushing before the body is written commits the headers without a
		// Content-Length, so the body goes out chunked.
		w.(http.Flusher).Flush()
	}
	_, _ = w.Write(s.notFoundBody)
}

var stmtRE = regexp.MustCompile(`(?i)^\s*(create|drop)\s+blob\s+table\s+("(?:[^"]|"")+"|\w+)\s*;?\s*$`)

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stmt string `json:"stmt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSQLError(w, http.StatusBadRequest, 4000, "SQLParseException[invalid request body]")
		return
	}
	m := stmtRE.FindStringSubmatch(req.Stmt)
	if m == nil {
		writeSQLError(w, http.StatusBadRequest, 4000, fmt.Sprintf("SQLParseException[unsupported statement %q]", req.Stmt))
		return
	}
	table := unquoteIdent(m[2])
	logger := s.logger.WithFields(log.Fields{"stmt": req.Stmt, "table": table})

	s.mu.Lock()
	_, exists := s.tables[table]
	switch strings.ToLower(m[1]) {
	case "create":
		if exists {
			s.mu.Unlock()
			logger.Debug("Table exists")
			writeSQLError(w, http.StatusConflict, 4093,
				fmt.Sprintf("RelationAlreadyExists[Relation 'blob.%s' already exists.]", table))
			return
		}
		s.tables[table] = make(map[string][]byte)
	case "drop":
		if !exists {
			s.mu.Unlock()
			logger.Debug("No such table")
			writeSQLError(w, http.StatusNotFound, 4041,
				fmt.Sprintf("RelationUnknown[Relation 'blob.%s' unknown]", table))
			return
		}
		delete(s.tables, table)
	}
	s.mu.Unlock()

	logger.Debug("Success")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cols":     []string{},
		"rows":     [][]any{},
		"rowcount": 1,
		"duration": 0.5,
	})
}

func writeSQLError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "code": code},
	})
}

func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return strings.ToLower(s)
}
