// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/google/uuid"
)

// SessionCookie is the cookie name the mock API authenticates with.
const SessionCookie = "SCSessionID"

// DocumentPrefix is the path prefix of record requests.
const DocumentPrefix = "/gateway/doc-details/documents/"

// MockResponse defines one scripted response for a record.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock of the record API. It requires a valid
// session cookie on every request and answers 403 otherwise.
type MockAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]MockResponse
	valid    map[string]bool
	requests map[string]int
	total    int
	logins   int
	loginErr error
}

// NewMockAPI starts a mock API server.
func NewMockAPI() *MockAPI {
	m := &MockAPI{
		scripts:  make(map[string][]MockResponse),
		valid:    make(map[string]bool),
		requests: make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Script queues responses for eid. They are served in order; once the
// script is exhausted the default success document is served.
func (m *MockAPI) Script(eid string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[eid] = append(m.scripts[eid], responses...)
}

// Always makes every request for eid answer with resp.
func (m *MockAPI) Always(eid string, resp MockResponse) {
	resps := make([]MockResponse, 1000)
	for i := range resps {
		resps[i] = resp
	}
	m.Script(eid, resps...)
}

// ExpireSessions invalidates every session issued so far.
func (m *MockAPI) ExpireSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = make(map[string]bool)
}

// FailLogins makes the authenticator fail with err until called with nil.
func (m *MockAPI) FailLogins(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginErr = err
}

// Authenticator returns an authenticator issuing sessions this server accepts.
func (m *MockAPI) Authenticator() session.Authenticator {
	return session.AuthenticatorFunc(func(ctx context.Context, creds session.Credentials) (*session.Session, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.logins++
		if m.loginErr != nil {
			return nil, m.loginErr
		}
		token := uuid.NewString()
		m.valid[token] = true
		return session.New([]session.Cookie{{Name: SessionCookie, Value: token}}), nil
	})
}

// Requests returns how many record requests were made for eid.
func (m *MockAPI) Requests(eid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[eid]
}

// TotalRequests returns the number of record requests made.
func (m *MockAPI) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Logins returns how many times the authenticator ran.
func (m *MockAPI) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

func (m *MockAPI) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, DocumentPrefix) {
		http.NotFound(w, r)
		return
	}
	eid := strings.TrimPrefix(r.URL.Path, DocumentPrefix)

	m.mu.Lock()
	m.total++
	m.requests[eid]++
	authorized := false
	if c, err := r.Cookie(SessionCookie); err == nil {
		authorized = m.valid[c.Value]
	}
	var resp *MockResponse
	if authorized && len(m.scripts[eid]) > 0 {
		resp = &m.scripts[eid][0]
		m.scripts[eid] = m.scripts[eid][1:]
	}
	m.mu.Unlock()

	if !authorized {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if resp == nil {
		def := NewDocumentResponse(eid)
		resp = &def
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewDocumentResponse creates a standard 200 OK record document.
func NewDocumentResponse(eid string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body: fmt.Sprintf(`{"eid":%q,"titles":["Title of %s"],"abstract":["Abstract of %s"],"indexedKeywords":{"main":["alpha","beta"]}}`,
			eid, eid, eid),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewAuthExpiredResponse creates a 403 response regardless of the cookie.
func NewAuthExpiredResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusForbidden}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewNotFoundDocumentResponse creates a 200 response reporting a missing document.
func NewNotFoundDocumentResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"status":"NOT_FOUND"}`,
	}
}
