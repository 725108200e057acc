// Package session owns the authentication capability used to call the
// remote API: acquiring it, persisting it between runs and refreshing it
// when the API rejects it.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoSession is returned by a Store that holds no session.
	ErrNoSession = errors.New("no stored session")

	// ErrAuthentication wraps failures of the Authenticator itself
	// (bad credentials, login page unreachable).
	ErrAuthentication = errors.New("authentication failed")
)

// Cookie is one piece of session credential material.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// Session is an opaque authentication capability honored by the remote API.
// There is no known expiry; callers learn it has expired when a request is rejected.
// A Session is never mutated after creation.
type Session struct {
	ID        string    `json:"id"`
	Cookies   []Cookie  `json:"cookies"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds a session from cookies, stamping an ID and creation time.
func New(cookies []Cookie) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Cookies:   cookies,
		CreatedAt: time.Now(),
	}
}

// Apply attaches the session's credential material to req.
func (s *Session) Apply(req *http.Request) {
	if s == nil {
		return
	}
	for _, c := range s.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Credentials are handed to the Authenticator.
type Credentials struct {
	Username string
	Password string
}

// Authenticator performs a full login and returns a fresh session.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (*Session, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (*Session, error)

// Login calls f.
func (f AuthenticatorFunc) Login(ctx context.Context, creds Credentials) (*Session, error) {
	return f(ctx, creds)
}

// Store persists a session across process restarts.
type Store interface {
	// Load returns the stored session or ErrNoSession.
	Load(ctx context.Context) (*Session, error)
	// Save replaces the stored session.
	Save(ctx context.Context, s *Session) error
}
