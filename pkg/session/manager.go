package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for session lifecycle.
var (
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_logins_total",
		Help: "Authenticator logins by result",
	}, []string{"result"})

	refreshCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_session_refresh_coalesced_total",
		Help: "Refresh calls answered with a session another caller already obtained",
	})

	sessionAgeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_session_age_seconds",
		Help:    "Age of sessions at the moment they were found expired",
		Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
	})
)

// flightKey is shared by every path that may authenticate, so at most one
// login runs at any time.
const flightKey = "login"

// Config holds the session manager configuration.
type Config struct {
	// Authenticator produces fresh sessions (REQUIRED).
	Authenticator Authenticator

	// Store persists sessions between runs. Nil disables persistence.
	Store Store

	// Credentials passed to the Authenticator.
	Credentials Credentials

	// LoginTimeout bounds a single login. Zero means the caller's context only.
	LoginTimeout time.Duration
}

// Manager owns the current session. Workers borrow it per attempt and ask
// for a refresh when the remote API rejects it.
type Manager struct {
	auth   Authenticator
	store  Store
	creds  Credentials
	config Config
	logger zerolog.Logger

	current atomic.Pointer[Session]
	group   singleflight.Group

	// storeChecked is only touched inside the singleflight critical section.
	storeChecked bool
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	return &Manager{
		auth:   cfg.Authenticator,
		store:  cfg.Store,
		creds:  cfg.Credentials,
		config: cfg,
		logger: log.With().Str("component", "session").Logger(),
	}, nil
}

// Current returns the cached session without side effects, or nil.
func (m *Manager) Current() *Session {
	return m.current.Load()
}

// Acquire returns the cached session. On a cold cache it first tries the
// persisted session from a previous run, then falls back to a login.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if s := m.current.Load(); s != nil {
		return s, nil
	}

	return m.do(ctx, func() (*Session, error) {
		if s := m.current.Load(); s != nil {
			return s, nil
		}

		if m.store != nil && !m.storeChecked {
			m.storeChecked = true
			s, err := m.store.Load(ctx)
			switch {
			case err == nil:
				m.current.Store(s)
				m.logger.Info().
					Str("session_id", s.ID).
					Time("created_at", s.CreatedAt).
					Msg("Reusing persisted session")
				return s, nil
			case !errors.Is(err, ErrNoSession):
				m.logger.Warn().Err(err).Msg("Failed to load persisted session")
			default:
				m.logger.Info().Msg("No persisted session, logging in")
			}
		}

		return m.login(ctx)
	})
}

// Refresh replaces stale with a freshly authenticated session. Concurrent
// callers share one login. A caller whose stale session was already replaced
// by someone else gets the replacement without a new login.
func (m *Manager) Refresh(ctx context.Context, stale *Session) (*Session, error) {
	return m.do(ctx, func() (*Session, error) {
		if cur := m.current.Load(); cur != nil && cur != stale {
			refreshCoalescedTotal.Inc()
			return cur, nil
		}

		if stale != nil {
			sessionAgeSeconds.Observe(stale.Age().Seconds())
			m.logger.Info().
				Str("session_id", stale.ID).
				Dur("age", stale.Age()).
				Msg("Session expired, refreshing")
		}
		m.current.CompareAndSwap(stale, nil)
		m.storeChecked = true

		return m.login(ctx)
	})
}

func (m *Manager) do(ctx context.Context, fn func() (*Session, error)) (*Session, error) {
	v, err, shared := m.group.Do(flightKey, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug().Msg("Joined in-flight session operation")
	}
	return v.(*Session), nil
}

// login runs the Authenticator. Callers must hold the flight.
func (m *Manager) login(ctx context.Context) (*Session, error) {
	if m.config.LoginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.LoginTimeout)
		defer cancel()
	}

	start := time.Now()
	s, err := m.auth.Login(ctx, m.creds)
	if err == nil && (s == nil || len(s.Cookies) == 0) {
		err = errors.New("authenticator returned an empty session")
	}
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Login failed")
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	if s.ID == "" {
		s.ID = New(nil).ID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	m.current.Store(s)
	loginsTotal.WithLabelValues("success").Inc()
	m.logger.Info().
		Str("session_id", s.ID).
		Int("cookies", len(s.Cookies)).
		Dur("duration", time.Since(start)).
		Msg("Logged in")

	if m.store != nil {
		if err := m.store.Save(ctx, s); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist session")
		}
	}

	return s, nil
}
