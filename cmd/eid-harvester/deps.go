package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/eid-harvester/internal/config"
	"github.com/Sternrassler/eid-harvester/pkg/metrics"
	"github.com/Sternrassler/eid-harvester/pkg/ratelimit"
	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}

// connectRedis returns nil when no Redis is configured.
func connectRedis(ctx context.Context, c *config.Config) (*redis.Client, error) {
	if c.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redisOptions(c.Redis.URL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return client, nil
}

// sessionStore keeps the session in Redis when available, so several
// harvesters share one login, and in the session file otherwise.
func sessionStore(c *config.Config, rdb *redis.Client) session.Store {
	if rdb != nil {
		return session.NewRedisStore(rdb, c.Redis.SessionKey, c.GetSessionTTL())
	}
	return session.NewFileStore(c.Auth.SessionFile)
}

func rateLimitBackend(rdb *redis.Client) ratelimit.Backend {
	if rdb != nil {
		return ratelimit.NewRedisBackend(rdb)
	}
	return ratelimit.NewMemoryBackend()
}

func browserAuthenticator(c *config.Config) (*session.BrowserAuthenticator, error) {
	if err := c.ValidateLogin(); err != nil {
		return nil, err
	}
	bc := session.DefaultBrowserConfig(c.Auth.LoginURL)
	bc.UsernameSelector = c.Auth.UsernameSelector
	bc.PasswordSelector = c.Auth.PasswordSelector
	bc.SubmitSelector = c.Auth.SubmitSelector
	bc.ReadySelector = c.Auth.ReadySelector
	bc.ControlURL = c.Auth.ControlURL
	bc.Headless = c.Auth.Headless
	bc.Timeout = c.GetLoginTimeout()
	return session.NewBrowserAuthenticator(bc)
}

// runAuthenticator returns the authenticator for a run. The browser is only
// set up when a login is actually needed, so a run can start from a stored
// session without credentials. Without either, the run is refused up front.
func runAuthenticator(ctx context.Context, c *config.Config, store session.Store) (session.Authenticator, error) {
	loginErr := c.ValidateLogin()
	if loginErr != nil {
		if _, err := store.Load(ctx); err != nil {
			if errors.Is(err, session.ErrNoSession) {
				return nil, loginErr
			}
			return nil, fmt.Errorf("load stored session: %w", err)
		}
		log.Info().Msg("Login not configured, using the stored session")
	}

	var (
		mu   sync.Mutex
		auth *session.BrowserAuthenticator
	)
	return session.AuthenticatorFunc(func(ctx context.Context, creds session.Credentials) (*session.Session, error) {
		mu.Lock()
		if auth == nil {
			a, err := browserAuthenticator(c)
			if err != nil {
				mu.Unlock()
				return nil, err
			}
			auth = a
		}
		mu.Unlock()
		return auth.Login(ctx, creds)
	}), nil
}

func credentials(c *config.Config) session.Credentials {
	return session.Credentials{Username: c.Auth.Username, Password: c.Auth.Password}
}

func newMetricsMux(rdb *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(rdb))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports whether shared state is reachable. Without Redis the
// harvester is always ready.
func readyHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// startMetricsServer serves /metrics until the returned stop func is called.
// An empty addr disables it.
func startMetricsServer(addr string, rdb *redis.Client) (stop func()) {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsMux(rdb),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
