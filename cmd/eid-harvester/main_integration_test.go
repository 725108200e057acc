//go:build integration

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sternrassler/eid-harvester/internal/config"
	"github.com/Sternrassler/eid-harvester/pkg/ratelimit"
	"github.com/Sternrassler/eid-harvester/pkg/session"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cleanup := func() {
		redisC.Terminate(ctx)
	}

	return "redis://" + host + ":" + port.Port() + "/0", cleanup
}

func TestConnectRedis_SharedState(t *testing.T) {
	url, cleanup := setupTestRedis(t)
	defer cleanup()

	c := config.Default()
	c.Redis.URL = url

	rdb, err := connectRedis(context.Background(), c)
	if err != nil {
		t.Fatalf("connectRedis() error = %v", err)
	}
	defer rdb.Close()

	if _, ok := sessionStore(c, rdb).(*session.RedisStore); !ok {
		t.Errorf("sessionStore() = %T, want *session.RedisStore", sessionStore(c, rdb))
	}
	if _, ok := rateLimitBackend(rdb).(*ratelimit.RedisBackend); !ok {
		t.Errorf("rateLimitBackend() = %T, want *ratelimit.RedisBackend", rateLimitBackend(rdb))
	}
}

func TestReadyEndpoint(t *testing.T) {
	url, cleanup := setupTestRedis(t)
	defer cleanup()

	c := config.Default()
	c.Redis.URL = url
	rdb, err := connectRedis(context.Background(), c)
	if err != nil {
		t.Fatalf("connectRedis() error = %v", err)
	}

	handler := readyHandler(rdb)

	t.Run("ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		// Close Redis to simulate failure
		rdb.Close()

		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest("GET", "/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
	})
}
