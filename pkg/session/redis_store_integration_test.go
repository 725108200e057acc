//go:build integration

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	return client, func() {
		client.Close()
		container.Terminate(ctx)
	}
}

func TestRedisStore_Integration(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(client, "", time.Hour)
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Load() on empty store error = %v, want ErrNoSession", err)
	}

	s := New([]Cookie{{Name: "SESSION", Value: "xyz"}})
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ID != s.ID || got.Cookies[0].Value != "xyz" {
		t.Errorf("Load() = %+v", got)
	}

	ttl, err := client.TTL(ctx, DefaultRedisKey).Result()
	if err != nil || ttl <= 0 {
		t.Errorf("expected a TTL on the session key, got %v (%v)", ttl, err)
	}

	if err := store.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("Load() after Delete error = %v, want ErrNoSession", err)
	}
}

func TestRedisStore_NoCookiesIsNoSession(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	if err := client.Set(ctx, "harvest:empty", `{"id":"s1","cookies":[]}`, 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	store := NewRedisStore(client, "harvest:empty", 0)
	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("Load() error = %v, want ErrNoSession", err)
	}
}

func TestRedisStore_SharedBetweenManagers(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	auth := &countingAuth{}
	ctx := context.Background()

	first := newTestManager(t, auth, NewRedisStore(client, "", 0))
	s, err := first.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	second := newTestManager(t, auth, NewRedisStore(client, "", 0))
	got, err := second.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if got.ID != s.ID {
		t.Errorf("second manager got %s, want shared %s", got.ID, s.ID)
	}
	if auth.calls.Load() != 1 {
		t.Errorf("logins = %d, want 1", auth.calls.Load())
	}
}
