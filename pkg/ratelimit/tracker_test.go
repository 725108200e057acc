package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestTracker() *Tracker {
	tr := NewTracker(nil, zerolog.Nop())
	tr.SetDelays(10*time.Millisecond, 50*time.Millisecond)
	return tr
}

func TestTracker_DefaultStateIsHealthy(t *testing.T) {
	state, err := newTestTracker().GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy {
		t.Error("default state should be healthy")
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	reset := time.Now().Add(2 * time.Hour).Unix()

	tests := []struct {
		name          string
		remaining     string
		reset         string
		wantErr       bool
		wantRemaining int
		wantResetAt   time.Time
	}{
		{
			name:          "epoch reset",
			remaining:     "19000",
			reset:         strconv.FormatInt(reset, 10),
			wantRemaining: 19000,
			wantResetAt:   time.Unix(reset, 0),
		},
		{
			name:          "relative reset",
			remaining:     "3",
			reset:         "30",
			wantRemaining: 3,
			wantResetAt:   time.Now().Add(30 * time.Second),
		},
		{name: "bad remaining", remaining: "many", reset: "30", wantErr: true},
		{name: "missing reset", remaining: "10", wantErr: true},
		{name: "bad reset", remaining: "10", reset: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker()
			h := http.Header{}
			h.Set(HeaderRemaining, tt.remaining)
			if tt.reset != "" {
				h.Set(HeaderReset, tt.reset)
			}

			err := tr.UpdateFromHeaders(context.Background(), h)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UpdateFromHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			state, _ := tr.GetState(context.Background())
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
			if d := state.ResetAt.Sub(tt.wantResetAt); d < -2*time.Second || d > 2*time.Second {
				t.Errorf("ResetAt = %v, want ~%v", state.ResetAt, tt.wantResetAt)
			}
		})
	}
}

func TestTracker_UpdateFromHeaders_NoHeaders(t *testing.T) {
	backend := NewMemoryBackend()
	tr := NewTracker(backend, zerolog.Nop())

	if err := tr.UpdateFromHeaders(context.Background(), http.Header{}); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}
	if _, err := backend.Load(context.Background()); !errors.Is(err, ErrNoState) {
		t.Errorf("state should stay empty, got err=%v", err)
	}
}

func TestTracker_Wait(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		minWait time.Duration
		maxWait time.Duration
	}{
		{"healthy", State{Remaining: 500, ResetAt: time.Now().Add(time.Hour)}, 0, 5 * time.Millisecond},
		{"throttled", State{Remaining: ThresholdWarning - 1, ResetAt: time.Now().Add(time.Hour)}, 10 * time.Millisecond, 40 * time.Millisecond},
		{"critical capped", State{Remaining: 0, ResetAt: time.Now().Add(time.Hour)}, 50 * time.Millisecond, 100 * time.Millisecond},
		{"critical already reset", State{Remaining: 0, ResetAt: time.Now().Add(-time.Second)}, 0, 5 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewMemoryBackend()
			backend.Save(context.Background(), &tt.state)
			tr := NewTracker(backend, zerolog.Nop())
			tr.SetDelays(10*time.Millisecond, 50*time.Millisecond)

			start := time.Now()
			if err := tr.Wait(context.Background()); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
			elapsed := time.Since(start)
			if elapsed < tt.minWait || elapsed > tt.maxWait {
				t.Errorf("Wait() took %v, want between %v and %v", elapsed, tt.minWait, tt.maxWait)
			}
		})
	}
}

func TestTracker_WaitHonorsContext(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Save(context.Background(), &State{Remaining: 0, ResetAt: time.Now().Add(time.Hour)})
	tr := NewTracker(backend, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tr.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}
