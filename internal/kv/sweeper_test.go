package kv

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncBuffer guards a bytes.Buffer shared with the sweeper goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSweep_EvictsExpired(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := NewStore(backend, WithClock(clock))

	if err := s.SetAsyncTTL(ctx, "short", "x", time.Second, true); err != nil {
		t.Fatalf("SetAsyncTTL: %v", err)
	}
	if err := s.SetAsync(ctx, "forever", "y", true); err != nil {
		t.Fatalf("SetAsync: %v", err)
	}

	if removed := s.Sweep(ctx); removed != 0 {
		t.Fatalf("Sweep removed %d before expiry; want 0", removed)
	}

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	if removed := s.Sweep(ctx); removed != 1 {
		t.Errorf("Sweep removed %d; want 1", removed)
	}
	if _, ok, _ := backend.Get(ctx, "stored__short"); ok {
		t.Error("expired record still stored")
	}
	if _, ok, _ := backend.Get(ctx, "stored__forever"); !ok {
		t.Error("non-expiring record was removed")
	}
}

func TestStartSweeper_LogsEvictions(t *testing.T) {
	backend := NewMemoryBackend()
	s := NewStore(backend)
	if err := s.SetAsyncTTL(context.Background(), "stale", "x", time.Millisecond, true); err != nil {
		t.Fatalf("SetAsyncTTL: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	var buf syncBuffer
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(&buf),
		zapcore.InfoLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartSweeper(ctx, s, 10*time.Millisecond, zap.New(core))
	time.Sleep(200 * time.Millisecond)
	cancel()

	if !strings.Contains(buf.String(), "evicted expired records") {
		t.Errorf("expected eviction log, got:\n%s", buf.String())
	}
}

func TestStartSweeper_CancelBeforeTick(t *testing.T) {
	backend := NewMemoryBackend()
	s := NewStore(backend)
	_ = s.SetAsync(context.Background(), "k", "v", true)

	ctx, cancel := context.WithCancel(context.Background())
	StartSweeper(ctx, s, 100*time.Millisecond, nil)
	cancel()
	time.Sleep(50 * time.Millisecond)

	if _, ok, _ := backend.Get(context.Background(), "stored__k"); !ok {
		t.Error("record removed after cancellation")
	}
}
