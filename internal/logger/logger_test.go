package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marcospaulo/makeitrain/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSyncCloserIsNoop(t *testing.T) {
	log, closer := New(config.Logging{Level: "info", Service: "test"})
	if log == nil {
		t.Fatal("expected logger")
	}
	closer.Close() // must not panic or block
}

// countingHandler records how many records it handled.
type countingHandler struct {
	mu    sync.Mutex
	count int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *countingHandler) Handle(context.Context, slog.Record) error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestAsyncHandlerDeliversAndCloses(t *testing.T) {
	inner := &countingHandler{}
	h := NewAsyncHandler(inner, 64, 2)
	log := slog.New(h)

	for range 10 {
		log.Info("hello")
	}
	h.Close()

	if got := inner.total(); got != 10 {
		t.Errorf("expected 10 records handled, got %d", got)
	}

	// Records after close are dropped, not panicking on a closed channel.
	log.Info("late")
	if h.Dropped() == 0 {
		t.Error("expected late record to be counted as dropped")
	}
}

func TestAsyncHandlerDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	inner := &blockingHandler{block: block}
	h := NewAsyncHandler(inner, 1, 1)

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "m", 0)
	// First record occupies the worker, second fills the channel,
	// further records are dropped.
	for range 10 {
		_ = h.Handle(context.Background(), rec)
	}
	if h.Dropped() == 0 {
		t.Error("expected drops with a full channel")
	}
	close(block)
	h.Close()
}

type blockingHandler struct{ block chan struct{} }

func (h *blockingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *blockingHandler) Handle(context.Context, slog.Record) error {
	<-h.block
	return nil
}
func (h *blockingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *blockingHandler) WithGroup(string) slog.Handler      { return h }

func TestContextHelpers(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTaskID(ctx, "task-1")

	if RequestID(ctx) != "req-1" {
		t.Errorf("expected req-1, got %q", RequestID(ctx))
	}
	if TaskID(ctx) != "task-1" {
		t.Errorf("expected task-1, got %q", TaskID(ctx))
	}
	if RequestID(context.Background()) != "" {
		t.Error("expected empty request ID on fresh context")
	}
}
