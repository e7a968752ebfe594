package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcospaulo/makeitrain/internal/config"
	"github.com/marcospaulo/makeitrain/internal/domain/fail"
	"github.com/marcospaulo/makeitrain/internal/domain/resource"
	"github.com/marcospaulo/makeitrain/internal/domain/run"
	"github.com/marcospaulo/makeitrain/internal/domain/task"
	"github.com/marcospaulo/makeitrain/internal/port/retailer"
	"github.com/marcospaulo/makeitrain/internal/resilience"
)

type scriptAdapter struct {
	login    func(ctx context.Context, account *resource.Resource) (retailer.LoginResult, error)
	stock    func(ctx context.Context, itemRef string) (retailer.StockResult, error)
	cart     func(ctx context.Context, itemRef string, quantity int) (retailer.CartResult, error)
	checkout func(ctx context.Context, account *resource.Resource) (retailer.CheckoutResult, error)

	stockCalls int
}

func (a *scriptAdapter) Name() string { return "shopline" }

func (a *scriptAdapter) Login(ctx context.Context, account *resource.Resource) (retailer.LoginResult, error) {
	if a.login != nil {
		return a.login(ctx, account)
	}
	return retailer.LoginResult{}, nil
}

func (a *scriptAdapter) CheckStock(ctx context.Context, itemRef string) (retailer.StockResult, error) {
	a.stockCalls++
	if a.stock != nil {
		return a.stock(ctx, itemRef)
	}
	return retailer.StockResult{InStock: true, Price: 499}, nil
}

func (a *scriptAdapter) AddToCart(ctx context.Context, itemRef string, quantity int) (retailer.CartResult, error) {
	if a.cart != nil {
		return a.cart(ctx, itemRef, quantity)
	}
	return retailer.CartResult{CartTotal: 499}, nil
}

func (a *scriptAdapter) Checkout(ctx context.Context, account *resource.Resource) (retailer.CheckoutResult, error) {
	if a.checkout != nil {
		return a.checkout(ctx, account)
	}
	return retailer.CheckoutResult{OrderRef: "ORD-1"}, nil
}

// memCache is a minimal in-process cache used to exercise stock dedup.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type runnerHarness struct {
	runner *Runner
	clock  time.Time
}

func newTestRunner() *runnerHarness {
	h := &runnerHarness{clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.Defaults()
	h.runner = NewRunner(cfg.Stage, cfg.Monitor, resilience.NewSet(5, time.Minute), nil)
	h.runner.now = func() time.Time { return h.clock }
	h.runner.sleep = func(ctx context.Context, d time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.clock = h.clock.Add(d)
		return nil
	}
	h.runner.jitter = func() time.Duration { return 0 }
	return h
}

func testBinding() resource.Binding {
	return resource.Binding{
		Account: &resource.Resource{ID: "acct-1", Type: resource.TypeAccount},
		Proxy:   &resource.Resource{ID: "proxy-1", Type: resource.TypeProxy},
	}
}

func collectEvents() (EventSink, *[]run.Event) {
	events := &[]run.Event{}
	return func(ev run.Event) { *events = append(*events, ev) }, events
}

func stages(events []run.Event) []run.Stage {
	out := make([]run.Stage, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.To)
	}
	return out
}

func countTerminal(events []run.Event) int {
	n := 0
	for _, ev := range events {
		if ev.To.Terminal() {
			n++
		}
	}
	return n
}

func TestExecuteHappyPath(t *testing.T) {
	h := newTestRunner()
	sink, events := collectEvents()
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1, Mode: task.ModeInstant}

	out := h.runner.Execute(context.Background(), tk, testBinding(), &scriptAdapter{}, sink)

	if !out.Succeeded() {
		t.Fatalf("expected success, got stage=%s kind=%s err=%v", out.Stage, out.Kind, out.Err)
	}
	if out.OrderRef != "ORD-1" {
		t.Errorf("order ref = %q, want ORD-1", out.OrderRef)
	}
	want := []run.Stage{
		run.StageAuthenticating, run.StageCheckingStock,
		run.StageAddingToCart, run.StageCheckingOut, run.StageSucceeded,
	}
	got := stages(*events)
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if n := countTerminal(*events); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
}

func TestMonitorModeWaitsForStock(t *testing.T) {
	h := newTestRunner()
	sink, events := collectEvents()

	ad := &scriptAdapter{}
	ad.stock = func(context.Context, string) (retailer.StockResult, error) {
		if ad.stockCalls < 4 {
			return retailer.StockResult{InStock: false}, nil
		}
		return retailer.StockResult{InStock: true, Price: 120}, nil
	}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1, Mode: task.ModeMonitor}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if !out.Succeeded() {
		t.Fatalf("expected success, got stage=%s err=%v", out.Stage, out.Err)
	}
	if ad.stockCalls != 4 {
		t.Errorf("stock calls = %d, want 4", ad.stockCalls)
	}
	waits := 0
	for _, ev := range *events {
		if ev.To == run.StageWaitingForStock {
			waits++
		}
	}
	if waits != 3 {
		t.Errorf("waiting_for_stock transitions = %d, want 3", waits)
	}
}

func TestInstantModeFailsOutOfStock(t *testing.T) {
	h := newTestRunner()
	sink, events := collectEvents()

	ad := &scriptAdapter{stock: func(context.Context, string) (retailer.StockResult, error) {
		return retailer.StockResult{InStock: false}, nil
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1, Mode: task.ModeInstant}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if out.Stage != run.StageFailed || out.Kind != fail.KindNotInStock {
		t.Fatalf("got stage=%s kind=%s, want failed/not_in_stock", out.Stage, out.Kind)
	}
	if ad.stockCalls != 1 {
		t.Errorf("stock calls = %d, want 1", ad.stockCalls)
	}
	if n := countTerminal(*events); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
}

func TestMonitorModeExpiresToStockTimeout(t *testing.T) {
	h := newTestRunner()
	h.runner.monitorCfg.MaxDuration = 30 * time.Second
	h.runner.monitorCfg.PollInterval = 10 * time.Second
	sink, _ := collectEvents()

	ad := &scriptAdapter{stock: func(context.Context, string) (retailer.StockResult, error) {
		return retailer.StockResult{InStock: false}, nil
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1, Mode: task.ModeMonitor}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if out.Stage != run.StageFailed || out.Kind != fail.KindStockTimeout {
		t.Fatalf("got stage=%s kind=%s, want failed/stock_timeout", out.Stage, out.Kind)
	}
}

func TestPriceAboveLimitTreatedAsUnavailable(t *testing.T) {
	h := newTestRunner()
	sink, _ := collectEvents()

	ad := &scriptAdapter{stock: func(context.Context, string) (retailer.StockResult, error) {
		return retailer.StockResult{InStock: true, Price: 900}, nil
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1, Mode: task.ModeInstant, MaxPrice: 500}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if out.Stage != run.StageFailed || out.Kind != fail.KindNotInStock {
		t.Fatalf("got stage=%s kind=%s, want failed/not_in_stock", out.Stage, out.Kind)
	}
}

func TestAccountLockedAtLogin(t *testing.T) {
	h := newTestRunner()
	sink, events := collectEvents()

	ad := &scriptAdapter{login: func(context.Context, *resource.Resource) (retailer.LoginResult, error) {
		return retailer.LoginResult{}, fail.New(fail.KindAccountLocked, "credentials rejected")
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if out.Stage != run.StageFailed || out.Kind != fail.KindAccountLocked {
		t.Fatalf("got stage=%s kind=%s, want failed/account_locked", out.Stage, out.Kind)
	}
	got := stages(*events)
	if len(got) != 2 || got[0] != run.StageAuthenticating || got[1] != run.StageFailed {
		t.Errorf("stages = %v, want [authenticating failed]", got)
	}
}

func TestDetectionBlockedAtCart(t *testing.T) {
	h := newTestRunner()
	sink, _ := collectEvents()

	ad := &scriptAdapter{cart: func(context.Context, string, int) (retailer.CartResult, error) {
		return retailer.CartResult{}, fail.New(fail.KindDetectionBlocked, "challenge page served")
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if out.Kind != fail.KindDetectionBlocked {
		t.Fatalf("kind = %s, want detection_blocked", out.Kind)
	}
}

func TestPaymentDeclinedIsTerminal(t *testing.T) {
	h := newTestRunner()
	sink, _ := collectEvents()

	ad := &scriptAdapter{checkout: func(context.Context, *resource.Resource) (retailer.CheckoutResult, error) {
		return retailer.CheckoutResult{}, fail.New(fail.KindPaymentDeclined, "card declined")
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if out.Kind != fail.KindPaymentDeclined {
		t.Fatalf("kind = %s, want payment_declined", out.Kind)
	}
	if !out.Kind.Fatal() {
		t.Error("payment_declined must be fatal")
	}
}

func TestMonitorWaitDelaysStayWithinJitterBounds(t *testing.T) {
	cfg := config.Defaults()
	cfg.Monitor.PollInterval = 10 * time.Second
	cfg.Monitor.Jitter = 3 * time.Second
	cfg.Monitor.MaxDuration = 5 * time.Minute

	// Keep the default jitter source; only clock and sleep are faked.
	r := NewRunner(cfg.Stage, cfg.Monitor, resilience.NewSet(5, time.Minute), nil)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		clock = clock.Add(d)
		return nil
	}

	calls := 0
	ad := &scriptAdapter{stock: func(context.Context, string) (retailer.StockResult, error) {
		calls++
		return retailer.StockResult{InStock: calls > 8, Price: 499}, nil
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1, Mode: task.ModeMonitor}

	out := r.Execute(context.Background(), tk, testBinding(), ad, nil)
	if !out.Succeeded() {
		t.Fatalf("expected success, got stage=%s kind=%s err=%v", out.Stage, out.Kind, out.Err)
	}

	if len(delays) != 8 {
		t.Fatalf("recorded %d waits, want 8", len(delays))
	}
	lo, hi := cfg.Monitor.PollInterval, cfg.Monitor.PollInterval+cfg.Monitor.Jitter
	for i, d := range delays {
		if d < lo || d >= hi {
			t.Errorf("wait %d = %s, want in [%s, %s)", i, d, lo, hi)
		}
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newTestRunner()
	sink, events := collectEvents()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	out := h.runner.Execute(ctx, tk, testBinding(), &scriptAdapter{}, sink)

	if !out.Cancelled {
		t.Fatal("expected cancelled outcome")
	}
	if n := countTerminal(*events); n != 1 {
		t.Errorf("terminal events = %d, want exactly 1", n)
	}
}

func TestCancelledDuringMonitorWait(t *testing.T) {
	h := newTestRunner()
	sink, _ := collectEvents()

	ctx, cancel := context.WithCancel(context.Background())
	ad := &scriptAdapter{stock: func(context.Context, string) (retailer.StockResult, error) {
		cancel() // cancellation lands while the run is waiting for stock
		return retailer.StockResult{InStock: false}, nil
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1, Mode: task.ModeMonitor}

	out := h.runner.Execute(ctx, tk, testBinding(), ad, sink)

	if !out.Cancelled {
		t.Fatalf("expected cancelled outcome, got stage=%s kind=%s", out.Stage, out.Kind)
	}
	if ad.stockCalls != 1 {
		t.Errorf("stock calls = %d, want 1", ad.stockCalls)
	}
}

func TestCancelDoesNotAbortInFlightStageCall(t *testing.T) {
	h := newTestRunner()
	sink, _ := collectEvents()

	ctx, cancel := context.WithCancel(context.Background())
	completed := false
	ad := &scriptAdapter{login: func(c context.Context, _ *resource.Resource) (retailer.LoginResult, error) {
		cancel() // cancellation lands while the call is in flight
		select {
		case <-c.Done():
			return retailer.LoginResult{}, c.Err()
		case <-time.After(50 * time.Millisecond):
		}
		completed = true
		return retailer.LoginResult{}, nil
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	out := h.runner.Execute(ctx, tk, testBinding(), ad, sink)

	if !completed {
		t.Fatal("in-flight login call was aborted instead of running to completion")
	}
	if !out.Cancelled {
		t.Fatalf("expected cancelled outcome at the next checkpoint, got stage=%s kind=%s err=%v", out.Stage, out.Kind, out.Err)
	}
	if ad.stockCalls != 0 {
		t.Errorf("stock calls = %d, want 0 after cancellation", ad.stockCalls)
	}
}

func TestStageTimeoutClassifiedAsTimeout(t *testing.T) {
	h := newTestRunner()
	h.runner.stageCfg.LoginTimeout = 10 * time.Millisecond
	sink, _ := collectEvents()

	ad := &scriptAdapter{login: func(ctx context.Context, _ *resource.Resource) (retailer.LoginResult, error) {
		<-ctx.Done()
		return retailer.LoginResult{}, ctx.Err()
	}}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink)

	if out.Kind != fail.KindTimeout {
		t.Fatalf("kind = %s, want timeout", out.Kind)
	}
	if !out.Kind.Retryable() {
		t.Error("stage timeout must be retryable")
	}
}

func TestBreakerOpensOnTransientFailuresOnly(t *testing.T) {
	h := newTestRunner()
	h.runner.breakers = resilience.NewSet(2, time.Minute)
	sink, _ := collectEvents()
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	// Business failures must not count against the circuit.
	declined := &scriptAdapter{checkout: func(context.Context, *resource.Resource) (retailer.CheckoutResult, error) {
		return retailer.CheckoutResult{}, fail.New(fail.KindPaymentDeclined, "card declined")
	}}
	for i := 0; i < 3; i++ {
		out := h.runner.Execute(context.Background(), tk, testBinding(), declined, sink)
		if out.Kind != fail.KindPaymentDeclined {
			t.Fatalf("attempt %d: kind = %s, want payment_declined", i, out.Kind)
		}
	}

	// Transport failures do.
	flaky := &scriptAdapter{login: func(context.Context, *resource.Resource) (retailer.LoginResult, error) {
		return retailer.LoginResult{}, errors.New("connection reset")
	}}
	for i := 0; i < 2; i++ {
		h.runner.Execute(context.Background(), tk, testBinding(), flaky, sink)
	}

	out := h.runner.Execute(context.Background(), tk, testBinding(), &scriptAdapter{}, sink)
	if out.Kind != fail.KindTransient {
		t.Fatalf("kind = %s, want transient from open circuit", out.Kind)
	}
	if !errors.Is(out.Err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want wrapped ErrCircuitOpen", out.Err)
	}
}

func TestStockCacheDedupesChecks(t *testing.T) {
	h := newTestRunner()
	h.runner.stocks = newMemCache()
	sink, _ := collectEvents()

	ad := &scriptAdapter{}
	tk := &task.Task{ID: "t1", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}

	if out := h.runner.Execute(context.Background(), tk, testBinding(), ad, sink); !out.Succeeded() {
		t.Fatalf("first run failed: %v", out.Err)
	}
	tk2 := &task.Task{ID: "t2", Retailer: "shopline", ItemRef: "sku-9", Quantity: 1}
	if out := h.runner.Execute(context.Background(), tk2, testBinding(), ad, sink); !out.Succeeded() {
		t.Fatalf("second run failed: %v", out.Err)
	}

	if ad.stockCalls != 1 {
		t.Errorf("stock calls = %d, want 1 (second run served from cache)", ad.stockCalls)
	}
}
