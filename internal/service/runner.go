package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/marcospaulo/makeitrain/internal/config"
	"github.com/marcospaulo/makeitrain/internal/domain/fail"
	"github.com/marcospaulo/makeitrain/internal/domain/resource"
	"github.com/marcospaulo/makeitrain/internal/domain/run"
	"github.com/marcospaulo/makeitrain/internal/domain/task"
	"github.com/marcospaulo/makeitrain/internal/port/cache"
	"github.com/marcospaulo/makeitrain/internal/port/retailer"
	"github.com/marcospaulo/makeitrain/internal/resilience"
)

// EventSink receives every stage transition a run emits.
type EventSink func(ev run.Event)

// Runner executes the checkout state machine for one task attempt. It is
// retailer-agnostic: all site knowledge lives behind the adapter contract.
type Runner struct {
	stageCfg   config.Stage
	monitorCfg config.Monitor
	breakers   *resilience.Set
	stocks     cache.Cache // shared stock-status cache; nil disables caching

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewRunner creates a Runner.
func NewRunner(stageCfg config.Stage, monitorCfg config.Monitor, breakers *resilience.Set, stocks cache.Cache) *Runner {
	r := &Runner{
		stageCfg:   stageCfg,
		monitorCfg: monitorCfg,
		breakers:   breakers,
		stocks:     stocks,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	r.jitter = func() time.Duration {
		if monitorCfg.Jitter <= 0 {
			return 0
		}
		return rand.N(monitorCfg.Jitter)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute drives the task through the stage graph and returns the terminal
// outcome. Cancellation is cooperative: the context is checked between
// stages only, never mid-call, so the remote session is never abandoned in
// a half-driven state. Exactly one terminal transition is emitted per run.
func (r *Runner) Execute(ctx context.Context, t *task.Task, b resource.Binding, ad retailer.Adapter, sink EventSink) run.Outcome {
	rn := &run.Run{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Attempt:   t.Attempts + 1,
		Retailer:  t.Retailer,
		AccountID: b.Account.ID,
		ProxyID:   b.Proxy.ID,
		Stage:     run.StageIdle,
		StartedAt: r.now(),
	}

	outcome := r.execute(ctx, rn, t, b, ad, sink)
	outcome.RunID = rn.ID
	outcome.TaskID = t.ID

	ended := r.now()
	rn.EndedAt = &ended
	rn.Stage = outcome.Stage
	rn.FailKind = outcome.Kind
	return outcome
}

func (r *Runner) execute(ctx context.Context, rn *run.Run, t *task.Task, b resource.Binding, ad retailer.Adapter, sink EventSink) run.Outcome {
	// Authenticating
	if cancelled(ctx) {
		return r.cancel(rn, sink)
	}
	r.transition(rn, run.StageAuthenticating, fail.KindNone, "", sink)

	_, err := callStage(ctx, r, t.Retailer, r.stageCfg.LoginTimeout, func(c context.Context) (retailer.LoginResult, error) {
		return ad.Login(c, b.Account)
	})
	if err != nil {
		return r.fail(rn, fail.Classify(err), err, sink)
	}

	// CheckingStock, with the WaitingForStock loop for monitor mode.
	deadline := r.now().Add(r.monitorCfg.MaxDuration)
	for {
		if cancelled(ctx) {
			return r.cancel(rn, sink)
		}
		r.transition(rn, run.StageCheckingStock, fail.KindNone, "", sink)

		stock, err := r.checkStock(ctx, t, ad)
		if err != nil {
			return r.fail(rn, fail.Classify(err), err, sink)
		}

		available := stock.InStock && (t.MaxPrice <= 0 || stock.Price <= 0 || stock.Price <= t.MaxPrice)
		if available {
			break
		}

		detail := "out of stock"
		if stock.InStock {
			detail = fmt.Sprintf("price %.2f above limit %.2f", stock.Price, t.MaxPrice)
		}

		if t.Mode != task.ModeMonitor {
			return r.fail(rn, fail.KindNotInStock, fail.New(fail.KindNotInStock, "%s", detail), sink)
		}
		if !r.now().Before(deadline) {
			return r.fail(rn, fail.KindStockTimeout, fail.New(fail.KindStockTimeout, "no stock within %s", r.monitorCfg.MaxDuration), sink)
		}

		r.transition(rn, run.StageWaitingForStock, fail.KindNone, detail, sink)
		if err := r.sleep(ctx, r.monitorCfg.PollInterval+r.jitter()); err != nil {
			return r.cancel(rn, sink)
		}
	}

	// AddingToCart
	if cancelled(ctx) {
		return r.cancel(rn, sink)
	}
	r.transition(rn, run.StageAddingToCart, fail.KindNone, "", sink)

	_, err = callStage(ctx, r, t.Retailer, r.stageCfg.CartTimeout, func(c context.Context) (retailer.CartResult, error) {
		return ad.AddToCart(c, t.ItemRef, t.Quantity)
	})
	if err != nil {
		return r.fail(rn, fail.Classify(err), err, sink)
	}

	// CheckingOut
	if cancelled(ctx) {
		return r.cancel(rn, sink)
	}
	r.transition(rn, run.StageCheckingOut, fail.KindNone, "", sink)

	res, err := callStage(ctx, r, t.Retailer, r.stageCfg.CheckoutTimeout, func(c context.Context) (retailer.CheckoutResult, error) {
		return ad.Checkout(c, b.Account)
	})
	if err != nil {
		return r.fail(rn, fail.Classify(err), err, sink)
	}

	rn.OrderRef = res.OrderRef
	r.transition(rn, run.StageSucceeded, fail.KindNone, "order "+res.OrderRef, sink)
	return run.Outcome{Stage: run.StageSucceeded, OrderRef: res.OrderRef}
}

// checkStock consults the shared stock cache before hitting the retailer, so
// many monitor tasks watching the same item do not multiply remote checks.
func (r *Runner) checkStock(ctx context.Context, t *task.Task, ad retailer.Adapter) (retailer.StockResult, error) {
	key := t.Retailer + "/" + t.ItemRef

	if r.stocks != nil {
		if data, ok, err := r.stocks.Get(ctx, key); err == nil && ok {
			var cached retailer.StockResult
			if json.Unmarshal(data, &cached) == nil {
				return cached, nil
			}
		}
	}

	stock, err := callStage(ctx, r, t.Retailer, r.stageCfg.StockTimeout, func(c context.Context) (retailer.StockResult, error) {
		return ad.CheckStock(c, t.ItemRef)
	})
	if err != nil {
		return retailer.StockResult{}, err
	}

	if r.stocks != nil {
		if data, err := json.Marshal(stock); err == nil {
			_ = r.stocks.Set(ctx, key, data, r.monitorCfg.StockTTL)
		}
	}
	return stock, nil
}

// callStage invokes one adapter call under the per-stage timeout and the
// retailer's circuit breaker. Only transport-level failures (transient,
// timeout) count against the breaker; business outcomes like "not in stock"
// or "payment declined" do not trip it.
func callStage[T any](ctx context.Context, r *Runner, retailerTag string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	var callErr error

	execErr := r.breakers.For(retailerTag).Execute(func() error {
		// A stage call in flight always runs to completion so the remote
		// session is never left half-driven. Cancellation of the run is
		// honored at stage boundaries only; the call itself answers to
		// nothing but the per-stage timeout.
		callCtx := context.WithoutCancel(ctx)
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, timeout)
			defer cancel()
		}

		result, callErr = fn(callCtx)
		if callErr != nil && errors.Is(callErr, context.DeadlineExceeded) {
			callErr = fail.Wrap(fail.KindTimeout, callErr)
		}

		switch fail.Classify(callErr) {
		case fail.KindTransient, fail.KindTimeout:
			return callErr
		default:
			return nil
		}
	})

	if errors.Is(execErr, resilience.ErrCircuitOpen) {
		return result, fail.Wrap(fail.KindTransient, execErr)
	}
	return result, callErr
}

// transition moves the run to the next stage and emits exactly one event.
func (r *Runner) transition(rn *run.Run, to run.Stage, kind fail.Kind, detail string, sink EventSink) {
	ev := run.Event{
		TaskID:    rn.TaskID,
		RunID:     rn.ID,
		From:      rn.Stage,
		To:        to,
		Kind:      kind,
		Detail:    detail,
		Timestamp: r.now(),
	}
	rn.Stage = to
	if sink != nil {
		sink(ev)
	}
}

func (r *Runner) fail(rn *run.Run, kind fail.Kind, err error, sink EventSink) run.Outcome {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	r.transition(rn, run.StageFailed, kind, detail, sink)
	return run.Outcome{Stage: run.StageFailed, Kind: kind, Err: err}
}

func (r *Runner) cancel(rn *run.Run, sink EventSink) run.Outcome {
	r.transition(rn, run.StageFailed, fail.KindNone, "cancelled", sink)
	return run.Outcome{Stage: run.StageFailed, Cancelled: true}
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
