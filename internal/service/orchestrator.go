package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/marcospaulo/makeitrain/internal/config"
	"github.com/marcospaulo/makeitrain/internal/domain"
	"github.com/marcospaulo/makeitrain/internal/domain/fail"
	"github.com/marcospaulo/makeitrain/internal/domain/resource"
	"github.com/marcospaulo/makeitrain/internal/domain/run"
	"github.com/marcospaulo/makeitrain/internal/domain/task"
	"github.com/marcospaulo/makeitrain/internal/logger"
	"github.com/marcospaulo/makeitrain/internal/pool"
	"github.com/marcospaulo/makeitrain/internal/port/cache"
	"github.com/marcospaulo/makeitrain/internal/port/retailer"
	"github.com/marcospaulo/makeitrain/internal/port/store"
	"github.com/marcospaulo/makeitrain/internal/port/stream"
)

// AdapterFactory resolves a retailer tag to a ready adapter for one run.
type AdapterFactory func(retailerTag string) (retailer.Adapter, error)

// Metrics receives orchestrator counters. The otel adapter implements it;
// a nil-safe no-op is used when metrics are disabled.
type Metrics interface {
	TaskSubmitted(ctx context.Context, retailerTag string)
	TaskRequeued(ctx context.Context, retailerTag string, kind fail.Kind)
	RunFinished(ctx context.Context, retailerTag string, stage run.Stage, kind fail.Kind)
}

type nopMetrics struct{}

func (nopMetrics) TaskSubmitted(context.Context, string)                     {}
func (nopMetrics) TaskRequeued(context.Context, string, fail.Kind)           {}
func (nopMetrics) RunFinished(context.Context, string, run.Stage, fail.Kind) {}

// Orchestrator owns the task lifecycle: admission, resource binding, run
// execution, requeue and terminal routing, and notification. It is the only
// component that talks to both pools and the scheduler.
type Orchestrator struct {
	cfg      config.Scheduler
	log      *slog.Logger
	sched    *Scheduler
	runner   *Runner
	accounts *pool.Pool
	proxies  *pool.Pool
	store    store.Store
	events   stream.Publisher // nil disables stream publishing
	sessions cache.Cache      // nil disables session persistence
	notify   *NotificationService
	metrics  Metrics
	adapters AdapterFactory

	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	wake chan struct{}

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool // cancel requested while running; consumed at the next routing point

	now func() time.Time // for testing
}

// OrchestratorDeps bundles the collaborators the orchestrator is built from.
type OrchestratorDeps struct {
	Scheduler *Scheduler
	Runner    *Runner
	Accounts  *pool.Pool
	Proxies   *pool.Pool
	Store     store.Store
	Events    stream.Publisher
	Sessions  cache.Cache
	Notify    *NotificationService
	Metrics   Metrics
	Adapters  AdapterFactory
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg config.Scheduler, deps OrchestratorDeps, log *slog.Logger) *Orchestrator {
	m := deps.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		sched:     deps.Scheduler,
		runner:    deps.Runner,
		accounts:  deps.Accounts,
		proxies:   deps.Proxies,
		store:     deps.Store,
		events:    deps.Events,
		sessions:  deps.Sessions,
		notify:    deps.Notify,
		metrics:   m,
		adapters:  deps.Adapters,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:      make(chan struct{}, 1),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		now:       time.Now,
	}
}

// Submit validates and enqueues a new task.
func (o *Orchestrator) Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := o.now()
	t := &task.Task{
		ID:        id,
		Retailer:  req.Retailer,
		ItemRef:   req.ItemRef,
		Quantity:  req.Quantity,
		MaxPrice:  req.MaxPrice,
		Mode:      req.Mode,
		Priority:  req.Priority,
		CreatedAt: now,
	}

	if err := o.sched.Enqueue(t); err != nil {
		return nil, err
	}
	if err := o.store.SaveTask(ctx, t); err != nil {
		o.log.Error("task persist failed", "task_id", t.ID, "error", err)
	}

	o.metrics.TaskSubmitted(ctx, t.Retailer)
	o.log.Info("task submitted",
		"task_id", t.ID,
		"retailer", t.Retailer,
		"item_ref", t.ItemRef,
		"mode", t.Mode,
		"priority", t.Priority)
	o.kick()
	return t, nil
}

// Cancel stops a task. A queued task is removed immediately; a running task
// is signalled and winds down cooperatively at the next stage boundary.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if t := o.sched.CancelQueued(taskID); t != nil {
		ended := o.now()
		t.CompletedAt = &ended
		if err := o.store.SaveTask(ctx, t); err != nil {
			o.log.Error("task persist failed", "task_id", t.ID, "error", err)
		}
		o.notify.TaskCancelled(ctx, t)
		o.log.Info("queued task cancelled", "task_id", taskID)
		return nil
	}

	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	if ok {
		o.cancelled[taskID] = true
	}
	o.mu.Unlock()
	if ok {
		cancel()
		o.log.Info("running task cancellation requested", "task_id", taskID)
		return nil
	}
	return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
}

// Status returns the persisted state of a task.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*task.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// Tasks returns all known tasks, newest first.
func (o *Orchestrator) Tasks(ctx context.Context) ([]task.Task, error) {
	return o.store.ListTasks(ctx)
}

// Events returns the stage transition trail for a task.
func (o *Orchestrator) Events(ctx context.Context, taskID string) ([]run.Event, error) {
	return o.store.LoadEvents(ctx, taskID)
}

// Run drives the admission loop until ctx is cancelled, then waits for
// in-flight runs to wind down.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.admit(ctx)
		select {
		case <-ctx.Done():
			o.wg.Wait()
			o.log.Info("orchestrator stopped")
			return
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// kick nudges the admission loop without waiting for the next tick.
func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// admit starts every task that is currently eligible. The worker slot is
// claimed before a task is pulled, so a task never leaves the queue without
// a slot to run on.
func (o *Orchestrator) admit(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !o.sem.TryAcquire(1) {
			return
		}
		t := o.sched.NextEligible()
		if t == nil {
			o.sem.Release(1)
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		o.mu.Lock()
		o.cancels[t.ID] = cancel
		o.mu.Unlock()

		o.wg.Add(1)
		go func(t *task.Task) {
			defer o.wg.Done()
			defer func() {
				o.mu.Lock()
				delete(o.cancels, t.ID)
				o.mu.Unlock()
				cancel()
				o.sem.Release(1)
				o.kick()
			}()
			o.runTask(runCtx, t)
		}(t)
	}
}

// runTask binds resources, executes the state machine, and routes the
// outcome. Resources are always released on the way out.
func (o *Orchestrator) runTask(ctx context.Context, t *task.Task) {
	log := o.log.With("task_id", t.ID, "retailer", t.Retailer)
	started := o.now()
	t.StartedAt = &started

	b, err := o.bind(t)
	if err != nil {
		log.Info("no resources available, requeueing", "error", err)
		o.requeue(t, fail.KindNoResource, err, o.cfg.AcquireBackoff)
		return
	}
	t.AccountID = b.Account.ID
	t.ProxyID = b.Proxy.ID

	o.loadSession(ctx, b.Account)

	ad, err := o.adapters(t.Retailer)
	if err != nil {
		o.releaseBinding(b)
		log.Error("no adapter for retailer", "error", err)
		o.finishFailed(t, fail.KindNone, err, true)
		return
	}

	log.Info("run starting", "account_id", b.Account.ID, "proxy_id", b.Proxy.ID, "attempt", t.Attempts+1)
	outcome := o.runner.Execute(logger.WithTaskID(ctx, t.ID), t, b, ad, o.eventSink(t))

	o.saveSession(b.Account)
	o.applyDamage(t, b, outcome.Kind)
	o.releaseBinding(b)

	o.metrics.RunFinished(context.Background(), t.Retailer, outcome.Stage, outcome.Kind)
	o.route(t, outcome, log)
}

// bind leases an account and a proxy, in that order. A held account is
// returned to the pool when no proxy can be leased, so a scarce proxy pool
// never pins accounts.
func (o *Orchestrator) bind(t *task.Task) (resource.Binding, error) {
	crit := pool.Criteria{Scope: t.Retailer}

	account, err := o.accounts.Acquire(t.ID, crit)
	if err != nil {
		return resource.Binding{}, fmt.Errorf("account: %w", err)
	}
	proxy, err := o.proxies.Acquire(t.ID, crit)
	if err != nil {
		if rerr := o.accounts.Release(account.ID); rerr != nil {
			o.log.Error("account release failed", "account_id", account.ID, "error", rerr)
		}
		return resource.Binding{}, fmt.Errorf("proxy: %w", err)
	}
	return resource.Binding{Account: account, Proxy: proxy}, nil
}

func (o *Orchestrator) releaseBinding(b resource.Binding) {
	if err := o.accounts.Release(b.Account.ID); err != nil {
		o.log.Error("account release failed", "account_id", b.Account.ID, "error", err)
	}
	if err := o.proxies.Release(b.Proxy.ID); err != nil {
		o.log.Error("proxy release failed", "proxy_id", b.Proxy.ID, "error", err)
	}
}

// applyDamage charges the outcome against the resources that earned it.
// A locked account or a burned proxy is banned for this retailer only;
// transport-level failures count toward the proxy's cooldown threshold.
func (o *Orchestrator) applyDamage(t *task.Task, b resource.Binding, kind fail.Kind) {
	switch {
	case kind.DamagesAccount():
		o.accounts.MarkBanned(b.Account.ID, t.Retailer, 0)
		o.log.Warn("account banned", "account_id", b.Account.ID, "scope", t.Retailer, "kind", kind)
	case kind.DamagesProxy():
		o.proxies.MarkBanned(b.Proxy.ID, t.Retailer, 0)
		o.log.Warn("proxy banned", "proxy_id", b.Proxy.ID, "scope", t.Retailer, "kind", kind)
	case kind == fail.KindTimeout || kind == fail.KindTransient:
		o.proxies.MarkFailure(b.Proxy.ID, t.Retailer)
	}
}

// route applies the terminal-versus-retry decision for a finished run.
func (o *Orchestrator) route(t *task.Task, outcome run.Outcome, log *slog.Logger) {
	switch {
	case outcome.Succeeded():
		t.OrderRef = outcome.OrderRef
		o.finish(t, task.StatusSucceeded, fail.KindNone, nil)
		log.Info("task succeeded", "order_ref", outcome.OrderRef)
		o.notify.TaskSucceeded(context.Background(), t)

	case outcome.Cancelled:
		o.consumeCancel(t.ID)
		log.Info("task cancelled mid-run")
		o.finishCancelled(t, outcome.Err)

	case outcome.Kind.Retryable():
		delay := o.requeueDelay(t.Attempts)
		log.Info("run failed, requeueing", "kind", outcome.Kind, "delay", delay, "error", outcome.Err)
		o.requeue(t, outcome.Kind, outcome.Err, delay)

	default:
		log.Info("task failed", "kind", outcome.Kind, "error", outcome.Err)
		o.finishFailed(t, outcome.Kind, outcome.Err, outcome.Kind.Fatal())
	}
}

// requeue puts the task back in the queue with a delay, or fails it
// permanently when attempts are exhausted.
func (o *Orchestrator) requeue(t *task.Task, kind fail.Kind, err error, delay time.Duration) {
	// A cancel that landed after the run's last checkpoint must not revive
	// the task through the retry path.
	if o.consumeCancel(t.ID) {
		o.finishCancelled(t, err)
		return
	}

	t.FailKind = kind
	if err != nil {
		t.LastError = err.Error()
	}

	if !o.sched.Requeue(t, delay) {
		// Attempts exhausted: this terminal failure is urgent even when the
		// last kind was itself retryable.
		o.finishFailed(t, kind, err, true)
		return
	}

	o.metrics.TaskRequeued(context.Background(), t.Retailer, kind)
	o.persist(t)
	o.notify.TaskRetrying(context.Background(), t, delay)
	o.kick()
}

func (o *Orchestrator) finishFailed(t *task.Task, kind fail.Kind, err error, urgent bool) {
	o.finish(t, task.StatusFailed, kind, err)
	o.notify.TaskFailed(context.Background(), t, urgent)
}

func (o *Orchestrator) finishCancelled(t *task.Task, err error) {
	o.finish(t, task.StatusCancelled, fail.KindNone, err)
	o.notify.TaskCancelled(context.Background(), t)
}

// consumeCancel reports and clears a pending cancel request for the task.
func (o *Orchestrator) consumeCancel(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled[taskID] {
		delete(o.cancelled, taskID)
		return true
	}
	return false
}

// finish moves the task to a terminal status and persists it. Exactly one
// terminal notification is sent per task, by the caller.
func (o *Orchestrator) finish(t *task.Task, status task.Status, kind fail.Kind, err error) {
	o.sched.Complete(t.ID)
	o.mu.Lock()
	delete(o.cancelled, t.ID)
	o.mu.Unlock()
	t.Status = status
	t.FailKind = kind
	if err != nil {
		t.LastError = err.Error()
	}
	ended := o.now()
	t.CompletedAt = &ended
	t.UpdatedAt = ended
	o.persist(t)
	o.kick()
}

// requeueDelay doubles the base per attempt already spent, capped.
func (o *Orchestrator) requeueDelay(attempts int) time.Duration {
	d := o.cfg.RequeueBackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= o.cfg.RequeueBackoffCap {
			return o.cfg.RequeueBackoffCap
		}
	}
	return d
}

// eventSink persists, publishes, and logs every stage transition of a run.
func (o *Orchestrator) eventSink(t *task.Task) EventSink {
	return func(ev run.Event) {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()

		if err := o.store.AppendEvent(ctx, &ev); err != nil {
			o.log.Error("stage event persist failed", "task_id", ev.TaskID, "error", err)
		}
		if o.events != nil {
			data, err := json.Marshal(ev)
			if err == nil {
				err = o.events.Publish(ctx, "runs."+t.Retailer+"."+ev.TaskID, data)
			}
			if err != nil {
				o.log.Warn("stage event publish failed", "task_id", ev.TaskID, "error", err)
			}
		}
		o.log.Debug("stage transition",
			"task_id", ev.TaskID,
			"run_id", ev.RunID,
			"from", ev.From,
			"to", ev.To,
			"kind", ev.Kind,
			"detail", ev.Detail)
	}
}

// loadSession attaches the persisted session blob for an account, if any.
func (o *Orchestrator) loadSession(ctx context.Context, account *resource.Resource) {
	if o.sessions == nil {
		return
	}
	data, ok, err := o.sessions.Get(ctx, sessionKey(account.ID))
	if err != nil {
		o.log.Warn("session load failed", "account_id", account.ID, "error", err)
		return
	}
	if ok {
		account.Session = data
	}
}

// saveSession writes the account's session blob back after a run so the next
// run on this account can skip a full login.
func (o *Orchestrator) saveSession(account *resource.Resource) {
	if o.sessions == nil || len(account.Session) == 0 {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := o.sessions.Set(ctx, sessionKey(account.ID), account.Session, 0); err != nil {
		o.log.Warn("session save failed", "account_id", account.ID, "error", err)
	}
}

func sessionKey(accountID string) string { return "sessions." + accountID }

func (o *Orchestrator) persist(t *task.Task) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := o.store.SaveTask(ctx, t); err != nil {
		o.log.Error("task persist failed", "task_id", t.ID, "error", err)
	}
}

// PoolHealth exposes both pools' health snapshots for the API surface.
func (o *Orchestrator) PoolHealth() (accounts, proxies pool.Snapshot) {
	return o.accounts.HealthSnapshot(), o.proxies.HealthSnapshot()
}
