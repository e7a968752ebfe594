// Package pool implements the exclusive-lease resource pool shared by
// accounts and proxies. A resource is owned by the pool except while checked
// out to exactly one task run; all mutation goes through a single critical
// section so concurrent acquires can never double-lease.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/marcospaulo/makeitrain/internal/config"
	"github.com/marcospaulo/makeitrain/internal/domain"
	"github.com/marcospaulo/makeitrain/internal/domain/resource"
)

// Criteria filters eligible resources for an acquire call.
type Criteria struct {
	Scope string // retailer scope; used for ban checks, required
	Geo   string // optional geographic tag; empty matches any
}

// entry wraps a resource with pool-side lease and failure bookkeeping.
type entry struct {
	res      *resource.Resource
	leased   bool
	leasedBy string
	lastUsed time.Time
	// failTimes is the sliding window of recent failure timestamps.
	failTimes []time.Time
}

// Pool hands out at most one exclusive lease per resource and tracks health.
type Pool struct {
	mu      sync.Mutex
	typ     resource.Type
	cfg     config.Pool
	entries map[string]*entry
	now     func() time.Time // for testing
}

// New creates a pool over the given resources.
func New(typ resource.Type, cfg config.Pool, resources []*resource.Resource) *Pool {
	p := &Pool{
		typ:     typ,
		cfg:     cfg,
		entries: make(map[string]*entry, len(resources)),
		now:     time.Now,
	}
	for _, r := range resources {
		if r.State == "" {
			r.State = resource.StateActive
		}
		p.entries[r.ID] = &entry{res: r}
	}
	return p
}

// Acquire returns one active, non-leased resource matching the criteria and
// marks it leased to taskID. Selection prefers the lowest recent failure
// count, tie-broken by least-recently-used. Cooldown and ban expiry are
// evaluated lazily here, against the current time, so a just-expired
// cooldown is immediately usable.
func (p *Pool) Acquire(taskID string, c Criteria) (*resource.Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *entry
	for _, e := range p.entries {
		if e.leased {
			continue
		}
		p.expire(e, now)
		if now.Before(e.res.CooldownUntil) {
			continue
		}
		// A ban is scope-limited: a resource banned for one retailer may
		// still serve another.
		if e.res.BannedFor(c.Scope, now) {
			continue
		}
		if c.Geo != "" && e.res.Geo != "" && e.res.Geo != c.Geo {
			continue
		}
		if best == nil || p.better(e, best) {
			best = e
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%s pool (scope %s): %w", p.typ, c.Scope, domain.ErrNoResourceAvailable)
	}

	best.leased = true
	best.leasedBy = taskID
	best.lastUsed = now
	return best.res, nil
}

// better reports whether a should be selected over b.
func (p *Pool) better(a, b *entry) bool {
	if len(a.failTimes) != len(b.failTimes) {
		return len(a.failTimes) < len(b.failTimes)
	}
	return a.lastUsed.Before(b.lastUsed)
}

// Release clears the lease; the resource becomes eligible again immediately
// unless a failure or ban was recorded during the lease.
// Releasing a resource that is not leased returns domain.ErrNotLeased.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("%s pool: %s: %w", p.typ, id, domain.ErrNotFound)
	}
	if !e.leased {
		return fmt.Errorf("%s pool: %s: %w", p.typ, id, domain.ErrNotLeased)
	}
	e.leased = false
	e.leasedBy = ""
	e.lastUsed = p.now()
	return nil
}

// MarkFailure records one failure against the resource. When the count within
// the sliding failure window crosses the configured threshold the resource
// enters cooldown; the cooldown duration doubles per consecutive trip, capped.
func (p *Pool) MarkFailure(id, scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	now := p.now()
	e.failTimes = append(e.failTimes, now)
	p.pruneFailures(e, now)

	if len(e.failTimes) >= p.cfg.FailureThreshold {
		d := p.backoff(e.res.Streak)
		e.res.Streak++
		e.res.CooldownUntil = now.Add(d)
		if e.res.State == resource.StateActive {
			e.res.State = resource.StateCooldown
		}
		e.failTimes = e.failTimes[:0]
	}
	_ = scope // failures are resource-global; only bans are scope-limited
}

// MarkBanned forces a ban on the resource for the given retailer scope.
// A non-positive duration bans forever. The resource may remain usable for
// other scopes.
func (p *Pool) MarkBanned(id, scope string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	e.res.Ban(scope, d, p.now())
}

// backoff returns the cooldown for the given consecutive-trip streak:
// base doubled per trip, capped at the configured ceiling.
func (p *Pool) backoff(streak int) time.Duration {
	d := p.cfg.CooldownBase
	for range streak {
		d *= 2
		if d >= p.cfg.CooldownCap {
			return p.cfg.CooldownCap
		}
	}
	if p.cfg.CooldownCap > 0 && d > p.cfg.CooldownCap {
		d = p.cfg.CooldownCap
	}
	return d
}

// expire applies lazy cooldown/ban expiry. Must be called with p.mu held.
func (p *Pool) expire(e *entry, now time.Time) {
	e.res.ExpireBans(now)
	p.pruneFailures(e, now)
	if e.res.State == resource.StateCooldown && !now.Before(e.res.CooldownUntil) {
		e.res.State = resource.StateActive
		// A quiet window since the last trip resets the backoff streak.
		if len(e.failTimes) == 0 {
			e.res.Streak = 0
		}
	}
}

// pruneFailures drops failure timestamps older than the sliding window.
// Must be called with p.mu held.
func (p *Pool) pruneFailures(e *entry, now time.Time) {
	if p.cfg.FailureWindow <= 0 {
		return
	}
	cutoff := now.Add(-p.cfg.FailureWindow)
	i := 0
	for i < len(e.failTimes) && e.failTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.failTimes = e.failTimes[i:]
	}
}

// ResourceHealth is the per-resource view in a Snapshot.
type ResourceHealth struct {
	ID             string         `json:"id"`
	State          resource.State `json:"state"`
	Leased         bool           `json:"leased"`
	RecentFailures int            `json:"recent_failures"`
	CooldownUntil  time.Time      `json:"cooldown_until,omitempty"`
	BannedScopes   []string       `json:"banned_scopes,omitempty"`
}

// Snapshot is a read-only health view of the pool.
type Snapshot struct {
	Type      resource.Type    `json:"type"`
	Total     int              `json:"total"`
	Active    int              `json:"active"`
	Leased    int              `json:"leased"`
	Cooldown  int              `json:"cooldown"`
	Banned    int              `json:"banned"`
	Resources []ResourceHealth `json:"resources"`
}

// HealthSnapshot returns counts by status and per-resource detail.
// Expiry is applied so the snapshot reflects the current time.
func (p *Pool) HealthSnapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	snap := Snapshot{Type: p.typ, Total: len(p.entries)}
	for _, e := range p.entries {
		p.expire(e, now)

		h := ResourceHealth{
			ID:             e.res.ID,
			State:          e.res.State,
			Leased:         e.leased,
			RecentFailures: len(e.failTimes),
		}
		if e.res.State == resource.StateCooldown {
			h.CooldownUntil = e.res.CooldownUntil
		}
		for scope := range e.res.Bans {
			h.BannedScopes = append(h.BannedScopes, scope)
		}
		snap.Resources = append(snap.Resources, h)

		if e.leased {
			snap.Leased++
		}
		switch e.res.State {
		case resource.StateActive:
			snap.Active++
		case resource.StateCooldown:
			snap.Cooldown++
		case resource.StateBanned:
			snap.Banned++
		}
	}
	return snap
}

// Len returns the number of resources in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
