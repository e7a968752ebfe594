// Package resource defines the shared Resource entity for account and proxy pools.
package resource

import "time"

// Type distinguishes the two pooled resource kinds.
type Type string

const (
	TypeAccount Type = "account"
	TypeProxy   Type = "proxy"
)

// State is the health state of a resource.
type State string

const (
	StateActive   State = "active"
	StateCooldown State = "cooldown"
	StateBanned   State = "banned"
)

// ScopeAll marks a ban that applies to every retailer.
const ScopeAll = "*"

// Resource is an Account or Proxy leased exclusively to one task run at a
// time. Health fields are mutated only through pool operations; the pool
// serializes all access.
type Resource struct {
	ID    string `json:"id"`
	Type  Type   `json:"type"`
	Label string `json:"label,omitempty"`
	Geo   string `json:"geo,omitempty"`

	// Account payload.
	Username   string `json:"username,omitempty"`
	Credential []byte `json:"-"` // AES-GCM sealed, see Seal/Open

	// Proxy payload.
	URL string `json:"url,omitempty"`

	// Session is an opaque cookie/session blob attached at acquire time
	// and written back at release. The core never inspects it.
	Session []byte `json:"-"`

	State         State     `json:"state"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	// Bans maps retailer scope to expiry. A zero expiry means forever.
	Bans   map[string]time.Time `json:"bans,omitempty"`
	Streak int                  `json:"streak"` // consecutive cooldown trips, drives backoff growth
}

// Binding pairs the account and proxy leased to one run. Both are held
// exclusively until the run ends.
type Binding struct {
	Account *Resource
	Proxy   *Resource
}

// BannedFor reports whether the resource is banned for the given retailer
// scope at the given time, honoring ban expiry and ScopeAll bans.
func (r *Resource) BannedFor(scope string, now time.Time) bool {
	if r.Bans == nil {
		return false
	}
	for _, s := range []string{scope, ScopeAll} {
		until, ok := r.Bans[s]
		if !ok {
			continue
		}
		if until.IsZero() || now.Before(until) {
			return true
		}
	}
	return false
}

// Ban records a ban for the given scope. A non-positive duration bans forever.
func (r *Resource) Ban(scope string, d time.Duration, now time.Time) {
	if r.Bans == nil {
		r.Bans = make(map[string]time.Time)
	}
	if d <= 0 {
		r.Bans[scope] = time.Time{}
	} else {
		r.Bans[scope] = now.Add(d)
	}
	r.State = StateBanned
}

// ExpireBans drops elapsed scoped bans and, if none remain and no cooldown is
// pending, returns the resource to the active state.
func (r *Resource) ExpireBans(now time.Time) {
	for scope, until := range r.Bans {
		if !until.IsZero() && !now.Before(until) {
			delete(r.Bans, scope)
		}
	}
	if r.State == StateBanned && len(r.Bans) == 0 {
		if now.Before(r.CooldownUntil) {
			r.State = StateCooldown
		} else {
			r.State = StateActive
		}
	}
}
