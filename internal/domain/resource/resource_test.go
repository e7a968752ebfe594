package resource

import (
	"testing"
	"time"
)

func TestBannedForScoped(t *testing.T) {
	now := time.Now()
	r := &Resource{ID: "p1", Type: TypeProxy}

	r.Ban("shopline", time.Hour, now)

	if !r.BannedFor("shopline", now) {
		t.Error("expected ban for shopline scope")
	}
	if r.BannedFor("kickmart", now) {
		t.Error("ban must not leak to other scopes")
	}
	if !r.BannedFor("shopline", now.Add(30*time.Minute)) {
		t.Error("ban should still hold before expiry")
	}
	if r.BannedFor("shopline", now.Add(2*time.Hour)) {
		t.Error("ban should lapse after expiry")
	}
}

func TestBanForever(t *testing.T) {
	now := time.Now()
	r := &Resource{ID: "a1", Type: TypeAccount}
	r.Ban("shopline", 0, now)

	if !r.BannedFor("shopline", now.Add(1000*time.Hour)) {
		t.Error("zero-duration ban must never expire")
	}
}

func TestScopeAllBan(t *testing.T) {
	now := time.Now()
	r := &Resource{ID: "p1", Type: TypeProxy}
	r.Ban(ScopeAll, time.Hour, now)

	if !r.BannedFor("anything", now) {
		t.Error("wildcard ban must cover every scope")
	}
}

func TestExpireBansRestoresState(t *testing.T) {
	now := time.Now()
	r := &Resource{ID: "p1", Type: TypeProxy, State: StateActive}
	r.Ban("shopline", time.Minute, now)

	if r.State != StateBanned {
		t.Fatalf("expected banned, got %s", r.State)
	}

	r.ExpireBans(now.Add(2 * time.Minute))
	if r.State != StateActive {
		t.Errorf("expected active after ban expiry, got %s", r.State)
	}
	if len(r.Bans) != 0 {
		t.Errorf("expected bans pruned, got %v", r.Bans)
	}
}

func TestExpireBansHonorsPendingCooldown(t *testing.T) {
	now := time.Now()
	r := &Resource{ID: "p1", Type: TypeProxy, State: StateActive, CooldownUntil: now.Add(time.Hour)}
	r.Ban("shopline", time.Minute, now)

	r.ExpireBans(now.Add(2 * time.Minute))
	if r.State != StateCooldown {
		t.Errorf("expected cooldown after ban expiry with pending cooldown, got %s", r.State)
	}
}
