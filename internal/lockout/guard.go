package lockout

import (
	"sync"
	"time"

	"github.com/FilipeAphrody/aegis/internal/config"
)

// Status reports the lock state of an identifier.
type Status struct {
	Locked     bool
	RetryAfter time.Duration
	Attempts   int
}

// Guard tracks failed attempts per identifier inside a sliding window and
// enforces a temporary lock once the threshold is reached.
//
// Each identifier gets its own record with its own mutex, so unrelated
// identifiers never contend. The increment-compare-lock sequence for one
// identifier happens under that record's mutex: concurrent failures can
// never let more than Threshold attempts pass before the lock engages.
type Guard struct {
	cfg     config.Lockout
	now     func() time.Time
	records sync.Map // identifier -> *record
}

type record struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

// NewGuard builds a guard with the given thresholds.
func NewGuard(cfg config.Lockout) *Guard {
	return &Guard{cfg: cfg, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func (g *Guard) get(identifier string) *record {
	if v, ok := g.records.Load(identifier); ok {
		return v.(*record)
	}
	v, _ := g.records.LoadOrStore(identifier, &record{})
	return v.(*record)
}

// Check reports whether the identifier is currently locked and, if so, how
// long until the lock elapses. An expired lock or window is treated as a
// clean record.
func (g *Guard) Check(identifier string) Status {
	v, ok := g.records.Load(identifier)
	if !ok {
		return Status{}
	}
	r := v.(*record)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := g.now()
	if !r.lockedUntil.IsZero() {
		if now.Before(r.lockedUntil) {
			return Status{Locked: true, RetryAfter: r.lockedUntil.Sub(now), Attempts: r.count}
		}
		// Lock elapsed: back to ACTIVE with a clean slate.
		r.count = 0
		r.windowStart = time.Time{}
		r.lockedUntil = time.Time{}
		return Status{}
	}
	if !r.windowStart.IsZero() && now.Sub(r.windowStart) > g.cfg.Window {
		r.count = 0
		r.windowStart = time.Time{}
		return Status{}
	}
	return Status{Attempts: r.count}
}

// RecordFailure atomically increments the failure count within the current
// window, restarting the window if it has expired. It returns the resulting
// status and whether this call is the one that engaged the lock.
func (g *Guard) RecordFailure(identifier string) (Status, bool) {
	r := g.get(identifier)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := g.now()
	if !r.lockedUntil.IsZero() {
		if now.Before(r.lockedUntil) {
			return Status{Locked: true, RetryAfter: r.lockedUntil.Sub(now), Attempts: r.count}, false
		}
		r.count = 0
		r.windowStart = time.Time{}
		r.lockedUntil = time.Time{}
	}

	if r.windowStart.IsZero() || now.Sub(r.windowStart) > g.cfg.Window {
		r.count = 1
		r.windowStart = now
	} else {
		r.count++
	}

	if r.count >= g.cfg.Threshold {
		r.lockedUntil = now.Add(g.cfg.LockDuration)
		return Status{Locked: true, RetryAfter: g.cfg.LockDuration, Attempts: r.count}, true
	}
	return Status{Attempts: r.count}, false
}

// RecordSuccess atomically resets the record. It reports whether a lock was
// cleared by the reset so the caller can emit the matching audit event.
func (g *Guard) RecordSuccess(identifier string) bool {
	v, ok := g.records.LoadAndDelete(identifier)
	if !ok {
		return false
	}
	r := v.(*record)
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lockedUntil.IsZero() && g.now().Before(r.lockedUntil)
}

// Sweep drops records whose window and lock have both elapsed so the table
// stays bounded. Called periodically from main.
func (g *Guard) Sweep() {
	now := g.now()
	g.records.Range(func(key, value any) bool {
		r := value.(*record)
		r.mu.Lock()
		stale := (r.lockedUntil.IsZero() || now.After(r.lockedUntil)) &&
			(r.windowStart.IsZero() || now.Sub(r.windowStart) > g.cfg.Window)
		r.mu.Unlock()
		if stale {
			g.records.Delete(key)
		}
		return true
	})
}
