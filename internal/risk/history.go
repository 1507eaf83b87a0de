package risk

import (
	"context"
	"sync"
	"time"
)

// HistorySource is an in-process SignalSource that learns each account's
// familiar devices and network origins from successful logins. It answers
// from memory, so its lookups never hit the shared timeout in practice; a
// remote reputation service would implement SignalSource the same way.
type HistorySource struct {
	mu       sync.RWMutex
	profiles map[string]*profile

	// Off-hours bounds in the server's local time. An attempt outside
	// [DayStart, DayEnd) counts as off-hours.
	DayStart int
	DayEnd   int
}

type profile struct {
	devices map[string]struct{}
	origins map[string]struct{}
	// successive failures observed between successes feed the behavioral
	// anomaly flag
	recentFailures int
	lastSeen       time.Time
}

// NewHistorySource returns a source with the default 06:00–22:00 day window.
func NewHistorySource() *HistorySource {
	return &HistorySource{
		profiles: make(map[string]*profile),
		DayStart: 6,
		DayEnd:   22,
	}
}

func (h *HistorySource) profileFor(accountID string) *profile {
	p, ok := h.profiles[accountID]
	if !ok {
		p = &profile{
			devices: make(map[string]struct{}),
			origins: make(map[string]struct{}),
		}
		h.profiles[accountID] = p
	}
	return p
}

// ObserveSuccess records the device and origin of a successful login so
// future attempts from the same context score as familiar.
func (h *HistorySource) ObserveSuccess(accountID, device, origin string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.profileFor(accountID)
	if device != "" {
		p.devices[device] = struct{}{}
	}
	if origin != "" {
		p.origins[origin] = struct{}{}
	}
	p.recentFailures = 0
	p.lastSeen = at
}

// ObserveFailure feeds the behavioral-anomaly signal.
func (h *HistorySource) ObserveFailure(accountID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.profileFor(accountID)
	p.recentFailures++
	p.lastSeen = at
}

// GeoUnfamiliar reports whether the network origin has never produced a
// successful login for the account. A first-ever login counts as familiar
// so fresh accounts are not forced through step-up.
func (h *HistorySource) GeoUnfamiliar(_ context.Context, probe Probe) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.profiles[probe.AccountID]
	if !ok || len(p.origins) == 0 {
		return false, nil
	}
	_, known := p.origins[probe.NetworkOrigin]
	return !known, nil
}

// DeviceUnfamiliar mirrors GeoUnfamiliar for the device fingerprint.
func (h *HistorySource) DeviceUnfamiliar(_ context.Context, probe Probe) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.profiles[probe.AccountID]
	if !ok || len(p.devices) == 0 {
		return false, nil
	}
	_, known := p.devices[probe.DeviceFingerprint]
	return !known, nil
}

// OffHours reports whether the attempt falls outside the configured day
// window.
func (h *HistorySource) OffHours(_ context.Context, probe Probe) (bool, error) {
	hour := probe.At.Hour()
	return hour < h.DayStart || hour >= h.DayEnd, nil
}

// BehavioralAnomaly flags accounts with a burst of recent failures.
func (h *HistorySource) BehavioralAnomaly(_ context.Context, probe Probe) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.profiles[probe.AccountID]
	if !ok {
		return false, nil
	}
	return p.recentFailures >= 3, nil
}
