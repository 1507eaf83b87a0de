package risk

import (
	"context"
	"sync"
	"time"

	"github.com/FilipeAphrody/aegis/internal/config"
)

// Probe carries the contextual facts about one authentication attempt.
type Probe struct {
	AccountID         string
	Identifier        string
	DeviceFingerprint string
	NetworkOrigin     string
	At                time.Time
}

// Signals is the set of risk flags. A set flag contributes its configured
// weight to the composite score.
type Signals struct {
	GeoUnfamiliar     bool
	DeviceUnfamiliar  bool
	OffHours          bool
	BehavioralAnomaly bool
}

// SignalSource answers the four signal lookups. Each lookup must respect
// the context deadline; a lookup that errors or times out is treated as the
// signal being present (fail-safe, not fail-open).
type SignalSource interface {
	GeoUnfamiliar(ctx context.Context, probe Probe) (bool, error)
	DeviceUnfamiliar(ctx context.Context, probe Probe) (bool, error)
	OffHours(ctx context.Context, probe Probe) (bool, error)
	BehavioralAnomaly(ctx context.Context, probe Probe) (bool, error)
}

// Assessment is the outcome of scoring one attempt.
type Assessment struct {
	Score    float64
	Signals  Signals
	StepUp   bool
	Degraded []string // names of signal sources that failed closed
}

// Assessor combines contextual signals into a composite score in [0,1] and
// decides whether step-up verification is required.
type Assessor struct {
	cfg    config.Risk
	source SignalSource
}

// NewAssessor builds an assessor around a signal source.
func NewAssessor(cfg config.Risk, source SignalSource) *Assessor {
	return &Assessor{cfg: cfg, source: source}
}

// Score computes the clamped weighted sum for a fully resolved signal set.
func (a *Assessor) Score(s Signals) float64 {
	score := 0.0
	if s.GeoUnfamiliar {
		score += a.cfg.GeoWeight
	}
	if s.DeviceUnfamiliar {
		score += a.cfg.DeviceWeight
	}
	if s.OffHours {
		score += a.cfg.OffHoursWeight
	}
	if s.BehavioralAnomaly {
		score += a.cfg.BehaviorWeight
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Assess resolves all four signals concurrently under a shared timeout and
// returns the composite assessment. Signal lookups are the only suspension
// points; a lookup that does not answer in time contributes its weight as
// present.
func (a *Assessor) Assess(ctx context.Context, probe Probe) Assessment {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SignalTimeout)
	defer cancel()

	type lookup struct {
		name string
		fn   func(context.Context, Probe) (bool, error)
		flag *bool
	}

	var signals Signals
	lookups := []lookup{
		{"geo", a.source.GeoUnfamiliar, &signals.GeoUnfamiliar},
		{"device", a.source.DeviceUnfamiliar, &signals.DeviceUnfamiliar},
		{"time_of_day", a.source.OffHours, &signals.OffHours},
		{"behavior", a.source.BehavioralAnomaly, &signals.BehavioralAnomaly},
	}

	var (
		mu       sync.Mutex
		degraded []string
		wg       sync.WaitGroup
	)
	for i := range lookups {
		l := lookups[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			present, err := l.fn(ctx, probe)
			if err != nil {
				// Fail-safe: the unavailable signal counts as present.
				present = true
				mu.Lock()
				degraded = append(degraded, l.name)
				mu.Unlock()
			}
			*l.flag = present
		}()
	}
	wg.Wait()

	score := a.Score(signals)
	return Assessment{
		Score:    score,
		Signals:  signals,
		StepUp:   score > a.cfg.StepUpThreshold,
		Degraded: degraded,
	}
}
