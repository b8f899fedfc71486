package fsm

import "math"

// Default retry policy values.
const (
	DefaultFloorMs        int64   = 1000
	DefaultCeilingMs      int64   = 60000
	DefaultMultiplier     float64 = 2
	DefaultRefreshAfterMs int64   = 60000
)

// Policy holds the tunable retry parameters.
type Policy struct {
	FloorMs    int64
	CeilingMs  int64
	Multiplier float64
	// RefreshAfterMs is the accumulated retry time after which the next
	// retry refreshes credentials and the location list first.
	RefreshAfterMs int64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		FloorMs:        DefaultFloorMs,
		CeilingMs:      DefaultCeilingMs,
		Multiplier:     DefaultMultiplier,
		RefreshAfterMs: DefaultRefreshAfterMs,
	}
}

// Normalise fills zero or out-of-range fields with defaults.
func (p Policy) Normalise() Policy {
	if p.FloorMs <= 0 {
		p.FloorMs = DefaultFloorMs
	}
	if p.CeilingMs < p.FloorMs {
		p.CeilingMs = p.FloorMs
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.RefreshAfterMs <= 0 {
		p.RefreshAfterMs = DefaultRefreshAfterMs
	}
	return p
}

// InitialContext is the context of a fresh cycle.
func (p Policy) InitialContext() Context {
	return Context{CurrentReconnectionDelayMs: p.FloorMs}
}

// InitialSnapshot is the state of a first-run install.
func (p Policy) InitialSnapshot() Snapshot {
	return Snapshot{State: Idle, Context: p.InitialContext()}
}

// NextDelay grows delay by the multiplier, clamped to [floor, ceiling].
func (p Policy) NextDelay(delayMs int64) int64 {
	if delayMs < p.FloorMs {
		delayMs = p.FloorMs
	}
	next := float64(delayMs) * p.Multiplier
	if next > float64(p.CeilingMs) || math.IsInf(next, 1) {
		return p.CeilingMs
	}
	return int64(next)
}
