// Package throttle tracks per-client request activity and blocks clients
// that burst past a threshold within a rolling window.
package throttle

import (
	"time"

	"github.com/tekscripts/bypassgate/internal/config"
)

// Policy is the burst throttling policy.
type Policy struct {
	Enabled   bool
	Threshold int64
	Window    time.Duration
	Block     time.Duration
}

// DefaultPolicy returns 10 requests per 60s window and a 10 minute block.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:   true,
		Threshold: 10,
		Window:    60 * time.Second,
		Block:     10 * time.Minute,
	}
}

// PolicyFromConfig builds a Policy, falling back to the defaults for
// unparseable durations. Config validation rejects those before we get here.
func PolicyFromConfig(cfg config.ThrottleConfig) Policy {
	def := DefaultPolicy()
	p := Policy{
		Enabled:   cfg.Enabled,
		Threshold: cfg.Threshold,
		Window:    config.MustParseDuration(cfg.Window, def.Window),
		Block:     config.MustParseDuration(cfg.BlockDuration, def.Block),
	}
	if p.Threshold <= 0 {
		p.Threshold = def.Threshold
	}
	return p
}

// Record is the activity state kept per client identifier. A zero
// BlockedUntil means no block is set.
type Record struct {
	RequestCount int64
	LastRequest  time.Time
	BlockedUntil time.Time
}

// Decision is the outcome of one gate check. Blocked is not an error.
type Decision struct {
	Blocked          bool
	MinutesRemaining int64

	// BlockStarted is set on the admitted request that triggered a new block.
	BlockStarted bool
}

// blockedFor builds the Blocked decision for the given remaining block time,
// rounding minutes up.
func blockedFor(remaining time.Duration) Decision {
	mins := int64(remaining / time.Minute)
	if remaining%time.Minute != 0 {
		mins++
	}
	return Decision{Blocked: true, MinutesRemaining: mins}
}

// Step applies one observation at now to rec. It returns the updated record,
// the decision and whether the record must be persisted. A blocked client's
// record is never mutated.
//
// The request that crosses the threshold is itself admitted; the block
// applies from the next request on.
func (p Policy) Step(rec Record, now time.Time) (Record, Decision, bool) {
	if rec.BlockedUntil.After(now) {
		return rec, blockedFor(rec.BlockedUntil.Sub(now)), false
	}
	rec.BlockedUntil = time.Time{}

	if rec.LastRequest.IsZero() || now.Sub(rec.LastRequest) >= p.Window {
		rec.RequestCount = 1
	} else {
		rec.RequestCount++
	}

	var dec Decision
	if rec.RequestCount > p.Threshold {
		rec.BlockedUntil = now.Add(p.Block)
		rec.RequestCount = 0
		dec.BlockStarted = true
	}
	rec.LastRequest = now

	return rec, dec, true
}

// retention is how long a record still matters after now. Past it, the
// record is equivalent to an absent one.
func (p Policy) retention(rec Record, now time.Time) time.Duration {
	ttl := p.Window
	if d := rec.BlockedUntil.Sub(now); d > ttl {
		ttl = d
	}
	return ttl + time.Minute
}
