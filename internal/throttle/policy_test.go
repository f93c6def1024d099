package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tekscripts/bypassgate/internal/config"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPolicyStep(t *testing.T) {
	p := DefaultPolicy()

	t.Run("first request starts a window", func(t *testing.T) {
		rec, dec, dirty := p.Step(Record{}, t0)
		assert.True(t, dirty)
		assert.False(t, dec.Blocked)
		assert.Equal(t, int64(1), rec.RequestCount)
		assert.Equal(t, t0, rec.LastRequest)
		assert.True(t, rec.BlockedUntil.IsZero())
	})

	t.Run("blocked record is left untouched", func(t *testing.T) {
		in := Record{RequestCount: 0, LastRequest: t0, BlockedUntil: t0.Add(10 * time.Minute)}
		out, dec, dirty := p.Step(in, t0.Add(30*time.Second))
		assert.False(t, dirty)
		assert.Equal(t, in, out)
		assert.Equal(t, Decision{Blocked: true, MinutesRemaining: 10}, dec)
	})

	t.Run("expired block is cleared", func(t *testing.T) {
		in := Record{LastRequest: t0, BlockedUntil: t0.Add(10 * time.Minute)}
		out, dec, _ := p.Step(in, t0.Add(10*time.Minute))
		assert.False(t, dec.Blocked)
		assert.True(t, out.BlockedUntil.IsZero())
		assert.Equal(t, int64(1), out.RequestCount)
	})

	t.Run("eleventh request in a window starts a block", func(t *testing.T) {
		in := Record{RequestCount: 10, LastRequest: t0}
		out, dec, _ := p.Step(in, t0.Add(time.Second))
		assert.False(t, dec.Blocked)
		assert.True(t, dec.BlockStarted)
		assert.Equal(t, int64(0), out.RequestCount)
		assert.Equal(t, t0.Add(time.Second+10*time.Minute), out.BlockedUntil)
	})

	t.Run("gap of exactly one window resets the count", func(t *testing.T) {
		in := Record{RequestCount: 10, LastRequest: t0}
		out, dec, _ := p.Step(in, t0.Add(60*time.Second))
		assert.False(t, dec.BlockStarted)
		assert.Equal(t, int64(1), out.RequestCount)
	})
}

func TestBlockedForRoundsUp(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      int64
	}{
		{time.Millisecond, 1},
		{30 * time.Second, 1},
		{time.Minute, 1},
		{time.Minute + time.Second, 2},
		{9*time.Minute + 59*time.Second, 10},
		{10 * time.Minute, 10},
	}
	for _, tt := range tests {
		t.Run(tt.remaining.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, blockedFor(tt.remaining).MinutesRemaining)
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.ThrottleConfig{
		Enabled:       true,
		Threshold:     3,
		Window:        "30s",
		BlockDuration: "2m",
	})
	assert.Equal(t, Policy{Enabled: true, Threshold: 3, Window: 30 * time.Second, Block: 2 * time.Minute}, p)

	def := PolicyFromConfig(config.ThrottleConfig{Enabled: true})
	assert.Equal(t, DefaultPolicy(), def)
}
