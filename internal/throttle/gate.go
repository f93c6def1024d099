package throttle

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tekscripts/bypassgate/internal/observability"
)

const lockStripes = 256

// Gate decides whether a client may proceed. It never fails: when the
// configured store errors, the decision is made against an in-process
// fallback store instead.
type Gate struct {
	store    ActivityStore
	fallback *MemoryStore
	policy   atomic.Pointer[Policy]
	metrics  *observability.Metrics
	logger   *slog.Logger

	// Serializes Get/Step/Put per key for stores without Apply.
	locks [lockStripes]sync.Mutex
}

// NewGate creates a gate over store. A nil store means in-process only.
func NewGate(store ActivityStore, p Policy, metrics *observability.Metrics, logger *slog.Logger) *Gate {
	g := &Gate{
		metrics: metrics,
		logger:  logger,
	}
	g.policy.Store(&p)

	if ms, ok := store.(*MemoryStore); ok {
		g.fallback = ms
	} else {
		g.fallback = NewMemoryStore(p)
	}
	if store == nil {
		store = g.fallback
	}
	g.store = store
	return g
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy {
	return *g.policy.Load()
}

// SetPolicy swaps the policy. Existing records are kept and judged by the
// new policy from the next request on.
func (g *Gate) SetPolicy(p Policy) {
	g.policy.Store(&p)
	g.fallback.SetPolicy(p)
}

// Store returns the primary activity store.
func (g *Gate) Store() ActivityStore {
	return g.store
}

// CheckAndAdmit records one request from clientID at now and reports whether
// it must be rejected.
func (g *Gate) CheckAndAdmit(ctx context.Context, clientID string, now time.Time) Decision {
	p := g.Policy()
	if !p.Enabled {
		g.metrics.IncAdmitted()
		return Decision{}
	}

	ctx, span := observability.Tracer().Start(ctx, observability.SpanGate)
	defer span.End()

	dec, err := g.apply(ctx, g.store, clientID, now, p)
	if err != nil {
		g.metrics.IncStoreErrors()
		span.RecordError(err)
		g.logger.Warn("activity store failed, using in-process fallback",
			"client_id", clientID, "error", err)
		// The fallback is a MemoryStore and cannot fail.
		dec, _ = g.apply(ctx, g.fallback, clientID, now, p)
	}

	switch {
	case dec.Blocked:
		g.metrics.IncBlocked()
	case dec.BlockStarted:
		g.metrics.IncBlocksStarted()
		g.metrics.IncAdmitted()
		g.logger.Info("client blocked", "client_id", clientID, "block", p.Block.String())
	default:
		g.metrics.IncAdmitted()
	}
	span.SetAttributes(
		observability.AttrBlocked.Bool(dec.Blocked),
		observability.AttrBlockStarted.Bool(dec.BlockStarted),
		observability.AttrMinutesRemaining.Int64(dec.MinutesRemaining),
	)

	return dec
}

func (g *Gate) apply(ctx context.Context, store ActivityStore, key string, now time.Time, p Policy) (Decision, error) {
	if as, ok := store.(AtomicStore); ok {
		return as.Apply(ctx, key, now, p)
	}

	mu := g.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, _, err := store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	next, dec, dirty := p.Step(rec, now)
	if dirty {
		if err := store.Put(ctx, key, next); err != nil {
			return Decision{}, err
		}
	}
	return dec, nil
}

func (g *Gate) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.locks[h.Sum32()%lockStripes]
}

// Close releases the stores.
func (g *Gate) Close() error {
	var err error
	if g.store != ActivityStore(g.fallback) {
		err = g.store.Close()
	}
	_ = g.fallback.Close()
	return err
}
