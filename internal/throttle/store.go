package throttle

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// ActivityStore persists activity records keyed by client identifier.
type ActivityStore interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
	Close() error
}

// AtomicStore is implemented by stores that evaluate a whole Step
// atomically on their side, so no caller-side locking is needed.
type AtomicStore interface {
	ActivityStore
	Apply(ctx context.Context, key string, now time.Time, p Policy) (Decision, error)
}

// defaultMaxCost is the memory budget for the in-process store (32 MiB).
const defaultMaxCost = 32 << 20

var recordCost = int64(unsafe.Sizeof(Record{}))

// MemoryStore keeps records in process memory. It is not shared between
// instances, so with several replicas each one throttles independently.
//
// Ristretto handles expiry and eviction within a fixed memory budget. Under
// memory pressure a record may be evicted early, which forgets that client's
// recent activity.
type MemoryStore struct {
	cache  *ristretto.Cache[string, Record]
	policy atomic.Pointer[Policy]
}

// NewMemoryStore creates an in-process store. Entries are kept for the
// policy's window or until their block ends, whichever is later.
func NewMemoryStore(p Policy) *MemoryStore {
	estimatedItems := defaultMaxCost / recordCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, Record]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}
	s := &MemoryStore{cache: cache}
	s.policy.Store(&p)
	return s
}

// SetPolicy changes the retention used for records written from now on.
func (s *MemoryStore) SetPolicy(p Policy) {
	s.policy.Store(&p)
}

// Get returns the record for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	rec, ok := s.cache.Get(key)
	return rec, ok, nil
}

// Put stores rec and waits until it is visible to Get.
func (s *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	s.cache.SetWithTTL(key, rec, recordCost, s.policy.Load().retention(rec, rec.LastRequest))
	s.cache.Wait()
	return nil
}

// Close releases the cache. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}
