package core

import (
	"container/list"
	"sync"

	"BondLedger/internal/ledger"
)

// OpDeduper implements two-tier operation deduplication: a hot in-memory LRU
// over composite "op_type:op_id" keys, backed by a cold Postgres lookup
// against the op log. Operations run concurrently across disjoint aggregates,
// so duplicate detection must be atomic with the apply: a dispatch RESERVES
// its key up front, then either commits the reservation into the LRU after a
// successful apply or releases it on failure. A second delivery of a key that
// is still reserved fails with ErrConflict, which ingestion nak's for
// redelivery; by the time it comes back the first copy has either committed
// (now a duplicate) or released (now appliable).
type OpDeduper struct {
	mu        sync.Mutex
	lru       *opLRU
	pending   map[string]struct{}
	dbChecker DBOpChecker
}

// DBOpChecker is the cold-tier lookup, satisfied by the Postgres op log.
type DBOpChecker interface {
	IsDuplicate(opType string, opID string) (bool, error)
}

func NewOpDeduper(capacity int, dbChecker DBOpChecker) *OpDeduper {
	return &OpDeduper{
		lru:       newOpLRU(capacity),
		pending:   make(map[string]struct{}),
		dbChecker: dbChecker,
	}
}

// Reserve atomically claims the key for one dispatch. It reports
// duplicate=true when the operation was already applied, and ErrConflict when
// another in-flight dispatch holds the reservation. On (false, nil) the
// caller owns the key and must finish with Commit or Release.
//
// A cold-tier error is swallowed conservatively (assume not duplicate) so a
// database outage cannot stall ingestion; the op log's unique index is the
// backstop.
func (d *OpDeduper) Reserve(opType, opID string) (duplicate bool, err error) {
	key := opType + ":" + opID

	d.mu.Lock()
	if d.lru.contains(key) {
		d.mu.Unlock()
		return true, nil
	}
	if _, inflight := d.pending[key]; inflight {
		d.mu.Unlock()
		return false, ledger.ErrConflict
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	if d.dbChecker == nil {
		return false, nil
	}
	isDup, err := d.dbChecker.IsDuplicate(opType, opID)
	if err != nil {
		return false, nil
	}
	if isDup {
		d.mu.Lock()
		delete(d.pending, key)
		d.lru.add(key)
		d.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// Commit promotes a reservation into the hot tier after a successful apply.
func (d *OpDeduper) Commit(opType, opID string) {
	key := opType + ":" + opID
	d.mu.Lock()
	delete(d.pending, key)
	d.lru.add(key)
	d.mu.Unlock()
}

// Release abandons a reservation after a failed apply so a later redelivery
// of the same op id can be applied.
func (d *OpDeduper) Release(opType, opID string) {
	d.mu.Lock()
	delete(d.pending, opType+":"+opID)
	d.mu.Unlock()
}

// Warm preloads composite keys recovered from the op log at startup, so
// recently applied operations dedup without a cold-tier round trip.
func (d *OpDeduper) Warm(keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range keys {
		d.lru.add(key)
	}
}

// Size returns the hot-tier entry count.
func (d *OpDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.list.Len()
}

type opLRU struct {
	capacity int
	cache    map[string]*list.Element
	list     *list.List
}

func newOpLRU(capacity int) *opLRU {
	return &opLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		list:     list.New(),
	}
}

func (l *opLRU) contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.list.MoveToFront(elem)
	}
	return ok
}

func (l *opLRU) add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.list.MoveToFront(elem)
		return
	}
	l.cache[key] = l.list.PushFront(key)
	if l.list.Len() > l.capacity {
		oldest := l.list.Back()
		l.list.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
	}
}
