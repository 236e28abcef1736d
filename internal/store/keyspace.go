// Package store implements the typed, expiring keyspace described in
// spec.md §3/§4.3-4.5: strings, lists, and sorted sets sharing one
// namespace, each key created on first write and destroyed by removal,
// emptying, expiry, or overwrite.
package store

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"
)

// WaiterHandoff lets the blocking-pop registry intercept a push before its
// reply is observable, satisfying the handoff invariant in spec §3/§4.4:
// "the oldest waiter receives one element before that element is visible
// to any concurrent reader". Keyspace calls Deliver once per push, still
// holding its write lock; Deliver calls pop itself (reusing the keyspace's
// own pop-front logic) only if it actually has a waiter to hand the
// element to.
type WaiterHandoff interface {
	Deliver(key string, pop func() ([]byte, bool)) (delivered bool)
}

// Keyspace is the shared, mutex-protected map from key to typed value. A
// single coarse RWMutex is used throughout, which spec §5/§9 explicitly
// permits at this scale ("a single coarse lock is acceptable").
type Keyspace struct {
	mu      sync.RWMutex
	data    map[string]*entry
	clock   Clock
	handoff WaiterHandoff
}

// New returns an empty keyspace using the system clock.
func New() *Keyspace {
	return &Keyspace{data: make(map[string]*entry), clock: SystemClock}
}

// NewWithClock returns an empty keyspace using the given clock, for tests
// that need to control expiry deterministically.
func NewWithClock(c Clock) *Keyspace {
	return &Keyspace{data: make(map[string]*entry), clock: c}
}

// SetWaiterHandoff installs the blocking-pop registry's handoff callback.
// Must be called once during wiring, before any push commands arrive.
func (k *Keyspace) SetWaiterHandoff(h WaiterHandoff) { k.handoff = h }

// isExpiredLocked reports whether e has passed its deadline. Caller must
// hold at least a read lock, but removal of an expired key requires
// upgrading to a write lock (handled by callers via expireIfNeeded).
func (k *Keyspace) isExpiredLocked(e *entry) bool {
	return e.hasExp && !e.expireAt.After(k.clock.Now())
}

// expireIfNeeded performs lazy eviction under a write lock: if the entry at
// key is present and expired, it is removed and (nil, false) is returned.
func (k *Keyspace) expireIfNeeded(key string) (*entry, bool) {
	e, ok := k.data[key]
	if !ok {
		return nil, false
	}
	if k.isExpiredLocked(e) {
		delete(k.data, key)
		return nil, false
	}
	return e, true
}

// ErrWrongType is returned when a command expects a different value kind
// than the one stored at key.
type ErrWrongType struct {
	Key  string
	Have ValueKind
	Want ValueKind
}

func (e *ErrWrongType) Error() string {
	return fmt.Sprintf("WRONGTYPE key %q holds a %s, not a %s", e.Key, e.Have, e.Want)
}

// --- strings ---------------------------------------------------------------

// Set unconditionally stores value at key, overwriting any prior value
// (including a different kind). pxMillis > 0 sets an absolute expiry
// pxMillis milliseconds from now; pxMillis == 0 means no expiry.
func (k *Keyspace) Set(key string, value []byte, pxMillis int64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e := &entry{kind: KindString, str: append([]byte(nil), value...)}
	if pxMillis > 0 {
		e.hasExp = true
		e.expireAt = k.clock.Now().Add(time.Duration(pxMillis) * time.Millisecond)
	}
	k.data[key] = e
}

// Get returns the string at key, or (nil, false) if absent, expired, or of
// a different kind.
func (k *Keyspace) Get(key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.expireIfNeeded(key)
	if !ok {
		return nil, false, nil
	}
	if e.kind != KindString {
		return nil, false, &ErrWrongType{Key: key, Have: e.kind, Want: KindString}
	}
	return e.str, true, nil
}

// Incr parses the string at key as a signed 64-bit integer (absent key
// treated as 0), increments it, stores the result, and returns the new
// value. An unparseable or overflowing value is an error and leaves the
// key unmodified.
func (k *Keyspace) Incr(key string) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.expireIfNeeded(key)
	var cur int64
	if ok {
		if e.kind != KindString {
			return 0, &ErrWrongType{Key: key, Have: e.kind, Want: KindString}
		}
		n, err := strconv.ParseInt(string(e.str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value is not an integer or out of range")
		}
		cur = n
	}
	if cur == math.MaxInt64 {
		return 0, fmt.Errorf("value is not an integer or out of range")
	}
	next := cur + 1
	if ok {
		e.str = []byte(strconv.FormatInt(next, 10))
	} else {
		k.data[key] = &entry{kind: KindString, str: []byte(strconv.FormatInt(next, 10))}
	}
	return next, nil
}

// --- meta --------------------------------------------------------------

// Type returns the ValueKind stored at key, or ok=false if absent/expired.
func (k *Keyspace) Type(key string) (ValueKind, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.expireIfNeeded(key)
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// Keys returns every live (non-expired) key. Expired keys encountered
// during the scan are evicted, matching the lazy-eviction invariant.
func (k *Keyspace) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.data))
	for key, e := range k.data {
		if k.isExpiredLocked(e) {
			delete(k.data, key)
			continue
		}
		out = append(out, key)
	}
	return out
}

// DBSize returns the number of live keys, evicting expired ones along the
// way.
func (k *Keyspace) DBSize() int {
	return len(k.Keys())
}

// FlushAll removes every key.
func (k *Keyspace) FlushAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data = make(map[string]*entry)
}

// Delete removes key unconditionally. Returns true if it was present.
func (k *Keyspace) Delete(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.data[key]
	delete(k.data, key)
	return ok
}

// --- lists -------------------------------------------------------------

func (k *Keyspace) listEntryLocked(key string, createIfAbsent bool) (*entry, error) {
	e, ok := k.expireIfNeeded(key)
	if !ok {
		if !createIfAbsent {
			return nil, nil
		}
		e = &entry{kind: KindList, list: NewDeque()}
		k.data[key] = e
		return e, nil
	}
	if e.kind != KindList {
		return nil, &ErrWrongType{Key: key, Have: e.kind, Want: KindList}
	}
	return e, nil
}

// push appends (back=true) or prepends (back=false) vals to the list at
// key, then — per spec §4.4's handoff invariant — gives the installed
// WaiterHandoff first refusal on the newly visible element(s) before
// returning, all under the same write lock so no reader can observe the
// handed-off element in the list.
func (k *Keyspace) push(key string, vals [][]byte, back bool) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.listEntryLocked(key, true)
	if err != nil {
		return 0, err
	}
	for _, v := range vals {
		cp := append([]byte(nil), v...)
		if back {
			e.list.PushBack(cp)
		} else {
			e.list.PushFront(cp)
		}
	}

	if k.handoff != nil {
		k.handoff.Deliver(key, func() ([]byte, bool) {
			v, ok := e.list.PopFront()
			if e.list.Len() == 0 {
				delete(k.data, key)
			}
			return v, ok
		})
	}

	if cur, ok := k.data[key]; ok {
		return cur.list.Len(), nil
	}
	return 0, nil
}

// RPush appends one or more elements and returns the new length.
func (k *Keyspace) RPush(key string, vals [][]byte) (int, error) { return k.push(key, vals, true) }

// LPush prepends one or more elements and returns the new length.
func (k *Keyspace) LPush(key string, vals [][]byte) (int, error) { return k.push(key, vals, false) }

// LRange returns elements in inclusive index range [start, end] with
// negative-index and clamping semantics shared with ZRANGE (spec §4.4).
func (k *Keyspace) LRange(key string, start, end int64) ([][]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.listEntryLocked(key, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	s, en, ok := clampRange(start, end, int64(e.list.Len()))
	if !ok {
		return nil, nil
	}
	return e.list.Slice(int(s), int(en)), nil
}

// LLen returns the list length, or 0 if the key is absent.
func (k *Keyspace) LLen(key string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.listEntryLocked(key, false)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}
	return e.list.Len(), nil
}

// LPop removes up to count elements (or exactly one, if hasCount is false)
// from the front. With hasCount false: returns (nil element, false) if
// absent/empty, one element otherwise. With hasCount true: returns up to
// count elements, or (nil, false) if the key is absent or already empty —
// an empty list is deleted, so LPop never observes a zero-length list
// directly.
func (k *Keyspace) LPop(key string, count int, hasCount bool) ([][]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.listEntryLocked(key, false)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}

	n := 1
	if hasCount {
		n = count
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		v, ok := e.list.PopFront()
		if !ok {
			break
		}
		out = append(out, v)
	}
	if e.list.Len() == 0 {
		delete(k.data, key)
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return out, true, nil
}

// --- sorted sets ---------------------------------------------------------

func (k *Keyspace) zsetEntryLocked(key string, createIfAbsent bool) (*entry, error) {
	e, ok := k.expireIfNeeded(key)
	if !ok {
		if !createIfAbsent {
			return nil, nil
		}
		e = &entry{kind: KindSortedSet, zset: NewSortedSet()}
		k.data[key] = e
		return e, nil
	}
	if e.kind != KindSortedSet {
		return nil, &ErrWrongType{Key: key, Have: e.kind, Want: KindSortedSet}
	}
	return e, nil
}

// ZAdd inserts or updates member with score s. Returns 1 if member is new,
// 0 otherwise (updated or unchanged); ok is false if s is NaN/infinite.
func (k *Keyspace) ZAdd(key string, s float64, member string) (added int, ok bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.zsetEntryLocked(key, true)
	if err != nil {
		return 0, false, err
	}
	isNew, valid := e.zset.Add(member, s)
	if !valid {
		return 0, false, nil
	}
	if isNew {
		return 1, true, nil
	}
	return 0, true, nil
}

// ZRank returns member's 0-based rank, or ok=false if the key or member is
// absent.
func (k *Keyspace) ZRank(key, member string) (int, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.zsetEntryLocked(key, false)
	if err != nil {
		return 0, false, err
	}
	if e == nil {
		return 0, false, nil
	}
	r := e.zset.Rank(member)
	if r < 0 {
		return 0, false, nil
	}
	return r, true, nil
}

// ZRange returns members in rank order over inclusive range [start, end].
func (k *Keyspace) ZRange(key string, start, end int64) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.zsetEntryLocked(key, false)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	return e.zset.Range(start, end), nil
}

// ZCard returns the cardinality, 0 if absent.
func (k *Keyspace) ZCard(key string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.zsetEntryLocked(key, false)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, nil
	}
	return e.zset.Len(), nil
}

// ZScore returns member's score, or ok=false if absent.
func (k *Keyspace) ZScore(key, member string) (float64, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.zsetEntryLocked(key, false)
	if err != nil {
		return 0, false, err
	}
	if e == nil {
		return 0, false, nil
	}
	s, ok := e.zset.Score(member)
	return s, ok, nil
}

// ZRem removes member. Returns true if it was present; deletes the key if
// the set becomes empty.
func (k *Keyspace) ZRem(key, member string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.zsetEntryLocked(key, false)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	removed := e.zset.Remove(member)
	if e.zset.Len() == 0 {
		delete(k.data, key)
	}
	return removed, nil
}

// WithZSet runs fn with read access to the sorted set at key, for the
// geospatial commands layered on top (they need the raw score to
// encode/decode geohash cells). Returns ok=false if absent.
func (k *Keyspace) WithZSet(key string, fn func(z *SortedSet)) (ok bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.zsetEntryLocked(key, false)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	fn(e.zset)
	return true, nil
}

