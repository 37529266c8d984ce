package rpcsession

import (
	"fmt"

	"fragrpc/internal/timer"
	"fragrpc/internal/utils"
)

// Session is the contract a session table needs to sweep and reuse
// slots: Expire attempts to evict the session, returning true if it
// was idle long enough and had nothing in flight (spec §4.6/§4.7).
type Session interface {
	Expire(now timer.Tick) bool
}

// Table is the bounded, indexable pool of session slots with
// free-list reuse described in spec §4.8. Slots are addressed by
// their table index, which doubles as the wire-visible session hint.
type Table[T Session] struct {
	slots       []T
	freeList    []uint32
	maxSessions int
	sweepBatch  int
	sweepCursor int
	newSession  func(id uint32) T
}

// NewTable constructs an empty table. newSession builds a fresh,
// unopened session for a newly-grown slot index. sweepBatch bounds
// how many slots Expire examines per call, amortizing the sweep cost
// instead of scanning every session on every poll.
func NewTable[T Session](maxSessions, sweepBatch int, newSession func(id uint32) T) *Table[T] {
	return &Table[T]{maxSessions: maxSessions, sweepBatch: sweepBatch, newSession: newSession}
}

// Get returns the next free slot, reusing one from the free list if
// available or growing the table (up to maxSessions) otherwise.
func (t *Table[T]) Get() (T, error) {
	var zero T
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		return t.slots[idx], nil
	}
	if len(t.slots) >= t.maxSessions {
		return zero, utils.NewTransportError(utils.ErrSessionLimitExceeded,
			fmt.Sprintf("session table exhausted at %d slots", t.maxSessions), nil)
	}
	idx := uint32(len(t.slots))
	s := t.newSession(idx)
	t.slots = append(t.slots, s)
	return s, nil
}

// At returns the session at idx, or the zero value and false if idx
// is out of bounds. Callers still must verify the session's token
// before trusting a hint-based lookup (spec §3 invariant 1).
func (t *Table[T]) At(idx uint32) (T, bool) {
	var zero T
	if int(idx) >= len(t.slots) {
		return zero, false
	}
	return t.slots[idx], true
}

// Len returns the number of slots the table has grown to (occupied or
// free), not the number of active sessions.
func (t *Table[T]) Len() int { return len(t.slots) }

// Expire sweeps a bounded batch of slots starting where the last
// sweep left off, calling each one's Expire and returning freed slots
// to the free list (spec §4.8's amortized expire()).
func (t *Table[T]) Expire(now timer.Tick) {
	n := len(t.slots)
	if n == 0 {
		return
	}
	batch := t.sweepBatch
	if batch <= 0 || batch > n {
		batch = n
	}
	for i := 0; i < batch; i++ {
		idx := t.sweepCursor
		t.sweepCursor = (t.sweepCursor + 1) % n
		if t.slots[idx].Expire(now) {
			t.freeList = append(t.freeList, uint32(idx))
		}
	}
}
