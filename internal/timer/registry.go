// Package timer implements the single intrusive timer list described in
// spec §4.2: one registry per transport, driving fragment retransmits
// and inbound-message inactivity. Timers are edge-triggered — a fired
// callback that wants to run again must re-arm itself.
package timer

import "container/list"

// Tick is an opaque monotonic instant. The transport dispatcher owns
// the only Clock in a running system; everything else only compares
// Ticks it was handed.
type Tick uint64

// Clock produces the current Tick. Production code uses RealClock;
// tests use a FakeClock to drive retransmission scenarios
// deterministically without sleeping.
type Clock interface {
	Now() Tick
}

// Callback is invoked when a timer fires, with the tick it fired at.
type Callback func(now Tick)

// Timer is a single schedulable callback. Its zero value is a valid,
// unarmed timer. A Timer must not be copied after first use.
type Timer struct {
	deadline Tick
	armed    bool
	callback Callback
	elem     *list.Element // this timer's node in the registry list, nil if unarmed
}

// NewTimer constructs an unarmed timer with the given callback.
func NewTimer(cb Callback) *Timer {
	return &Timer{callback: cb}
}

// Registry is the single per-transport timer list. It is not
// goroutine-safe, matching the single-threaded poll-loop model: all
// calls happen from inside Transport.Poll.
type Registry struct {
	timers *list.List
}

// NewRegistry constructs an empty timer registry.
func NewRegistry() *Registry {
	return &Registry{timers: list.New()}
}

// Add schedules t to fire at or after when. Re-adding an already
// armed timer only moves its deadline; it keeps its position for
// iteration purposes (the iteration order is otherwise irrelevant,
// since every due timer fires every pass regardless of order).
func (r *Registry) Add(t *Timer, when Tick) {
	t.deadline = when
	if !t.armed {
		t.armed = true
		t.elem = r.timers.PushBack(t)
	}
}

// Remove cancels t. It is a no-op if t was not armed.
func (r *Registry) Remove(t *Timer) {
	if !t.armed {
		return
	}
	r.timers.Remove(t.elem)
	t.armed = false
	t.elem = nil
}

// FireTimers invokes the callback of every armed timer whose deadline
// is <= now, removing each before invoking it so a callback that
// re-arms itself (or any other timer) during iteration is handled
// correctly: the re-add is a fresh insert that this pass will not
// revisit, and a timer a callback cancels is already unlinked.
func (r *Registry) FireTimers(now Tick) {
	// Snapshot the elements due at entry; callbacks may mutate the list.
	var due []*Timer
	for e := r.timers.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Timer)
		if t.armed && t.deadline != 0 && t.deadline <= now {
			due = append(due, t)
		}
	}
	for _, t := range due {
		if !t.armed || t.deadline > now {
			// Was canceled or re-armed to a later deadline by an
			// earlier callback in this same pass.
			continue
		}
		r.Remove(t)
		t.callback(now)
	}
}

// Len reports how many timers are currently armed.
func (r *Registry) Len() int {
	return r.timers.Len()
}
