// Package timer implements the min-heap deadline manager corio's reactor
// drives: one-shot and recurring timers, plus "conditional" timers that
// self-cancel at fire time if whatever they'd notify is already gone.
package timer

import (
	"container/heap"
	"sync"
	"time"
	"weak"

	"github.com/joeycumines/corio/corelog"
)

// Callback is invoked when a timer fires, on whatever goroutine drains the
// heap (in corio, the IOManager's reactor iteration — never a coroutine
// switch happens while the heap lock is held, matching the locking
// discipline the rest of the runtime follows).
type Callback func()

// CancelToken is the object a conditional timer's liveness tracks. Callers
// allocate one (new(timer.CancelToken)) and keep it alive for exactly as
// long as whatever the timer would notify is still around; once it's
// collected, AddConditional's callback is dropped instead of invoked.
//
// It deliberately isn't struct{}: a zero-size allocation aliases the
// runtime's shared zerobase rather than a distinct heap object, so
// weak.Make/weak.Pointer.Value can't observe its death. The single byte
// field forces a real, individually collectable allocation.
type CancelToken struct{ _ byte }

// clockRollbackThreshold is how far backwards the monotonic-millisecond
// clock must jump before Manager treats it as a wall-clock step rather than
// ordinary scheduling jitter.
const clockRollbackThreshold = time.Hour

// entry is one heap element. Entries are ordered by (deadline, seq) so that
// timers sharing a deadline fire in insertion order (spec: "Timer FIFO
// within deadline").
type entry struct {
	deadline time.Time
	seq      uint64
	period   time.Duration // 0 == one-shot
	cb       Callback
	hasCond  bool
	cond     weak.Pointer[CancelToken] // only meaningful when hasCond
	canceled bool
	index    int // heap index, maintained by container/heap callbacks
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Timer is an opaque handle to a scheduled entry, usable with Cancel and
// Reset.
type Timer struct {
	mgr *Manager
	e   *entry
}

// Manager is a min-heap timer wheel keyed by absolute monotonic deadline.
// The zero value is not usable; construct with New.
type Manager struct {
	mu      sync.RWMutex
	heap    entryHeap
	seq     uint64
	lastNow time.Time

	// OnInsertedAtFront, when set, is invoked (outside the lock) whenever an
	// insert/reset makes a new entry the earliest deadline in the heap, so a
	// subclass (IOManager) can shorten an in-progress epoll wait.
	OnInsertedAtFront func()
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{}
}

// now returns the current monotonic time and updates the rollback-detection
// high-water mark, flushing the heap if the clock stepped backwards by more
// than clockRollbackThreshold.
func (m *Manager) now() time.Time {
	n := time.Now()
	m.mu.Lock()
	rolledBack := !m.lastNow.IsZero() && m.lastNow.Sub(n) > clockRollbackThreshold
	var deltaMs int64
	if rolledBack {
		deltaMs = m.lastNow.Sub(n).Milliseconds()
	}
	if n.After(m.lastNow) {
		m.lastNow = n
	}
	if rolledBack {
		for _, e := range m.heap {
			e.deadline = n
		}
	}
	m.mu.Unlock()
	if rolledBack {
		corelog.ClockRollback(deltaMs)
	}
	return n
}

// Add schedules cb to run after ms milliseconds. recurring=true reschedules
// it every ms milliseconds until Cancel is called.
func (m *Manager) Add(ms int64, cb Callback, recurring bool) *Timer {
	return m.add(ms, cb, recurring, false, weak.Pointer[CancelToken]{})
}

// AddConditional is like Add, but at fire time, if token can no longer be
// upgraded to a live reference (weak.Pointer.Value returns nil), the
// callback is silently dropped instead of invoked. Callers obtain token via
// weak.Make on a CancelToken whose lifetime tracks "the thing this timer
// would notify is still around".
func (m *Manager) AddConditional(ms int64, cb Callback, token weak.Pointer[CancelToken], recurring bool) *Timer {
	return m.add(ms, cb, recurring, true, token)
}

func (m *Manager) add(ms int64, cb Callback, recurring, hasCond bool, token weak.Pointer[CancelToken]) *Timer {
	now := m.now()
	period := time.Duration(0)
	if recurring {
		period = time.Duration(ms) * time.Millisecond
	}
	e := &entry{
		deadline: now.Add(time.Duration(ms) * time.Millisecond),
		cb:       cb,
		period:   period,
		hasCond:  hasCond,
		cond:     token,
	}

	m.mu.Lock()
	e.seq = m.seq
	m.seq++
	wasFront := m.heap.Len() == 0 || e.deadline.Before(m.heap[0].deadline)
	heap.Push(&m.heap, e)
	m.mu.Unlock()

	if wasFront && m.OnInsertedAtFront != nil {
		m.OnInsertedAtFront()
	}
	return &Timer{mgr: m, e: e}
}

// Cancel removes t from the heap (it is a no-op if t already fired or was
// already canceled). The callback is cleared, so ListExpired will not hand
// it out again; a callback that ListExpired has already returned still runs
// if its caller invokes it.
func (t *Timer) Cancel() {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	t.e.canceled = true
	t.e.cb = nil
	if t.e.index >= 0 && t.e.index < m.heap.Len() && m.heap[t.e.index] == t.e {
		heap.Remove(&m.heap, t.e.index)
	}
}

// Reset reschedules t to fire ms milliseconds from now (fromNow=true) or
// from its original deadline (fromNow=false), removing and reinserting it
// so the heap stays ordered.
func (t *Timer) Reset(ms int64, fromNow bool) {
	m := t.mgr
	now := m.now()

	m.mu.Lock()
	if t.e.index >= 0 && t.e.index < m.heap.Len() && m.heap[t.e.index] == t.e {
		heap.Remove(&m.heap, t.e.index)
	}
	base := t.e.deadline
	if fromNow {
		base = now
	}
	t.e.deadline = base.Add(time.Duration(ms) * time.Millisecond)
	t.e.canceled = false
	t.e.seq = m.seq
	m.seq++
	wasFront := m.heap.Len() == 0 || t.e.deadline.Before(m.heap[0].deadline)
	heap.Push(&m.heap, t.e)
	m.mu.Unlock()

	if wasFront && m.OnInsertedAtFront != nil {
		m.OnInsertedAtFront()
	}
}

// NextDeadline returns the heap's earliest deadline and true, or the zero
// time and false if the heap is empty.
func (m *Manager) NextDeadline() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.heap.Len() == 0 {
		return time.Time{}, false
	}
	return m.heap[0].deadline, true
}

// Len reports the number of live (uncanceled) entries in the heap.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heap.Len()
}

// ListExpired drains every entry with deadline <= now, returning their
// callbacks in deadline order. Recurring entries are re-inserted with a
// fresh deadline before their callback is returned, matching spec semantics
// ("re-inserted ... before their callback runs for this tick" — the
// callback is free to Cancel its own (new) timer from inside itself).
func (m *Manager) ListExpired() []Callback {
	now := m.now()

	m.mu.Lock()
	var fired []*entry
	for m.heap.Len() > 0 && !m.heap[0].deadline.After(now) {
		e := heap.Pop(&m.heap).(*entry)
		fired = append(fired, e)
	}
	var cbs []Callback
	for _, e := range fired {
		if e.canceled || e.cb == nil {
			continue
		}
		if e.hasCond && e.cond.Value() == nil {
			// conditional timer whose target is gone: drop silently.
			continue
		}
		cb := e.cb
		if e.period > 0 {
			e.deadline = now.Add(e.period)
			e.seq = m.seq
			m.seq++
			heap.Push(&m.heap, e)
		}
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()
	return cbs
}
