// Package sem implements counting semaphores with FIFO waiter queues and
// a shared expiration tree for timed signals (spec §4.8), grounded on
// original_source/kernel/process.cc's clock_info/semaphore bookkeeping
// but deliberately reordering the waiter queue to FIFO: the original pops
// waiting_tasks.back() (LIFO), which conflicts with the fairness property
// this kernel must guarantee (no waiter starves behind later arrivals).
package sem

import (
	"fmt"

	"github.com/wayhoww/wwos/avl"
)

// TaskID identifies a blocked task; owned and interpreted by proc.
type TaskID uint64

// Semaphore is a counting semaphore with a FIFO wait queue.
type Semaphore struct {
	id      uint64
	count   int64
	waiters []TaskID
}

func (s *Semaphore) ID() uint64 { return s.id }

// clockEntry orders pending timed-signal expirations by time, then by
// semaphore id to keep the AVL tree's strict ordering total.
type clockEntry struct {
	expiration uint64
	semaphore  uint64
}

func (c clockEntry) Less(o clockEntry) bool {
	if c.expiration != o.expiration {
		return c.expiration < o.expiration
	}
	return c.semaphore < o.semaphore
}

// Table owns every live semaphore plus the shared timer-expiration tree
// (spec §4.8), which is drained on timer ticks only (see DrainExpired).
type Table struct {
	next  uint64
	sems  map[uint64]*Semaphore
	clock avl.Tree[clockEntry]
}

func NewTable() *Table {
	return &Table{sems: map[uint64]*Semaphore{}}
}

// Create allocates a fresh semaphore with the given initial count.
func (t *Table) Create(initial int64) uint64 {
	t.next++
	id := t.next
	t.sems[id] = &Semaphore{id: id, count: initial}
	return id
}

func (t *Table) get(id uint64) (*Semaphore, error) {
	s, ok := t.sems[id]
	if !ok {
		return nil, fmt.Errorf("sem: unknown semaphore %d", id)
	}
	return s, nil
}

// Wait decrements the semaphore's count. If the count would go negative,
// the caller is appended to the FIFO waiter queue and Wait returns
// blocked=true; the scheduler must not re-run that task until Signal
// wakes it.
func (t *Table) Wait(id uint64, self TaskID) (blocked bool, err error) {
	s, err := t.get(id)
	if err != nil {
		return false, err
	}
	s.count--
	if s.count < 0 {
		s.waiters = append(s.waiters, self)
		return true, nil
	}
	return false, nil
}

// Signal increments the semaphore's count and, if anyone is waiting,
// wakes the longest-waiting task (FIFO) and returns its id.
func (t *Table) Signal(id uint64) (woken TaskID, ok bool, err error) {
	s, err := t.get(id)
	if err != nil {
		return 0, false, err
	}
	s.count++
	if len(s.waiters) == 0 {
		return 0, false, nil
	}
	woken = s.waiters[0]
	s.waiters = s.waiters[1:]
	return woken, true, nil
}

// SignalAfter schedules a Signal to occur once physicalTime reaches
// deadline; DrainExpired delivers it once that time has passed.
func (t *Table) SignalAfter(id uint64, deadline uint64) error {
	if _, err := t.get(id); err != nil {
		return err
	}
	t.clock.Insert(clockEntry{expiration: deadline, semaphore: id})
	return nil
}

// DrainExpired signals every semaphore whose deadline is <= now, returning
// the tasks woken by doing so. Called on each timer tick (trap's timer
// handler and kstate.Tick); other reschedules, such as an exit or a
// blocking SEM_WAIT, do not drain the tree.
func (t *Table) DrainExpired(now uint64) []TaskID {
	var woken []TaskID
	for !t.clock.Empty() {
		node := t.clock.Smallest()
		if node.Data.expiration > now {
			break
		}
		t.clock.Remove(node)
		if w, did, err := t.Signal(node.Data.semaphore); err == nil && did {
			woken = append(woken, w)
		}
	}
	return woken
}

// Destroy removes a semaphore, refusing while any task still waits on
// it (spec §4.8: "refuses if the waiter list is non-empty"). found
// reports whether id named a live semaphore at all; waiters is
// non-empty only on refusal, left untouched so the caller can retry.
func (t *Table) Destroy(id uint64) (waiters []TaskID, found bool) {
	s, ok := t.sems[id]
	if !ok {
		return nil, false
	}
	if len(s.waiters) > 0 {
		return s.waiters, true
	}
	delete(t.sems, id)
	return nil, true
}
