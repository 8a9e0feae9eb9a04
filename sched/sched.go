// Package sched implements the preemptive, weighted-fair single-CPU
// scheduler (spec §4.6), ported from original_source/kernel/scheduler.h
// and scheduler.cc: an AVL tree of ready tasks ordered by vruntime, with
// the executing task accounted for and reinserted on every reschedule.
package sched

import "github.com/wayhoww/wwos/avl"

// TaskID identifies a schedulable task; proc owns the real Task value.
type TaskID uint64

// Entry is one task's scheduling state, tracked entirely by this
// package. proc looks tasks up by id through the scheduler rather than
// holding vruntime itself.
type Entry struct {
	ID       TaskID
	Priority uint32
	VRuntime uint64
}

func (e Entry) Less(o Entry) bool {
	if e.VRuntime != o.VRuntime {
		return e.VRuntime < o.VRuntime
	}
	return e.ID < o.ID
}

// Scheduler holds the ready-set tree and tracks which task, if any, is
// currently executing.
type Scheduler struct {
	ready avl.Tree[Entry]
	nodes map[TaskID]*avl.Node[Entry]

	executing      *Entry
	physicalTime   uint64
	physicalStart  uint64
}

func New() *Scheduler {
	return &Scheduler{nodes: map[TaskID]*avl.Node[Entry]{}}
}

// Tick advances the scheduler's notion of the current physical time;
// trap's timer handler and kstate.Tick call this before Schedule.
func (s *Scheduler) Tick(now uint64) {
	s.physicalTime = now
}

func priorityOrOne(p uint32) uint64 {
	if p == 0 {
		return 1
	}
	return uint64(p)
}

// Add inserts a new task into the ready set, giving it a vruntime just
// behind the current minimum so it runs soon without starving anyone
// already waiting -- matching scheduler::add_task's
// max(active_tasks.smallest()->data->vruntime, 1) - 1 rule, falling back
// to the executing task's vruntime (spec §4.6: "if ready is empty and
// something is executing, the new task still receives
// executing.vruntime - 1") when the ready set has nothing to compare
// against. If nothing is currently executing either, scheduling happens
// immediately.
func (s *Scheduler) Add(id TaskID, priority uint32) {
	var base uint64
	switch {
	case !s.ready.Empty():
		base = s.ready.Smallest().Data.VRuntime
	case s.executing != nil:
		base = s.executing.VRuntime
	}
	if base < 1 {
		base = 1
	}
	vr := base - 1

	e := Entry{ID: id, Priority: priority, VRuntime: vr}
	s.nodes[id] = s.ready.Insert(e)

	if s.executing == nil {
		s.Schedule()
	}
}

// Remove takes a task out of scheduling entirely (exit). If it was
// executing, the CPU is immediately rescheduled.
func (s *Scheduler) Remove(id TaskID) {
	if s.executing != nil && s.executing.ID == id {
		s.executing = nil
		s.Schedule()
		return
	}
	if node, ok := s.nodes[id]; ok {
		s.ready.Remove(node)
		delete(s.nodes, id)
	}
}

// Replace substitutes the executing task's identity in place (exec),
// preserving its accumulated vruntime and physical-time accounting so an
// exec'd task does not get a fresh fairness credit.
func (s *Scheduler) Replace(newID TaskID, priority uint32) {
	if s.executing == nil {
		panic("sched: replace with no executing task")
	}
	s.executing.ID = newID
	s.executing.Priority = priority
}

// Executing reports the currently-running task, if any.
func (s *Scheduler) Executing() (TaskID, bool) {
	if s.executing == nil {
		return 0, false
	}
	return s.executing.ID, true
}

// Schedule accounts the outgoing task's elapsed share of physical time,
// reinserts it into the ready set, and pops the new minimum-vruntime task
// to run, per scheduler::schedule(). Panics if nothing is runnable --
// callers must guarantee at least one task is
// always ready, matching the original's "no task to schedule" invariant.
func (s *Scheduler) Schedule() TaskID {
	if s.executing != nil {
		elapsed := s.physicalTime - s.physicalStart
		share := elapsed / priorityOrOne(s.executing.Priority)
		if share < 1 {
			share = 1
		}
		s.executing.VRuntime += share
		s.nodes[s.executing.ID] = s.ready.Insert(*s.executing)
		s.executing = nil
	}

	if s.ready.Empty() {
		panic("sched: no task to schedule")
	}

	node := s.ready.Smallest()
	next := node.Data
	s.ready.Remove(node)
	delete(s.nodes, next.ID)

	s.executing = &next
	s.physicalStart = s.physicalTime
	return next.ID
}

// Priority reports a live task's current priority, for SET_PRIORITY and
// TSTAT.
func (s *Scheduler) Priority(id TaskID) (uint32, bool) {
	if s.executing != nil && s.executing.ID == id {
		return s.executing.Priority, true
	}
	if node, ok := s.nodes[id]; ok {
		return node.Data.Priority, true
	}
	return 0, false
}

// SetPriority updates a live task's priority in place.
func (s *Scheduler) SetPriority(id TaskID, priority uint32) bool {
	if s.executing != nil && s.executing.ID == id {
		s.executing.Priority = priority
		return true
	}
	if node, ok := s.nodes[id]; ok {
		e := node.Data
		s.ready.Remove(node)
		delete(s.nodes, id)
		e.Priority = priority
		s.nodes[id] = s.ready.Insert(e)
		return true
	}
	return false
}
