package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSchedulesFirstTaskImmediately(t *testing.T) {
	s := New()
	s.Add(1, 1)
	got, ok := s.Executing()
	require.True(t, ok)
	assert.Equal(t, TaskID(1), got)
}

func TestScheduleRotatesOnEqualPriority(t *testing.T) {
	s := New()
	s.Add(1, 1)
	s.Add(2, 1)

	exec, _ := s.Executing()
	assert.Equal(t, TaskID(1), exec)

	s.Tick(100)
	next := s.Schedule()
	assert.Equal(t, TaskID(2), next)

	s.Tick(200)
	next = s.Schedule()
	assert.Equal(t, TaskID(1), next)
}

func TestHigherPriorityAccruesVRuntimeSlower(t *testing.T) {
	s := New()
	s.Add(1, 4) // high priority: divides elapsed time down
	s.Add(2, 1) // low priority: accrues vruntime fast

	s.Tick(40)
	s.Schedule() // task 1 ran for 40 ticks, elapsed/4 = 10 vruntime

	s.Tick(80)
	s.Schedule() // task 2 ran for 40 ticks, elapsed/1 = 40 vruntime

	// task 1 now has the lower vruntime (10 < 40) and should run next.
	s.Tick(80)
	next := s.Schedule()
	assert.Equal(t, TaskID(1), next)
}

func TestRemoveExecutingReschedules(t *testing.T) {
	s := New()
	s.Add(1, 1)
	s.Add(2, 1)

	s.Remove(1)
	got, ok := s.Executing()
	require.True(t, ok)
	assert.Equal(t, TaskID(2), got)
}

func TestReplacePreservesVRuntime(t *testing.T) {
	s := New()
	s.Add(1, 1)
	s.Tick(50)
	before := s.executing.VRuntime

	s.Replace(99, 2)
	got, ok := s.Executing()
	require.True(t, ok)
	assert.Equal(t, TaskID(99), got)
	assert.Equal(t, before, s.executing.VRuntime)

	p, ok := s.Priority(99)
	require.True(t, ok)
	assert.Equal(t, uint32(2), p)
}

func TestScheduleOnEmptyPanics(t *testing.T) {
	s := New()
	assert.Panics(t, func() { s.Schedule() })
}
