// Package proc implements process/task lifecycle: creation, fork, exec,
// exit, on-demand stack growth, and heap page allocation (spec §4.7),
// ported from original_source/kernel/process.cc's create_process,
// replace_current_task, on_data_abort, and kallocate_page.
package proc

import (
	"fmt"

	"github.com/wayhoww/wwos/arch"
	"github.com/wayhoww/wwos/mem"
	"github.com/wayhoww/wwos/ns"
	"github.com/wayhoww/wwos/sched"
	"github.com/wayhoww/wwos/sem"
	"github.com/wayhoww/wwos/vm"
	"github.com/wayhoww/wwos/wpath"
)

// MaxHandles bounds a task's open-handle table (spec §7's
// "handle table full (implementation-defined cap)").
const MaxHandles = 256

// Userspace layout constants (spec §4.2/§4.7). A real port would derive
// these from a linker script; this simulation fixes them as plain
// constants since there is no linker in the loop.
const (
	PageSize = mem.PageSize

	USERSPACE_TEXT         = uint64(0x0000_0000_0020_0000)
	USERSPACE_STACK_BOTTOM = uint64(0x0000_0002_0000_0000)
	USERSPACE_STACK_TOP    = uint64(0x0000_0002_4000_0000)
	USERSPACE_HEAP         = uint64(0x0000_0004_0000_0000)
	USERSPACE_HEAP_END     = uint64(0x0000_0020_0000_0000)

	// KernelStackPages is KERNEL_STACK_SIZE (spec §3/§4.7, 1 MiB) in
	// 4 KiB frames.
	KernelStackPages = 256
)

// Task is one schedulable process: its identity, address space, open
// handles, and the bookkeeping the scheduler and syscall dispatcher need
// (spec §3's Task record).
type Task struct {
	ID       uint64
	ParentID uint64
	Priority uint32

	AS          *vm.AddressSpace
	KernelStack []mem.PhysAddr

	Handles    map[uint64]*ns.Handle
	nextHandle uint64

	userBreak uint64 // highest heap byte allocated via kallocate_page

	// Frame is the saved trap context, committed by trap on every entry
	// and consulted/restored by trap on exit (spec §3's "saved CPU
	// state").
	Frame arch.Frame

	// HasReturnValue and ReturnValue implement spec §3's "pending-return-
	// value flag and value": the syscall handler sets these instead of
	// returning directly, and trap's exit path loads x0 from ReturnValue
	// only if HasReturnValue is set.
	HasReturnValue bool
	ReturnValue    uint64

	Zombie bool
}

// SetReturn records v as the value this task should see in x0 the next
// time it resumes, per spec §7's "handler ... sets the task's
// has_return_value and return_value and returns."
func (t *Task) SetReturn(v uint64) {
	t.HasReturnValue = true
	t.ReturnValue = v
}

// Subsystem owns every live task plus the shared scheduler, semaphore
// table, namespace, and physical resources they're built from -- the
// single KernelState-adjacent object proc exposes to trap.
type Subsystem struct {
	Sched  *sched.Scheduler
	Sems   *sem.Table
	NS     *ns.Namespace
	Frames *mem.FrameAllocator
	Phys   *vm.PhysicalMemory

	tasks      map[uint64]*Task
	terminated map[uint64]bool
	nextPID    uint64

	// pendingStackFree holds kernel stacks belonging to exited tasks,
	// released one reschedule later (spec §4.7: "destruction of kernel
	// stack is deferred until after the next schedule()", since the
	// exiting task's own kernel stack is still in use up through the
	// context switch away from it).
	pendingStackFree [][]mem.PhysAddr
}

func NewSubsystem(frames *mem.FrameAllocator, phys *vm.PhysicalMemory, namespace *ns.Namespace) *Subsystem {
	return &Subsystem{
		Sched:      sched.New(),
		Sems:       sem.NewTable(),
		NS:         namespace,
		Frames:     frames,
		Phys:       phys,
		tasks:      map[uint64]*Task{},
		terminated: map[uint64]bool{},
	}
}

// ReapStacks frees kernel stacks deferred by a prior Exit. The trap loop
// calls this once immediately after every Scheduler.Schedule() call, so a
// stack is only ever freed after the exiting task has definitely stopped
// running on it.
func (s *Subsystem) ReapStacks() {
	for _, frames := range s.pendingStackFree {
		for _, pa := range frames {
			s.Frames.Free(pa)
		}
	}
	s.pendingStackFree = nil
}

// CheckPointerValidity rejects any user pointer/size pair that reaches
// into or past the kernel's high half, including the overflow case where
// va+size wraps -- ported from check_pointer_validity.
func CheckPointerValidity(va, size uint64) bool {
	if va >= vm.KABegin {
		return false
	}
	end := va + size
	if end < va { // overflow
		return false
	}
	if end >= vm.KABegin {
		return false
	}
	return true
}

// allocKernelStack reserves one contiguous KERNEL_STACK_SIZE (1 MiB)
// run of frames, per spec §4.7's "allocate a kernel stack
// (KERNEL_STACK_SIZE = 1 MiB, contiguous frames)".
func (s *Subsystem) allocKernelStack(as *vm.AddressSpace) []mem.PhysAddr {
	base, ok := s.Frames.Alloc(KernelStackPages)
	if !ok {
		panic("proc: out of frames allocating kernel stack")
	}
	frames := make([]mem.PhysAddr, KernelStackPages)
	for i := range frames {
		frames[i] = base + mem.PhysAddr(i*PageSize)
	}
	return frames
}

// loadProgram copies a flat binary image into the task's address space
// page by page starting at USERSPACE_TEXT, mirroring load_program's
// page-at-a-time mapping loop.
func (s *Subsystem) loadProgram(as *vm.AddressSpace, image []byte) {
	for off := 0; off < len(image); off += PageSize {
		pa, ok := s.Frames.Alloc(1)
		if !ok {
			panic("proc: out of frames loading program")
		}
		frame := s.Phys.Frame(pa)
		n := copy(frame, image[off:])
		for i := n; i < PageSize; i++ {
			frame[i] = 0
		}
		as.Map(USERSPACE_TEXT+uint64(off), pa)
	}
}

func (s *Subsystem) mapInitialStack(as *vm.AddressSpace) {
	pa, ok := s.Frames.Alloc(1)
	if !ok {
		panic("proc: out of frames mapping initial stack page")
	}
	as.Map(USERSPACE_STACK_TOP-PageSize, pa)
}

// Create builds a fresh task running the binary at path, with priority
// inherited from its parent (or 1000 if there is none), and adds it to the
// scheduler (spec §4.7's create_process, non-exec path).
func (s *Subsystem) Create(path wpath.Path, parent *Task) (*Task, error) {
	h, err := s.NS.Open(path, ns.ModeRead, 0)
	if err != nil {
		return nil, fmt.Errorf("proc: open %q: %w", path.String(), err)
	}
	size, err := s.NS.Size(h)
	if err != nil {
		return nil, err
	}
	image := make([]byte, size)
	if _, err := s.NS.Read(h, image); err != nil {
		return nil, err
	}

	as := vm.NewAddressSpace(vm.User, s.Frames, s.Phys)
	s.loadProgram(as, image)
	s.mapInitialStack(as)

	s.nextPID++
	pid := s.nextPID

	priority := uint32(1000) // spec §3's default priority
	var parentID uint64
	if parent != nil {
		priority = parent.Priority
		parentID = parent.ID
	}

	t := &Task{
		ID:          pid,
		ParentID:    parentID,
		Priority:    priority,
		AS:          as,
		KernelStack: s.allocKernelStack(as),
		Handles:     map[uint64]*ns.Handle{},
	}
	s.tasks[pid] = t
	s.NS.EnsureProcessFifos(pid)

	s.Sched.Add(sched.TaskID(pid), priority)
	return t, nil
}

// deepCopyAddressSpace builds a fresh user address space whose every
// mapped page is a distinct physical copy of parent's, per spec §4.7
// fork: "deep-copy the parent's address space page-by-page". There is no
// real MMU here, so "via temporary kernel mappings" collapses to a direct
// byte copy between two frames in the simulated physical memory.
func (s *Subsystem) deepCopyAddressSpace(parent *vm.AddressSpace) *vm.AddressSpace {
	child := vm.NewAddressSpace(vm.User, s.Frames, s.Phys)
	for _, m := range parent.Enumerate() {
		pa, ok := s.Frames.Alloc(1)
		if !ok {
			panic("proc: out of frames deep-copying address space")
		}
		copy(s.Phys.Frame(pa), s.Phys.Frame(m.PA))
		child.Map(m.VA, pa)
	}
	return child
}

// Fork creates a child task that is a deep copy of parent: same program
// text and stack contents in freshly-copied frames, the same open handles
// (each SharedNode gains the child pid everywhere it already held the
// parent's), and a fresh pid inserted into the scheduler at the parent's
// priority. Per spec §4.7/testable property 7, the parent's pending
// return value becomes the child's pid and the child's becomes 0; the
// caller (trap) is responsible for writing those into the right Task.
func (s *Subsystem) Fork(parent *Task) (*Task, error) {
	as := s.deepCopyAddressSpace(parent.AS)

	s.nextPID++
	pid := s.nextPID

	child := &Task{
		ID:          pid,
		ParentID:    parent.ID,
		Priority:    parent.Priority,
		AS:          as,
		KernelStack: s.allocKernelStack(as),
		Handles:     map[uint64]*ns.Handle{},
		userBreak:   parent.userBreak,
	}

	for fd, h := range parent.Handles {
		child.Handles[fd] = &ns.Handle{Shared: h.Shared, Mode: h.Mode, Offset: h.Offset}
		s.NS.AddSharer(h.Shared, h.Mode, pid)
	}
	child.nextHandle = parent.nextHandle

	s.tasks[pid] = child
	s.NS.EnsureProcessFifos(pid)

	s.Sched.Add(sched.TaskID(pid), child.Priority)
	return child, nil
}

// Exec replaces current's program image in place: a fresh address space
// and loaded binary, but the same pid, same scheduling slot (vruntime
// preserved via Scheduler.Replace), and no fresh fifo initialization --
// only Create's first-time path does that (spec §5's supplemented
// replace_task behavior).
func (s *Subsystem) Exec(current *Task, path wpath.Path) error {
	h, err := s.NS.Open(path, ns.ModeRead, current.ID)
	if err != nil {
		return fmt.Errorf("proc: open %q: %w", path.String(), err)
	}
	size, err := s.NS.Size(h)
	if err != nil {
		return err
	}
	image := make([]byte, size)
	if _, err := s.NS.Read(h, image); err != nil {
		return err
	}

	old := current.AS
	as := vm.NewAddressSpace(vm.User, s.Frames, s.Phys)
	s.loadProgram(as, image)
	s.mapInitialStack(as)
	old.Drop()

	current.AS = as
	current.Handles = map[uint64]*ns.Handle{}
	current.nextHandle = 0
	current.userBreak = 0

	s.Sched.Replace(sched.TaskID(current.ID), current.Priority)
	return nil
}

// Exit tears a task out of the scheduler and releases its address space.
// Its open handles are closed by the caller (trap), which knows the pid
// to charge fifo-close accounting against. The kernel stack is not freed
// here: it is still in use by the exiting task's own call frames until
// the context switch away from it completes (see ReapStacks).
func (s *Subsystem) Exit(t *Task) {
	s.Sched.Remove(sched.TaskID(t.ID))
	t.AS.Drop()
	t.Zombie = true
	s.terminated[t.ID] = true
	s.pendingStackFree = append(s.pendingStackFree, t.KernelStack)
	delete(s.tasks, t.ID)
}

// Task looks up a live task by pid.
func (s *Subsystem) Task(pid uint64) (*Task, bool) {
	t, ok := s.tasks[pid]
	return t, ok
}

// Status is a TSTAT result (spec §4.9's TASK_STAT / TSTAT syscall).
type Status int

const (
	StatusInvalid Status = iota
	StatusRunning
	StatusTerminated
)

// TaskStatus reports whether pid is currently live, has exited
// (terminated, a zombie still remembered for this query), or was never a
// valid pid this Subsystem assigned.
func (s *Subsystem) TaskStatus(pid uint64) Status {
	if _, ok := s.tasks[pid]; ok {
		return StatusRunning
	}
	if s.terminated[pid] {
		return StatusTerminated
	}
	return StatusInvalid
}

// OnDataAbort grows the user stack on demand when the faulting address
// falls within the stack's reserved range, matching on_data_abort's
// stack-growth branch; any other address is a fatal fault the caller
// must handle by killing the task.
func (s *Subsystem) OnDataAbort(t *Task, addr uint64) bool {
	if addr < USERSPACE_STACK_BOTTOM || addr >= USERSPACE_STACK_TOP {
		return false
	}
	page := addr &^ (uint64(PageSize) - 1)
	if _, ok := t.AS.Translate(page); ok {
		return false
	}
	pa, ok := s.Frames.Alloc(1)
	if !ok {
		return false
	}
	zero(s.Phys.Frame(pa))
	t.AS.Map(page, pa)
	return true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// KallocatePage services an ALLOC syscall: maps one fresh page at va in
// the task's heap range, rejecting unaligned addresses, addresses
// outside [USERSPACE_HEAP, USERSPACE_HEAP_END), and already-mapped
// addresses, per kallocate_page.
func (s *Subsystem) KallocatePage(t *Task, va uint64) error {
	if va%PageSize != 0 {
		return fmt.Errorf("proc: unaligned heap address %#x", va)
	}
	if va < USERSPACE_HEAP || va >= USERSPACE_HEAP_END {
		return fmt.Errorf("proc: heap address %#x out of range", va)
	}
	if _, ok := t.AS.Translate(va); ok {
		return fmt.Errorf("proc: heap address %#x already mapped", va)
	}
	pa, ok := s.Frames.Alloc(1)
	if !ok {
		return fmt.Errorf("proc: out of frames")
	}
	zero(s.Phys.Frame(pa))
	t.AS.Map(va, pa)
	if va+PageSize > t.userBreak {
		t.userBreak = va + PageSize
	}
	return nil
}

// NewHandle installs h in t's fd table under a fresh id, as fd-table
// bookkeeping for FD_OPEN/FD_CREATE (spec §4.9). Ids start at 0 so a
// fresh task's first two opens -- stdin then stdout, per spec §6 --
// land on handles 0 and 1. ok is false if the table is already at
// MaxHandles (spec §7's resource-exhaustion class).
func (t *Task) NewHandle(h *ns.Handle) (id uint64, ok bool) {
	if len(t.Handles) >= MaxHandles {
		return 0, false
	}
	id = t.nextHandle
	t.nextHandle++
	t.Handles[id] = h
	return id, true
}
