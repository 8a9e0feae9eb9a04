// Package kstate wires every kernel subsystem into the one value the
// boot path needs, and performs the fixed initialization order spec §9
// prescribes: "heap -> frame allocator -> kernel translation table ->
// drivers -> file system -> process subsystem -> timer -> logging."
// Grounded on the teacher's own single-entry-point boot convention
// (biscuit's main.go building one `allMach`-style state value), adapted
// to this kernel's own subsystem set.
package kstate

import (
	"context"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/wayhoww/wwos/driverio"
	"github.com/wayhoww/wwos/fs"
	"github.com/wayhoww/wwos/klog"
	"github.com/wayhoww/wwos/mem"
	"github.com/wayhoww/wwos/ns"
	"github.com/wayhoww/wwos/proc"
	"github.com/wayhoww/wwos/sched"
	"github.com/wayhoww/wwos/trap"
	"github.com/wayhoww/wwos/vm"
	"github.com/wayhoww/wwos/wpath"
)

// Config gathers the boot parameters spec §6's boot contract and §4.4's
// filesystem layout need. A zero Memdisk means "format a fresh image
// from FSMeta" instead of mounting an existing one.
type Config struct {
	// PhysMemBytes sizes the simulated RAM backing every PhysicalFrame
	// (spec §6: the loader hands the kernel a memory range; here that
	// range's size is the one thing a host process must be told since
	// there is no real memory map to probe).
	PhysMemBytes uint64

	// KernelHeapBytes sizes the kernel heap allocator region (spec §4.3).
	KernelHeapBytes uint64

	// Memdisk is the raw file-system image blob handed to kmain, per
	// spec §6 ("the memdisk blob is the raw file-system image"). If nil,
	// FSMeta is used to format a fresh one.
	Memdisk []byte
	FSMeta  fs.Meta
}

// KernelState owns every subsystem and the boot-time wiring between
// them, resolving spec §9's "global state with lifecycle" design note:
// one value, passed explicitly to whatever needs several subsystems at
// once (trap.Dispatcher is exactly that).
type KernelState struct {
	// BootID uniquely identifies this boot for correlating log lines
	// across a run, the way an operator would grep a single boot's
	// output out of a shared log stream.
	BootID uuid.UUID

	Frames *mem.FrameAllocator
	Phys   *vm.PhysicalMemory
	Kernel *vm.AddressSpace
	Heap   *mem.Heap

	FS   *fs.FileSystem
	NS   *ns.Namespace
	Log  *klog.Ring
	Proc *proc.Subsystem

	UART  *driverio.UART
	Timer *driverio.Timer

	Trap *trap.Dispatcher
}

// Boot performs the fixed initialization order and returns a fully wired
// KernelState, ready to create processes and enter the trap loop.
func Boot(cfg Config) *KernelState {
	bootID := uuid.New()
	log.G(context.Background()).WithField("boot_id", bootID).Info("kstate: booting")

	// 1. kernel heap allocator
	heap := mem.NewHeap(cfg.KernelHeapBytes)

	// 2. physical frame allocator, over simulated RAM
	phys := vm.NewPhysicalMemory(cfg.PhysMemBytes)
	frames := mem.NewFrameAllocator(0, cfg.PhysMemBytes/mem.PageSize)

	// 3. kernel translation table (high-half regime; no identity mapping
	// is installed here since the loader is responsible for that per
	// spec §6's boot contract -- this kernel regime exists so proc's
	// deep-copy and kstate's own bookkeeping have a consistent regime
	// marker to activate on kernel-only traps).
	kernelAS := vm.NewAddressSpace(vm.Kernel, frames, phys)

	// 4. drivers (UART, timer) -- the out-of-scope collaborators spec §1
	// names, stood up here as the driverio simulation harness.
	uart := driverio.NewUART()
	timer := driverio.NewTimer()

	// 5. file system
	var filesystem *fs.FileSystem
	if cfg.Memdisk != nil {
		filesystem = fs.Open(cfg.Memdisk)
	} else {
		filesystem = fs.Format(cfg.FSMeta)
	}

	logRing := klog.NewRing(klog.DefaultCapacity)
	namespace := ns.New(filesystem, logRing)

	// 6. process subsystem
	procs := proc.NewSubsystem(frames, phys, namespace)

	// 7. timer -- re-armed for the first tick once boot completes so the
	// first schedule() has something to preempt.
	timer.Rearm(trap.TickIntervalMicros)

	// 8. logging -- the in-universe /kernel/log sink is already wired via
	// namespace; this step just attaches the trap dispatcher to it.
	dispatcher := trap.New(procs, logRing, uart, timer)

	log.G(context.Background()).WithField("boot_id", bootID).Info("kstate: boot complete")

	return &KernelState{
		BootID: bootID,
		Frames: frames,
		Phys:   phys,
		Kernel: kernelAS,
		Heap:   heap,
		FS:     filesystem,
		NS:     namespace,
		Log:    logRing,
		Proc:   procs,
		UART:   uart,
		Timer:  timer,
		Trap:   dispatcher,
	}
}

// Spawn creates a new task running the binary at path (spec §4.7's
// create_process, non-fork path) and logs its pid.
func (k *KernelState) Spawn(path string) (*proc.Task, error) {
	p, ok := wpath.New(path)
	if !ok {
		return nil, errNotAbsolute(path)
	}
	t, err := k.Proc.Create(p, nil)
	if err != nil {
		return nil, err
	}
	log.G(context.Background()).WithField("boot_id", k.BootID).WithField("pid", t.ID).WithField("path", path).Info("kstate: spawned task")
	return t, nil
}

type errNotAbsoluteT struct{ path string }

func (e errNotAbsoluteT) Error() string { return "kstate: not an absolute path: " + e.path }

func errNotAbsolute(path string) error { return errNotAbsoluteT{path: path} }

// Tick handles one timer interrupt unconditionally: it re-arms the timer,
// accounts physical time, wakes tasks whose semaphore deadlines have
// passed and, if a task is executing, reschedules, as
// trap.Dispatcher.onTimeout does for a timer IRQ. It is the synchronous
// equivalent of the trap vector's asynchronous-interrupt path, for tests
// that want to drive scheduling without a goroutine-based timer;
// cmd/wwos's loop goes through Trap.Dispatch instead.
func (k *KernelState) Tick() {
	k.Timer.Rearm(trap.TickIntervalMicros)
	k.Proc.Sched.Tick(k.Timer.NowMicros())
	for _, woken := range k.Proc.Sems.DrainExpired(k.Timer.NowMicros()) {
		if wt, ok := k.Proc.Task(uint64(woken)); ok {
			wt.SetReturn(0)
			k.Proc.Sched.Add(sched.TaskID(wt.ID), wt.Priority)
		}
	}
	if _, ok := k.Proc.Sched.Executing(); ok {
		k.Proc.Sched.Schedule()
		k.Proc.ReapStacks()
	}
}
