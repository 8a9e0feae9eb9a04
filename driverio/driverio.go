// Package driverio stands in for the UART and interrupt-controller
// drivers spec §1 treats as out-of-scope external collaborators,
// "specified only by the trait they must satisfy." It gives that trait
// a runnable shape: a goroutine-fed UART byte queue and a timer that
// ticks on a real wall-clock interval, wired into the single-threaded
// kernel trap loop over channels -- the same async-request /
// async-completion shape as the teacher's Bdev_req_t.AckCh in
// fs/blk.go, generalized from block I/O to character and timer I/O.
package driverio

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// UART is the trait trap.UART narrows to (ReadByte only); driverio's
// implementation additionally accepts injected bytes from the host side
// of a test or a pty bridge.
type UART struct {
	mu  sync.Mutex
	buf []byte
}

func NewUART() *UART {
	return &UART{}
}

// Feed appends bytes as if they arrived on the wire, for tests and for
// the boot harness's stdin bridge.
func (u *UART) Feed(b []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buf = append(u.buf, b...)
}

// ReadByte implements trap.UART: never blocks, returns ok=false if
// nothing has arrived.
func (u *UART) ReadByte() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.buf) == 0 {
		return 0, false
	}
	b := u.buf[0]
	u.buf = u.buf[1:]
	return b, true
}

// Timer implements trap.Timer with a real monotonic clock, advancing in
// lockstep with wall time rather than the kernel's own notion of ticks,
// since there is no real architectural timer register underneath this
// simulation to read.
type Timer struct {
	start time.Time

	fireAtMu sync.Mutex
	fireAt   time.Time

	tickCh chan struct{}
}

func NewTimer() *Timer {
	return &Timer{start: time.Now(), tickCh: make(chan struct{}, 1)}
}

// NowMicros reports elapsed microseconds since the timer was created,
// standing in for the architectural monotonic counter spec §3's
// TimerEntry is keyed on.
func (tm *Timer) NowMicros() uint64 {
	return uint64(time.Since(tm.start).Microseconds())
}

// Rearm schedules the next tick to fire intervalMicros from now. A
// background goroutine (started by Run) delivers it on tickCh.
func (tm *Timer) Rearm(intervalMicros uint64) {
	tm.fireAtMu.Lock()
	tm.fireAt = time.Now().Add(time.Duration(intervalMicros) * time.Microsecond)
	tm.fireAtMu.Unlock()
}

// Ticks exposes the channel Run delivers timer-fired notifications on.
func (tm *Timer) Ticks() <-chan struct{} {
	return tm.tickCh
}

// Run drives the timer's background goroutine under an errgroup until
// ctx is cancelled, matching the teacher's pack-wide convention
// (golang.org/x/sync/errgroup) for supervising a long-lived background
// worker from the boot harness's main goroutine.
func (tm *Timer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(200 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				tm.fireAtMu.Lock()
				due := !tm.fireAt.IsZero() && !time.Now().Before(tm.fireAt)
				tm.fireAtMu.Unlock()
				if due {
					select {
					case tm.tickCh <- struct{}{}:
					default:
					}
				}
			}
		}
	})
	return g.Wait()
}
