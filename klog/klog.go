// Package klog implements the /kernel/log sink: an in-memory ring that
// every subsystem writes diagnostic lines into and that ns exposes as a
// synthetic read-only file (spec §4.5, §6). It stays dependency-free by
// design -- unlike the rest of the kernel's ambient logging, which uses
// containerd/log, this is the in-universe log a userspace task can open
// and read, not host-side operator output, so it cannot depend on a
// host logging library. The discard-oldest-on-overflow ring shape is
// grounded on teacher_src/circbuf's Circbuf_t, generalized from its
// single-daemon byte buffer to a multi-writer diagnostic sink guarded by
// a mutex instead of a single physical page.
package klog

import (
	"fmt"
	"sync"
)

// DefaultCapacity bounds how many trailing bytes the ring keeps.
const DefaultCapacity = 64 * 1024

// Ring is a fixed-capacity byte ring that never blocks a writer; once
// full, the oldest bytes are discarded to make room for new ones.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{cap: capacity}
}

// Write appends p, discarding the oldest bytes first if that would
// exceed capacity.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.cap; over > 0 {
		r.buf = r.buf[over:]
	}
	return len(p), nil
}

// ReadAt copies up to len(dst) bytes starting at offset off into dst,
// matching the file-like read semantics ns exposes for /kernel/log.
func (r *Ring) ReadAt(dst []byte, off int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if off >= len(r.buf) {
		return 0, nil
	}
	n := copy(dst, r.buf[off:])
	return n, nil
}

// Len reports the number of bytes currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Logf formats and appends one log line, terminated with a newline.
func (r *Ring) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...) + "\n"
	r.Write([]byte(line))
}
