package ns

import "fmt"

// FifoCapacity bounds a fifo's buffered, undelivered bytes (spec §4.5).
const FifoCapacity = 1 << 20

// Fifo is a bounded byte ring shared between writers and readers,
// adapted from the teacher's circbuf package to the pid-tracked
// open/close accounting the namespace layer needs (spec §4.5).
type Fifo struct {
	buf        []byte
	head, tail int
	size       int

	readers map[uint64]bool
	writers map[uint64]bool
}

func NewFifo() *Fifo {
	return &Fifo{
		buf:     make([]byte, FifoCapacity),
		readers: map[uint64]bool{},
		writers: map[uint64]bool{},
	}
}

func (f *Fifo) AddReader(pid uint64) { f.readers[pid] = true }
func (f *Fifo) AddWriter(pid uint64) { f.writers[pid] = true }

// RemoveWriter closes out a writer's stake in the fifo. Per spec §4.5,
// the last writer cannot close while unread bytes remain -- the caller
// is expected to keep retrying (or the kernel to block it) until the
// fifo drains.
func (f *Fifo) RemoveWriter(pid uint64) error {
	if len(f.writers) == 1 && f.writers[pid] && f.size > 0 {
		return fmt.Errorf("ns: last writer cannot close fifo with %d unread bytes", f.size)
	}
	delete(f.writers, pid)
	return nil
}

func (f *Fifo) RemoveReader(pid uint64) {
	delete(f.readers, pid)
}

// Write appends up to len(p) bytes, short-writing once the ring fills.
func (f *Fifo) Write(p []byte) int {
	n := 0
	for n < len(p) && f.size < len(f.buf) {
		f.buf[f.tail] = p[n]
		f.tail = (f.tail + 1) % len(f.buf)
		f.size++
		n++
	}
	return n
}

// Read copies up to len(p) buffered bytes into p, draining them.
func (f *Fifo) Read(p []byte) int {
	n := 0
	for n < len(p) && f.size > 0 {
		p[n] = f.buf[f.head]
		f.head = (f.head + 1) % len(f.buf)
		f.size--
		n++
	}
	return n
}

func (f *Fifo) Buffered() int { return f.size }
