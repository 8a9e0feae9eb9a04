// Package ns implements the rooted namespace and per-task handle table
// (spec §4.5): path resolution over the on-disk filesystem plus two
// synthetic subtrees, /kernel/log and /proc/<pid>/fifo/{stdin,stdout},
// and the system-wide SharedNode registry that lets two handles opened
// on the same underlying object see each other's writes.
package ns

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wayhoww/wwos/fs"
	"github.com/wayhoww/wwos/klog"
	"github.com/wayhoww/wwos/wpath"
)

// Kind distinguishes what a resolved node actually is.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindKernelLog
	KindFifo
)

// Mode is the access mode a handle was opened with.
type Mode int

const (
	ModeRead Mode = 1 << iota
	ModeWrite
)

// key identifies a SharedNode uniquely across the whole namespace.
type key struct {
	kind    Kind
	inode   uint64
	pid     uint64
	fifoKey string
}

// SharedNode is the single system-wide object backing every handle
// opened on the same underlying file, fifo, or synthetic stream (spec
// §4.5): writes through one handle are visible through another.
type SharedNode struct {
	key     key
	Kind    Kind
	InodeID uint64
	Fifo    *Fifo
	refs    int
}

// Handle is a per-task, per-open view onto a SharedNode: its own access
// mode and byte offset (spec §4.5).
type Handle struct {
	Shared *SharedNode
	Mode   Mode
	Offset uint64
}

// Namespace ties the on-disk filesystem, the kernel log ring, and every
// process's stdio fifos into one rooted tree, and owns the shared-node
// registry every Open call consults.
type Namespace struct {
	fs       *fs.FileSystem
	log      *klog.Ring
	fifos    map[string]*Fifo // "<pid>/<stdin|stdout>"
	shared   map[key]*SharedNode
}

func New(filesystem *fs.FileSystem, log *klog.Ring) *Namespace {
	return &Namespace{
		fs:     filesystem,
		log:    log,
		fifos:  map[string]*Fifo{},
		shared: map[key]*SharedNode{},
	}
}

// EnsureProcessFifos creates a process's stdin/stdout fifos if they do not
// exist yet (carried over from original_source's init_fifo_for_process).
// proc calls it when a task is created or forked, not on exec; opening a
// /proc/<pid>/fifo path does not create them.
func (n *Namespace) EnsureProcessFifos(pid uint64) {
	for _, name := range []string{"stdin", "stdout"} {
		k := fifoKey(pid, name)
		if _, ok := n.fifos[k]; !ok {
			n.fifos[k] = NewFifo()
		}
	}
}

func fifoKey(pid uint64, name string) string {
	return strconv.FormatUint(pid, 10) + "/" + name
}

// resolve classifies an absolute path into a node reference without
// opening it.
func (n *Namespace) resolve(p wpath.Path) (key, error) {
	if p.String() == "/kernel/log" {
		return key{kind: KindKernelLog}, nil
	}

	comps := p.Components()
	if len(comps) == 4 && comps[0] == "proc" && comps[2] == "fifo" {
		pid, err := strconv.ParseUint(comps[1], 10, 64)
		if err != nil {
			return key{}, fmt.Errorf("ns: bad pid in %q", p.String())
		}
		if comps[3] != "stdin" && comps[3] != "stdout" {
			return key{}, fmt.Errorf("ns: no such fifo %q", p.String())
		}
		return key{kind: KindFifo, pid: pid, fifoKey: comps[3]}, nil
	}

	id, typ, err := n.resolveFS(comps)
	if err != nil {
		return key{}, err
	}
	k := key{kind: KindFile, inode: id}
	if typ == fs.TypeDir {
		k.kind = KindDir
	}
	return k, nil
}

func (n *Namespace) resolveFS(comps []string) (uint64, fs.Type, error) {
	cur := uint64(fs.RootInode)
	typ := fs.TypeDir
	for _, c := range comps {
		if typ != fs.TypeDir {
			return 0, 0, fmt.Errorf("ns: %q is not a directory", c)
		}
		found := false
		for _, child := range n.fs.Children(cur) {
			if child.Name == c {
				cur = child.ChildID
				found = true
				break
			}
		}
		if !found {
			return 0, 0, fmt.Errorf("ns: no such entry %q", strings.Join(comps, "/"))
		}
		typ, _ = n.fs.Stat(cur)
	}
	return cur, typ, nil
}

func (n *Namespace) sharedFor(k key) *SharedNode {
	if s, ok := n.shared[k]; ok {
		s.refs++
		return s
	}
	s := &SharedNode{key: k, Kind: k.kind, InodeID: k.inode, refs: 1}
	if k.kind == KindFifo {
		s.Fifo = n.fifos[fifoKey(k.pid, k.fifoKey)]
	}
	n.shared[k] = s
	return s
}

// Open resolves path and returns a fresh Handle onto its SharedNode.
// Opening a directory for write is rejected; opening a regular file for
// write truncates it to zero length, since this namespace offers only
// write-only file semantics (spec §4.5).
func (n *Namespace) Open(path wpath.Path, mode Mode, pid uint64) (*Handle, error) {
	k, err := n.resolve(path)
	if err != nil {
		return nil, err
	}
	if k.kind == KindDir && mode&ModeWrite != 0 {
		return nil, fmt.Errorf("ns: %q is a directory, cannot open for write", path.String())
	}
	if k.kind == KindFile && mode&ModeWrite != 0 {
		if err := n.fs.Resize(k.inode, 0); err != nil {
			return nil, err
		}
	}
	s := n.sharedFor(k)
	if s.Fifo != nil {
		if mode&ModeRead != 0 {
			s.Fifo.AddReader(pid)
		}
		if mode&ModeWrite != 0 {
			s.Fifo.AddWriter(pid)
		}
	}
	return &Handle{Shared: s, Mode: mode}, nil
}

// AddSharer registers an additional stake in an already-open SharedNode
// without going through path resolution -- used by fork (spec §4.7),
// which hands the child a second Handle onto every SharedNode the parent
// already had open, and onto every pid set that SharedNode belongs to.
func (n *Namespace) AddSharer(s *SharedNode, mode Mode, pid uint64) {
	s.refs++
	if s.Fifo != nil {
		if mode&ModeRead != 0 {
			s.Fifo.AddReader(pid)
		}
		if mode&ModeWrite != 0 {
			s.Fifo.AddWriter(pid)
		}
	}
}

// Create makes a new file or directory at parent/name and returns its
// inode id; it does not open it.
func (n *Namespace) Create(parent wpath.Path, name string, dir bool) (uint64, error) {
	parentKey, err := n.resolve(parent)
	if err != nil {
		return 0, err
	}
	if parentKey.kind != KindDir {
		return 0, fmt.Errorf("ns: %q is not a directory", parent.String())
	}
	typ := fs.TypeFile
	if dir {
		typ = fs.TypeDir
	}
	return n.fs.Create(parentKey.inode, name, typ)
}

// Close releases a handle's stake in its SharedNode. For fifos, closing
// the last writer is rejected while unread bytes remain (spec §4.5).
func (n *Namespace) Close(h *Handle, pid uint64) error {
	s := h.Shared
	if s.Fifo != nil {
		if h.Mode&ModeWrite != 0 {
			if err := s.Fifo.RemoveWriter(pid); err != nil {
				return err
			}
		}
		if h.Mode&ModeRead != 0 {
			s.Fifo.RemoveReader(pid)
		}
	}
	s.refs--
	if s.refs <= 0 {
		delete(n.shared, s.key)
	}
	return nil
}

// Read services a read through h, advancing its offset.
func (n *Namespace) Read(h *Handle, buf []byte) (int, error) {
	s := h.Shared
	switch s.Kind {
	case KindKernelLog:
		nRead, _ := n.log.ReadAt(buf, int(h.Offset))
		h.Offset += uint64(nRead)
		return nRead, nil
	case KindFifo:
		nRead := s.Fifo.Read(buf)
		return nRead, nil
	case KindFile:
		nRead, err := n.fs.Read(s.InodeID, h.Offset, buf)
		h.Offset += uint64(nRead)
		return nRead, err
	default:
		return 0, fmt.Errorf("ns: cannot read this node kind")
	}
}

// Write services a write through h, advancing its offset.
func (n *Namespace) Write(h *Handle, buf []byte) (int, error) {
	s := h.Shared
	switch s.Kind {
	case KindFifo:
		return s.Fifo.Write(buf), nil
	case KindFile:
		nWritten, err := n.fs.Write(s.InodeID, h.Offset, buf)
		h.Offset += uint64(nWritten)
		return nWritten, err
	default:
		return 0, fmt.Errorf("ns: cannot write this node kind")
	}
}

// Seek repositions a handle's offset; spec leaves whence semantics to
// the kernel, so only absolute seeks are supported.
func (n *Namespace) Seek(h *Handle, offset uint64) {
	h.Offset = offset
}

// Size reports a node's current size, where that concept applies.
func (n *Namespace) Size(h *Handle) (uint64, error) {
	switch h.Shared.Kind {
	case KindFile:
		_, size := n.fs.Stat(h.Shared.InodeID)
		return size, nil
	case KindFifo:
		return uint64(h.Shared.Fifo.Buffered()), nil
	default:
		return 0, fmt.Errorf("ns: no size for this node kind")
	}
}

// ChildrenOf lists a directory's entries through an already-open handle,
// the form FD_CHILDREN needs (spec §4.9: the syscall takes a handle id,
// not a path).
func (n *Namespace) ChildrenOf(h *Handle) ([]string, error) {
	if h.Shared.Kind != KindDir {
		return nil, fmt.Errorf("ns: handle is not a directory")
	}
	var names []string
	for _, d := range n.fs.Children(h.Shared.InodeID) {
		names = append(names, d.Name)
	}
	return names, nil
}

// Children lists a directory's entries by name.
func (n *Namespace) Children(path wpath.Path) ([]string, error) {
	k, err := n.resolve(path)
	if err != nil {
		return nil, err
	}
	if k.kind != KindDir {
		return nil, fmt.Errorf("ns: %q is not a directory", path.String())
	}
	var names []string
	for _, d := range n.fs.Children(k.inode) {
		names = append(names, d.Name)
	}
	return names, nil
}
