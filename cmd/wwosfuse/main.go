// Command wwosfuse mounts an fs image read-only over FUSE, for
// inspecting a memdisk image built by mkwwfs (or captured from a booted
// wwos run) with ordinary host tools instead of a custom dumper.
// Grounded on the teacher's own host-tool conventions and on the pack's
// bazil.org/fuse usage (perkeep's cmd/pk-mount wires Mount+fs.Serve the
// same way; the Node/Dir/File split here follows perkeep's pkg/fs roDir
// /roFile read-only pair, adapted from its populate-on-demand blob
// lookups to this package's already-in-memory fs.FileSystem).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wayhoww/wwos/fs"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wwosfuse <image> <mountpoint>",
		Short: "Mount an fs image read-only over FUSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1])
		},
	}
	return cmd
}

func run(ctx context.Context, imagePath, mountPoint string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return errors.Wrapf(err, "wwosfuse: reading %s", imagePath)
	}
	image := fs.Open(data)

	conn, err := fuse.Mount(mountPoint, fuse.ReadOnly(), fuse.FSName("wwosfs"), fuse.Subtype("wwosfs"))
	if err != nil {
		return errors.Wrap(err, "wwosfuse: mount")
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = fuse.Unmount(mountPoint)
	}()

	root := &wwosDir{image: image, inode: fs.RootInode, name: filepath.Base(mountPoint)}
	if err := fusefs.Serve(conn, &wwosFS{root: root}); err != nil {
		return errors.Wrap(err, "wwosfuse: serve")
	}
	if err := conn.MountError; err != nil {
		return errors.Wrap(err, "wwosfuse: mount")
	}
	return nil
}

// wwosFS is the FUSE filesystem root, a single static image mounted
// read-only for the lifetime of the process.
type wwosFS struct {
	root *wwosDir
}

func (f *wwosFS) Root() (fusefs.Node, error) {
	return f.root, nil
}

// wwosDir is a read-only view onto one directory inode.
type wwosDir struct {
	image *fs.FileSystem
	inode uint64
	name  string
}

func (d *wwosDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = d.inode
	a.Mode = os.ModeDir | 0o555
	return nil
}

func (d *wwosDir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	for _, child := range d.image.Children(d.inode) {
		if child.Name != name {
			continue
		}
		typ, size := d.image.Stat(child.ChildID)
		if typ == fs.TypeDir {
			return &wwosDir{image: d.image, inode: child.ChildID, name: name}, nil
		}
		return &wwosFile{image: d.image, inode: child.ChildID, name: name, size: size}, nil
	}
	return nil, fuse.ENOENT
}

func (d *wwosDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	children := d.image.Children(d.inode)
	ents := make([]fuse.Dirent, 0, len(children))
	for _, child := range children {
		typ, _ := d.image.Stat(child.ChildID)
		dt := fuse.DT_File
		if typ == fs.TypeDir {
			dt = fuse.DT_Dir
		}
		ents = append(ents, fuse.Dirent{Inode: child.ChildID, Name: child.Name, Type: dt})
	}
	return ents, nil
}

// wwosFile is a read-only view onto one file inode.
type wwosFile struct {
	image *fs.FileSystem
	inode uint64
	name  string
	size  uint64
}

func (f *wwosFile) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = f.inode
	a.Mode = 0o444
	a.Size = f.size
	return nil
}

func (f *wwosFile) ReadAll(ctx context.Context) ([]byte, error) {
	buf := make([]byte, f.size)
	n, err := f.image.Read(f.inode, 0, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
