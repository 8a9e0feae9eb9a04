// Command mkwwfs formats an fs image from a skeleton directory on the
// host, the in-tree replacement for the out-of-scope external disk-image
// builder spec §1 assumes exists already. It walks the skeleton
// depth-first and recreates every file and directory inside a freshly
// formatted fs.FileSystem, then writes the resulting image blob to disk
// for wwos --memdisk to mount.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wayhoww/wwos/fs"
)

func rootCmd() *cobra.Command {
	var (
		out        string
		blockSize  uint32
		blockCount uint64
		inodeCount uint64
	)

	cmd := &cobra.Command{
		Use:   "mkwwfs <skeleton-dir>",
		Short: "Format an fs image from a host skeleton directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := fs.Meta{BlockSize: blockSize, BlockCount: blockCount, InodeCount: inodeCount}
			image, err := build(args[0], meta)
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Base(args[0]) + ".img"
			}
			if err := os.WriteFile(out, image, 0o644); err != nil {
				return errors.Wrap(err, "mkwwfs: writing image")
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(image))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "output image path (default: <skeleton-dir>.img)")
	cmd.Flags().Uint32Var(&blockSize, "block-size", 4096, "filesystem block size in bytes")
	cmd.Flags().Uint64Var(&blockCount, "block-count", 4096, "total blocks in the image")
	cmd.Flags().Uint64Var(&inodeCount, "inode-count", 1024, "total inodes in the image")

	return cmd
}

// build formats a fresh image per meta and recursively copies root's
// contents into it, directories first so every file's parent inode
// already exists by the time fs.Create needs it.
func build(root string, meta fs.Meta) ([]byte, error) {
	image := fs.Format(meta)

	if err := copyDir(image, fs.RootInode, root); err != nil {
		return nil, err
	}
	return image.Image(), nil
}

func copyDir(image *fs.FileSystem, parent uint64, hostDir string) error {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return errors.Wrapf(err, "mkwwfs: reading %s", hostDir)
	}

	for _, entry := range entries {
		hostPath := filepath.Join(hostDir, entry.Name())

		if entry.IsDir() {
			id, err := image.Create(parent, entry.Name(), fs.TypeDir)
			if err != nil {
				return errors.Wrapf(err, "mkwwfs: creating directory %s", hostPath)
			}
			if err := copyDir(image, id, hostPath); err != nil {
				return err
			}
			continue
		}

		if err := copyFile(image, parent, hostPath, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(image *fs.FileSystem, parent uint64, hostPath, name string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return errors.Wrapf(err, "mkwwfs: reading %s", hostPath)
	}

	id, err := image.Create(parent, name, fs.TypeFile)
	if err != nil {
		return errors.Wrapf(err, "mkwwfs: creating file %s", hostPath)
	}
	if _, err := image.Write(id, 0, data); err != nil {
		return errors.Wrapf(err, "mkwwfs: writing %s", hostPath)
	}
	return nil
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
