package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/utils"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

const ioChunk = 256 << 10

// withVolume opens the volume, runs fn and closes the volume, reporting
// the first error.
func withVolume(cmd *cobra.Command, opts *options, fn func(v *volume) error) (err error) {
	v, err := opts.openVolume(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := v.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(v)
}

func modeString(md vfs.Metadata) string {
	return (md.NodeType.FileMode() | fs.FileMode(md.Mode&0o777)).String()
}

func newLsCmd(opts *options) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			return withVolume(cmd, opts, func(v *volume) error {
				entry, err := v.resolve(p)
				if err != nil {
					return err
				}
				defer entry.DecRef()
				dir, err := entry.AsDir()
				if err != nil {
					return err
				}
				items, err := readDir(dir)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				for _, it := range items {
					if !long {
						fmt.Fprintln(out, it.name)
						continue
					}
					child, err := dir.Lookup(it.name)
					if err != nil {
						return err
					}
					md, err := child.Node().Metadata()
					child.DecRef()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %3d %8d %9s %s %s\n",
						modeString(md), md.Nlink, md.Inode, humanize.IBytes(md.Size),
						md.Mtime.UTC().Format(time.DateTime), it.name)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show mode, links, inode, size and modification time")
	return cmd
}

func newCatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>...",
		Short: "Print file contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(cmd, opts, func(v *volume) error {
				for _, p := range args {
					if err := catFile(v, p, cmd.OutOrStdout()); err != nil {
						return fmt.Errorf("%s: %w", p, err)
					}
				}
				return nil
			})
		},
	}
}

func catFile(v *volume, p string, w io.Writer) error {
	entry, err := v.resolve(p)
	if err != nil {
		return err
	}
	defer entry.DecRef()
	file, err := entry.AsFile()
	if err != nil {
		return err
	}

	buf := make([]byte, ioChunk)
	var offset uint64
	for {
		n, err := file.ReadAt(buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		offset += uint64(n)
	}
}

func newPutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file|-> <path>",
		Short: "Copy a host file (or stdin) into the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			return withVolume(cmd, opts, func(v *volume) error {
				n, err := putFile(v, args[1], src)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", humanize.IBytes(n), args[1])
				return nil
			})
		},
	}
}

// putFile creates or truncates the file at p and fills it from src.
func putFile(v *volume, p string, src io.Reader) (uint64, error) {
	parent, dir, name, err := v.resolveParent(p)
	if err != nil {
		return 0, err
	}
	defer parent.DecRef()

	entry, err := dir.Lookup(name)
	if errors.Is(err, errors.ErrNotFound) {
		entry, err = dir.Create(name, vfs.NodeTypeRegularFile, vfs.DefaultFilePermission)
	}
	if err != nil {
		return 0, err
	}
	defer entry.DecRef()
	file, err := entry.AsFile()
	if err != nil {
		return 0, err
	}
	if err := file.SetLen(0); err != nil {
		return 0, err
	}

	buf := make([]byte, ioChunk)
	var offset uint64
	for {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			written, err := file.WriteAt(buf[:n], offset)
			offset += uint64(written)
			if err != nil {
				return offset, err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return offset, rerr
		}
	}
	return offset, file.Sync(false)
}

func newRmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>...",
		Short: "Remove files or empty directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(cmd, opts, func(v *volume) error {
				for _, p := range args {
					parent, dir, name, err := v.resolveParent(p)
					if err != nil {
						return err
					}
					err = unlink(parent, dir, name)
					parent.DecRef()
					if err != nil {
						return fmt.Errorf("%s: %w", p, err)
					}
				}
				return nil
			})
		},
	}
}

func newMvCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dst>",
		Short: "Rename or move a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(cmd, opts, func(v *volume) error {
				srcParent, srcDir, srcName, err := v.resolveParent(args[0])
				if err != nil {
					return err
				}
				defer srcParent.DecRef()
				dstParent, _, dstName, err := v.resolveParent(args[1])
				if err != nil {
					return err
				}
				defer dstParent.DecRef()
				return srcDir.Rename(srcName, dstParent, dstName)
			})
		},
	}
}

func newMkdirCmd(opts *options) *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <path>...",
		Short: "Create directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(cmd, opts, func(v *volume) error {
				for _, p := range args {
					if err := mkdir(v, p, parents); err != nil {
						return fmt.Errorf("%s: %w", p, err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parents, no error if the directory exists")
	return cmd
}

func mkdir(v *volume, p string, parents bool) error {
	if !parents {
		parent, dir, name, err := v.resolveParent(p)
		if err != nil {
			return err
		}
		defer parent.DecRef()
		child, err := dir.Create(name, vfs.NodeTypeDirectory, vfs.DefaultDirPermission)
		if err != nil {
			return err
		}
		child.DecRef()
		return nil
	}

	parts, err := utils.SplitPath(p)
	if err != nil {
		return err
	}
	cur := v.mnt.FS.RootDir()
	for _, name := range parts {
		dir, err := cur.AsDir()
		if err != nil {
			cur.DecRef()
			return err
		}
		next, err := dir.Lookup(name)
		if errors.Is(err, errors.ErrNotFound) {
			next, err = dir.Create(name, vfs.NodeTypeDirectory, vfs.DefaultDirPermission)
		}
		cur.DecRef()
		if err != nil {
			return err
		}
		cur = next
	}
	defer cur.DecRef()
	if !cur.IsDir() {
		return fmt.Errorf("%s exists and is not a directory", p)
	}
	return nil
}

func newStatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show the attributes of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(cmd, opts, func(v *volume) error {
				entry, err := v.resolve(args[0])
				if err != nil {
					return err
				}
				defer entry.DecRef()
				md, err := entry.Node().Metadata()
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "  File: %s\n", utils.JoinPath(mustSplit(args[0])...))
				fmt.Fprintf(out, "  Type: %s\n", md.NodeType)
				fmt.Fprintf(out, "  Size: %d (%s)\n", md.Size, humanize.IBytes(md.Size))
				fmt.Fprintf(out, "Blocks: %d  IO Block: %d\n", md.Blocks, md.BlockSize)
				fmt.Fprintf(out, " Inode: %d  Links: %d\n", md.Inode, md.Nlink)
				fmt.Fprintf(out, "Access: (%04o/%s)  Uid: %d  Gid: %d\n", md.Mode, modeString(md), md.UID, md.GID)
				fmt.Fprintf(out, "Access: %s\n", md.Atime.UTC().Format(time.RFC3339))
				fmt.Fprintf(out, "Modify: %s\n", md.Mtime.UTC().Format(time.RFC3339))
				fmt.Fprintf(out, "Change: %s\n", md.Ctime.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
}

func mustSplit(p string) []string {
	parts, _ := utils.SplitPath(p)
	return parts
}

func newDfCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "Show space and inode usage of the volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVolume(cmd, opts, func(v *volume) error {
				st, err := v.mnt.FS.Stat()
				if err != nil {
					return err
				}
				total := st.Blocks * st.BlockSize
				free := st.BlocksFree * st.BlockSize
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s total, %s used, %s free, %d/%d inodes free\n",
					v.mnt.FS.Name(), humanize.IBytes(total), humanize.IBytes(total-free),
					humanize.IBytes(free), st.FreeFileCount, st.FileCount)
				return nil
			})
		},
	}
}
