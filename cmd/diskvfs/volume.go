package main

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/scttfrdmn/diskvfs/internal/disk"
	"github.com/scttfrdmn/diskvfs/internal/mount"
	"github.com/scttfrdmn/diskvfs/pkg/utils"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// volume is one opened filesystem together with the manager owning it.
type volume struct {
	manager *mount.Manager
	mnt     *mount.Mount
}

func (o *options) openVolume(ctx context.Context) (*volume, error) {
	mc, err := o.mountConfig()
	if err != nil {
		return nil, err
	}
	manager := mount.NewManager(mount.Options{Logger: o.logger})
	mnt, err := manager.Open(ctx, *mc)
	if err != nil {
		if stderrors.Is(err, disk.ErrNoFilesystem) {
			return nil, fmt.Errorf("no %s filesystem on the device, run mkfs first", mc.Filesystem)
		}
		return nil, err
	}
	return &volume{manager: manager, mnt: mnt}, nil
}

// Close flushes and closes the volume. Every entry obtained from it must
// have been released.
func (v *volume) Close() error {
	var result *multierror.Error
	if err := v.manager.SyncAll(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := v.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// walk resolves parts starting at start, consuming the caller's reference
// to start. The caller owns one reference to the result.
func walk(start *vfs.DirEntry, parts []string) (*vfs.DirEntry, error) {
	cur := start
	for _, name := range parts {
		dir, err := cur.AsDir()
		if err != nil {
			cur.DecRef()
			return nil, err
		}
		next, err := dir.Lookup(name)
		cur.DecRef()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		cur = next
	}
	return cur, nil
}

// resolve returns the entry at path p.
func (v *volume) resolve(p string) (*vfs.DirEntry, error) {
	parts, err := utils.SplitPath(p)
	if err != nil {
		return nil, err
	}
	return walk(v.mnt.FS.RootDir(), parts)
}

// resolveParent returns the directory holding the last component of p
// and that component.
func (v *volume) resolveParent(p string) (*vfs.DirEntry, vfs.DirNodeOps, string, error) {
	parts, name, err := utils.SplitParent(p)
	if err != nil {
		return nil, nil, "", err
	}
	parent, err := walk(v.mnt.FS.RootDir(), parts)
	if err != nil {
		return nil, nil, "", err
	}
	dir, err := parent.AsDir()
	if err != nil {
		parent.DecRef()
		return nil, nil, "", err
	}
	return parent, dir, name, nil
}

// unlink removes name from parent and drops the cached entry.
func unlink(parent *vfs.DirEntry, dir vfs.DirNodeOps, name string) error {
	if err := dir.Unlink(name); err != nil {
		return err
	}
	if stale := parent.RemoveCache(name); stale != nil {
		stale.DecRef()
	}
	return nil
}

// listing is one directory entry as reported by ReadDir.
type listing struct {
	name     string
	ino      uint64
	nodeType vfs.NodeType
}

// readDir lists dir, leaving out "." and "..".
func readDir(dir vfs.DirNodeOps) ([]listing, error) {
	var out []listing
	var offset uint64
	for {
		n, err := dir.ReadDir(offset, func(name string, ino uint64, nodeType vfs.NodeType, next uint64) bool {
			offset = next
			if name != "." && name != ".." {
				out = append(out, listing{name: name, ino: ino, nodeType: nodeType})
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
	}
}
