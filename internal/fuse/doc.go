/*
Package fuse serves a vfs filesystem to the kernel through go-fuse.

Each go-fuse inode (Node) owns one reference to the tree entry it was
created from and drops it when the kernel forgets the inode. Lookups ask
the directory adapter, so the FAT adapter's entry cache decides whether a
name maps to a known inode. After unlink and rename the bridge removes the
affected names from the parent's entry cache, which is the tree-layer half
of the cache contract.

Operation errors are translated with errors.Errno. Every operation is
counted in Stats and, when a Recorder is configured, reported to metrics.

MountManager mounts a FileSystem at a directory, serves it in the
background and unmounts it when the mount context is cancelled:

	bridge := fuse.NewFileSystem(fsys, &fuse.Config{Name: "data"}, logger, collector)
	mgr := fuse.NewMountManager(bridge, &fuse.MountConfig{MountPoint: "/mnt/data"}, logger)
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	mgr.Wait()
*/
package fuse
