/*
Package adapter runs diskvfs as a service.

An Adapter takes a validated configuration and brings every mount up in
order:

	device (file, memory, s3) -> engine (ext4, vfat) -> vfs tree -> FUSE

Mounts without a mount point are opened and flushed but not served, which
is how the CLI and tests drive volumes directly through the manager.

# Lifecycle

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())
	a.Wait()

Stop unmounts the FUSE servers, stops the periodic flush, flushes and
closes every volume and shuts down the metrics endpoint. Errors from each
step are collected rather than aborting the shutdown.

Device URIs accepted by DeviceFromURI:

	file:///path/to/disk.img
	mem://
	s3://bucket/prefix
*/
package adapter
