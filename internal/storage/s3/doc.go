/*
Package s3 provides a block device stored in an S3 bucket.

The device splits its blocks into fixed groups of Config.BlocksPerObject
consecutive blocks and stores each group as one object under

	<prefix>blocks/<group index as 16 hex digits>

Groups are downloaded on first access and cached for the lifetime of the
device. Block writes update the cached copy and mark the group dirty;
Flush and Close upload dirty groups. A group that was never uploaded reads
as zeros, so a fresh prefix behaves like a blank disk.

Objects are compressed with zstd unless Config.Compression is "none" and
carry an xxhash64 checksum of the group in their metadata. A group whose
checksum does not match fails to load. The first flush also stores

	<prefix>volume.cbor

a CBOR manifest of the device geometry. Opening a prefix whose manifest
records a different size, block size or group size fails.

Every request is retried with exponential backoff (cenkalti/backoff)
bounded by Config.MaxRetries and Config.RetryMaxElapsed. A missing bucket
fails immediately.

Usage:

	client, err := s3.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	dev, err := s3.Open(ctx, client, cfg, logger)
	if err != nil {
		return err
	}
	defer dev.Close()

The device satisfies disk.BlockDevice and can back either filesystem.
*/
package s3
