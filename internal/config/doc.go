/*
Package config provides configuration management for diskvfs.

Configuration is layered: compiled-in defaults (NewDefault), then a YAML
file (LoadFromFile), then DISKVFS_* environment variables (LoadFromEnv).
Validate checks the merged result.

# Mounts

Each entry of Mounts describes one filesystem image:

	mounts:
	  - name: boot
	    filesystem: vfat          # or ext4
	    mount_point: /mnt/boot
	    format: true              # format when the device carries no image
	    device:
	      type: file              # file, memory or s3
	      path: /var/lib/diskvfs/boot.img
	      size: 64MiB
	      block_size: 512B
	    fat:
	      sectors_per_cluster: 8
	      volume_label: BOOT

Sizes are human-readable strings ("64MiB", "1 GB", "512B") parsed with
go-humanize.

# Environment Variables

	DISKVFS_LOG_LEVEL, DISKVFS_LOG_FILE, DISKVFS_LOG_FORMAT
	DISKVFS_METRICS_PORT, DISKVFS_METRICS_ENABLED
	DISKVFS_FLUSH_INTERVAL
	DISKVFS_FUSE_ALLOW_OTHER, DISKVFS_FUSE_DEBUG
	DISKVFS_S3_ENDPOINT, DISKVFS_S3_ACCESS_KEY_ID, DISKVFS_S3_SECRET_ACCESS_KEY

The S3 variables apply to every configured mount.
*/
package config
