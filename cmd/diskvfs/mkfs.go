package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scttfrdmn/diskvfs/internal/config"
	"github.com/scttfrdmn/diskvfs/internal/mount"
)

func newMkfsCmd(opts *options) *cobra.Command {
	var (
		blockSize string
		inodes    uint32
		spc       uint32
		label     string
	)
	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "Write an empty filesystem to the device",
		Long: `Write an empty filesystem to the device, erasing whatever it held.

  diskvfs mkfs -d file:///tmp/disk.img -t vfat --size 32MiB --label DATA`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mc, err := opts.mountConfig()
			if err != nil {
				return err
			}
			if blockSize != "" {
				mc.Ext4.BlockSize = blockSize
			}
			if inodes != 0 {
				mc.Ext4.InodeCount = inodes
			}
			if spc != 0 {
				mc.FAT.SectorsPerCluster = spc
			}
			if label != "" {
				mc.FAT.VolumeLabel = label
			}
			if err := mc.Validate(); err != nil {
				return err
			}

			dev, err := mount.OpenDevice(cmd.Context(), mc, opts.logger)
			if err != nil {
				return err
			}
			if err := mount.Format(mc, dev); err != nil {
				_ = dev.Close()
				return err
			}
			if err := dev.Close(); err != nil {
				return err
			}

			size := dev.NumBlocks() * uint64(dev.BlockSize())
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s as %s (%s)\n", describeDevice(mc), mc.Filesystem, humanize.IBytes(size))
			return nil
		},
	}
	cmd.Flags().StringVar(&blockSize, "block-size", "", "ext4 block size, e.g. 4KiB")
	cmd.Flags().Uint32Var(&inodes, "inodes", 0, "ext4 inode count")
	cmd.Flags().Uint32Var(&spc, "sectors-per-cluster", 0, "FAT sectors per cluster")
	cmd.Flags().StringVar(&label, "label", "", "FAT volume label")
	return cmd
}

func describeDevice(mc *config.MountConfig) string {
	switch mc.Device.Type {
	case config.DeviceFile:
		return mc.Device.Path
	case config.DeviceS3:
		return "s3://" + mc.Device.S3.Bucket + "/" + mc.Device.S3.Prefix
	default:
		return mc.Device.Type
	}
}
