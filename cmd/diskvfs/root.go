package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/internal/adapter"
	"github.com/scttfrdmn/diskvfs/internal/config"
	"github.com/scttfrdmn/diskvfs/pkg/utils"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	mountName  string
	device     string
	fsType     string
	size       string
	logLevel   string

	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "diskvfs",
		Short:        "Work with ext4 and FAT disk images on files, memory or S3",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := utils.NewLogger(utils.LoggingConfig{Level: opts.logLevel, Format: "console"})
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "configuration file (YAML)")
	flags.StringVarP(&opts.mountName, "mount", "m", "", "mount entry of the configuration file to use")
	flags.StringVarP(&opts.device, "device", "d", "", "device URI (file:///disk.img, mem://, s3://bucket/prefix)")
	flags.StringVarP(&opts.fsType, "type", "t", config.FilesystemExt4, "filesystem type (ext4 or vfat)")
	flags.StringVar(&opts.size, "size", "", "device size, e.g. 64MiB (defaults to the image size)")
	flags.StringVar(&opts.logLevel, "log-level", "WARN", "log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newMkfsCmd(opts),
		newLsCmd(opts),
		newCatCmd(opts),
		newPutCmd(opts),
		newRmCmd(opts),
		newMvCmd(opts),
		newMkdirCmd(opts),
		newStatCmd(opts),
		newDfCmd(opts),
		newMountCmd(opts),
	)
	return root
}

// loadConfig reads the configuration file, if any, over the defaults and
// applies the environment.
func (o *options) loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if o.configPath != "" {
		if err := cfg.LoadFromFile(o.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mountConfig returns the single volume the command works on: the one
// named by --device, or a mount entry of the configuration file.
func (o *options) mountConfig() (*config.MountConfig, error) {
	if o.device == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		switch {
		case o.mountName != "":
			return cfg.Mount(o.mountName)
		case len(cfg.Mounts) == 1:
			return &cfg.Mounts[0], nil
		case len(cfg.Mounts) == 0:
			return nil, fmt.Errorf("no device given: use --device or a configuration file with mounts")
		default:
			return nil, fmt.Errorf("configuration has %d mounts, select one with --mount", len(cfg.Mounts))
		}
	}

	dc, err := adapter.DeviceFromURI(o.device)
	if err != nil {
		return nil, err
	}
	mc := config.NewMount("cli", o.fsType)
	mc.Format = false
	mc.Device.Type = dc.Type
	mc.Device.Path = dc.Path
	if dc.Type == config.DeviceS3 {
		mc.Device.S3.Bucket = dc.S3.Bucket
		mc.Device.S3.Prefix = dc.S3.Prefix
	}

	switch {
	case o.size != "":
		mc.Device.Size = o.size
	case dc.Type == config.DeviceFile:
		// An existing image keeps its size.
		if info, err := os.Stat(dc.Path); err == nil && info.Size() > 0 {
			mc.Device.Size = strconv.FormatInt(info.Size(), 10)
		}
	}
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	return &mc, nil
}
