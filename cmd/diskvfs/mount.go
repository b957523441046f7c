package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/internal/adapter"
	"github.com/scttfrdmn/diskvfs/internal/config"
	"github.com/scttfrdmn/diskvfs/pkg/utils"
)

func newMountCmd(opts *options) *cobra.Command {
	var (
		readOnly bool
		format   bool
	)
	cmd := &cobra.Command{
		Use:   "mount [mountpoint]",
		Short: "Serve volumes over FUSE until interrupted",
		Long: `Serve volumes over FUSE until interrupted.

With --device, the device is served at the given mount point. Otherwise
every mount of the configuration file is opened and those with a
mount_point are served.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.device != "" {
				if len(args) != 1 {
					return fmt.Errorf("a mount point is required with --device")
				}
				mc, err := opts.mountConfig()
				if err != nil {
					return err
				}
				mc.MountPoint = args[0]
				mc.ReadOnly = readOnly
				mc.Format = format
				cfg.Mounts = []config.MountConfig{*mc}
			}
			served := 0
			for _, mc := range cfg.Mounts {
				if mc.MountPoint != "" {
					served++
				}
			}
			if served == 0 {
				return fmt.Errorf("nothing to mount: no mount has a mount_point")
			}

			logger, err := utils.NewLogger(cfg.Logging())
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := adapter.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			unmounted := make(chan struct{})
			go func() {
				a.Wait()
				close(unmounted)
			}()
			select {
			case <-ctx.Done():
				logger.Info("received signal, shutting down")
			case <-unmounted:
				logger.Info("all file systems unmounted")
			}
			if err := a.Stop(context.Background()); err != nil {
				logger.Error("shutdown failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "mount read-only (with --device)")
	cmd.Flags().BoolVar(&format, "format", false, "format a blank device before mounting (with --device)")
	return cmd
}
