package adapter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/diskvfs/internal/config"
	"github.com/scttfrdmn/diskvfs/internal/fuse"
	"github.com/scttfrdmn/diskvfs/internal/metrics"
	"github.com/scttfrdmn/diskvfs/internal/mount"
)

// Adapter runs the configured mounts: it opens the volumes, serves the
// ones with a mount point over FUSE, flushes them periodically and
// exports metrics.
type Adapter struct {
	config    *config.Configuration
	logger    *zap.Logger
	manager   *mount.Manager
	collector *metrics.Collector

	mu      sync.Mutex
	started bool
	servers []*fuse.MountManager
	cancel  context.CancelFunc
	flusher *errgroup.Group
}

// New creates a new adapter instance
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: cfg.Monitoring.Metrics.Namespace,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	return &Adapter{
		config:    cfg,
		logger:    logger,
		collector: collector,
		manager: mount.NewManager(mount.Options{
			Logger:    logger,
			Observers: collector,
			Volumes:   collector,
		}),
	}, nil
}

// Manager returns the mount manager.
func (a *Adapter) Manager() *mount.Manager {
	return a.manager
}

// Collector returns the metrics collector.
func (a *Adapter) Collector() *metrics.Collector {
	return a.collector
}

// Start opens every mount, starts serving and returns. Stop undoes it.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("adapter already started")
	}
	a.started = true
	a.mu.Unlock()

	a.logger.Info("starting diskvfs", zap.Int("mounts", len(a.config.Mounts)))

	maxWrite, err := a.config.Fuse.MaxWriteBytes()
	if err != nil {
		a.reset()
		return err
	}
	if err := a.manager.OpenAll(ctx, a.config); err != nil {
		_ = a.manager.Close()
		a.reset()
		return fmt.Errorf("failed to open mounts: %w", err)
	}
	if err := a.collector.Start(ctx); err != nil {
		_ = a.manager.Close()
		a.reset()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.flusher, runCtx = errgroup.WithContext(runCtx)
	a.flusher.Go(func() error {
		return a.manager.Run(runCtx, a.config.Global.FlushInterval)
	})
	a.mu.Unlock()

	for _, mnt := range a.manager.Mounts() {
		if mnt.Config.MountPoint == "" {
			continue
		}
		bridge := fuse.NewFileSystem(mnt.FS, &fuse.Config{Name: mnt.Name, ReadOnly: mnt.Config.ReadOnly},
			a.logger.With(zap.String("mount", mnt.Name), zap.String("mount_id", mnt.ID)), a.collector)
		opts := fuse.DefaultMountOptions()
		opts.ReadOnly = mnt.Config.ReadOnly
		opts.AllowOther = a.config.Fuse.AllowOther
		opts.Debug = a.config.Fuse.Debug
		opts.Subtype = mnt.Config.Filesystem
		if maxWrite > 0 {
			opts.MaxWrite = uint32(maxWrite)
		}
		if a.config.Fuse.AttrTimeout > 0 {
			opts.AttrTimeout = a.config.Fuse.AttrTimeout
		}
		if a.config.Fuse.EntryTimeout > 0 {
			opts.EntryTimeout = a.config.Fuse.EntryTimeout
		}
		server := fuse.NewMountManager(bridge, &fuse.MountConfig{MountPoint: mnt.Config.MountPoint, Options: opts}, a.logger)
		if err := server.Mount(runCtx); err != nil {
			_ = a.Stop(context.Background())
			return fmt.Errorf("failed to mount %s: %w", mnt.Name, err)
		}
		a.mu.Lock()
		a.servers = append(a.servers, server)
		a.mu.Unlock()
	}

	a.logger.Info("diskvfs started")
	return nil
}

func (a *Adapter) reset() {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
}

// Wait blocks until every FUSE server stopped.
func (a *Adapter) Wait() {
	a.mu.Lock()
	servers := append([]*fuse.MountManager(nil), a.servers...)
	a.mu.Unlock()
	for _, s := range servers {
		s.Wait()
	}
}

// Stop unmounts, stops flushing and closes every mount after a final
// flush.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return fmt.Errorf("adapter not started")
	}
	a.started = false
	servers := a.servers
	a.servers = nil
	cancel := a.cancel
	flusher := a.flusher
	a.mu.Unlock()

	a.logger.Info("stopping diskvfs")
	var result *multierror.Error
	for _, s := range servers {
		if s.IsMounted() {
			if err := s.Unmount(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.Wait()
	}
	if cancel != nil {
		cancel()
	}
	if flusher != nil {
		if err := flusher.Wait(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.manager.SyncAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.manager.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.collector.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	a.logger.Info("diskvfs stopped")
	return result.ErrorOrNil()
}

// DeviceFromURI parses a device URI:
//
//	file:///path/to/disk.img
//	mem://
//	s3://bucket/prefix
//
// Size and block size are left to the caller.
func DeviceFromURI(uri string) (config.DeviceConfig, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return config.DeviceConfig{}, fmt.Errorf("failed to parse URI: %w", err)
	}

	switch parsed.Scheme {
	case "file":
		if parsed.Path == "" {
			return config.DeviceConfig{}, fmt.Errorf("file URI must include a path")
		}
		return config.DeviceConfig{Type: config.DeviceFile, Path: parsed.Path}, nil
	case "mem", "memory":
		return config.DeviceConfig{Type: config.DeviceMemory}, nil
	case "s3":
		if parsed.Host == "" {
			return config.DeviceConfig{}, fmt.Errorf("S3 URI must include bucket name")
		}
		prefix := strings.TrimPrefix(parsed.Path, "/")
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		return config.DeviceConfig{
			Type: config.DeviceS3,
			S3: config.S3Config{
				Bucket:          parsed.Host,
				Prefix:          prefix,
				BlocksPerObject: 128,
				MaxRetries:      5,
			},
		}, nil
	case "":
		// A bare path names a file device.
		if parsed.Path == "" {
			return config.DeviceConfig{}, fmt.Errorf("unsupported device scheme: %q", uri)
		}
		return config.DeviceConfig{Type: config.DeviceFile, Path: parsed.Path}, nil
	default:
		return config.DeviceConfig{}, fmt.Errorf("unsupported device scheme: %s (file, mem and s3 are supported)", parsed.Scheme)
	}
}
