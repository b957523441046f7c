// Package mount opens the configured block devices, binds each one to its
// filesystem adapter and keeps the mounted volumes flushed.
package mount

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/diskvfs/internal/backend/extfs"
	"github.com/scttfrdmn/diskvfs/internal/backend/fatfs"
	"github.com/scttfrdmn/diskvfs/internal/config"
	"github.com/scttfrdmn/diskvfs/internal/disk"
	"github.com/scttfrdmn/diskvfs/internal/fs/ext4"
	"github.com/scttfrdmn/diskvfs/internal/fs/fat"
	"github.com/scttfrdmn/diskvfs/internal/guarded"
	"github.com/scttfrdmn/diskvfs/internal/storage/s3"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
	"github.com/scttfrdmn/diskvfs/pkg/vfs"
)

// Filesystem is a mounted volume.
type Filesystem interface {
	vfs.FilesystemOps
	Flush() error
	Close() error
}

// ObserverSource hands out a lock observer per mount. *metrics.Collector
// implements it.
type ObserverSource interface {
	Observer(mount string) guarded.Observer
}

// VolumeRecorder receives statfs figures after each flush.
type VolumeRecorder interface {
	UpdateVolume(mount string, st vfs.StatFs)
}

// DeviceOpener opens the block device of a mount.
type DeviceOpener func(ctx context.Context, mc *config.MountConfig, logger *zap.Logger) (disk.BlockDevice, error)

// Mount is one opened volume.
type Mount struct {
	ID     string
	Name   string
	Config config.MountConfig
	FS     Filesystem
	Device disk.BlockDevice
}

// Options configure a Manager. All fields are optional.
type Options struct {
	Logger     *zap.Logger
	Observers  ObserverSource
	Volumes    VolumeRecorder
	OpenDevice DeviceOpener
}

// Manager owns the opened mounts.
type Manager struct {
	mu     sync.Mutex
	mounts map[string]*Mount
	opts   Options
	logger *zap.Logger
}

// NewManager creates a manager with no mounts.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OpenDevice == nil {
		opts.OpenDevice = OpenDevice
	}
	return &Manager{
		mounts: make(map[string]*Mount),
		opts:   opts,
		logger: opts.Logger,
	}
}

// OpenDevice opens the device described by mc.
func OpenDevice(ctx context.Context, mc *config.MountConfig, logger *zap.Logger) (disk.BlockDevice, error) {
	size, err := mc.DeviceSize()
	if err != nil {
		return nil, err
	}
	bs, err := mc.DeviceBlockSize()
	if err != nil {
		return nil, err
	}

	switch mc.Device.Type {
	case config.DeviceMemory:
		dev, err := disk.NewMemDevice(size, bs)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case config.DeviceFile:
		dev, err := disk.OpenFileDevice(mc.Device.Path, size, bs)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case config.DeviceS3:
		sc := mc.Device.S3
		cfg := &s3.Config{
			Bucket:           sc.Bucket,
			Prefix:           sc.Prefix,
			Region:           sc.Region,
			Endpoint:         sc.Endpoint,
			AccessKeyID:      sc.AccessKeyID,
			SecretAccessKey:  sc.SecretAccessKey,
			ForcePathStyle:   sc.ForcePathStyle,
			Size:             size,
			BlockSize:        bs,
			BlocksPerObject:  sc.BlocksPerObject,
			Compression:      sc.Compression,
			MaxRetries:       sc.MaxRetries,
			RetryMaxElapsed:  sc.RetryMaxElapsed,
			BreakerThreshold: sc.BreakerThreshold,
			BreakerCooldown:  sc.BreakerCooldown,
		}
		client, err := s3.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dev, err := s3.Open(ctx, client, cfg, logger)
		if err != nil {
			return nil, err
		}
		return dev, nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unsupported device type %q", mc.Device.Type)
	}
}

// Format writes an empty filesystem of the configured type to dev.
func Format(mc *config.MountConfig, dev disk.BlockDevice) error {
	switch mc.Filesystem {
	case config.FilesystemExt4:
		bs, err := mc.Ext4BlockSize()
		if err != nil {
			return err
		}
		return extfs.Format(dev, extfs.FormatOptions{BlockSize: bs, InodeCount: mc.Ext4.InodeCount})
	case config.FilesystemVFAT:
		return fatfs.Format(dev, fatfs.FormatOptions{
			SectorsPerCluster: mc.FAT.SectorsPerCluster,
			VolumeLabel:       mc.FAT.VolumeLabel,
		})
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unsupported filesystem %q", mc.Filesystem)
	}
}

func (m *Manager) observer(name string) guarded.Observer {
	if m.opts.Observers == nil {
		return nil
	}
	return m.opts.Observers.Observer(name)
}

// bind mounts the engine found on dev.
func (m *Manager) bind(mc *config.MountConfig, dev disk.BlockDevice, logger *zap.Logger) (Filesystem, error) {
	switch mc.Filesystem {
	case config.FilesystemExt4:
		engine, err := extfs.Open(dev, extfs.Options{})
		if err != nil {
			return nil, err
		}
		return ext4.New(engine, ext4.Options{Observer: m.observer(mc.Name), Logger: logger}), nil
	case config.FilesystemVFAT:
		engine, err := fatfs.New(dev, fatfs.Options{})
		if err != nil {
			return nil, err
		}
		return fat.New(engine, fat.Options{Observer: m.observer(mc.Name), Logger: logger}), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unsupported filesystem %q", mc.Filesystem)
	}
}

// Open opens the device of mc, formats it when it is blank and mc.Format
// is set, and mounts the filesystem.
func (m *Manager) Open(ctx context.Context, mc config.MountConfig) (*Mount, error) {
	if err := mc.Validate(); err != nil {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "mount %q: %v", mc.Name, err).WithCause(err)
	}

	m.mu.Lock()
	_, exists := m.mounts[mc.Name]
	m.mu.Unlock()
	if exists {
		return nil, errors.Newf(errors.ErrCodeAlreadyExists, "mount %q is already open", mc.Name)
	}

	id := uuid.New().String()
	logger := m.logger.With(zap.String("mount", mc.Name), zap.String("mount_id", id), zap.String("fs", mc.Filesystem))

	dev, err := m.opts.OpenDevice(ctx, &mc, logger)
	if err != nil {
		return nil, mountFailed(mc.Name, "open device", err)
	}

	fsys, err := m.bind(&mc, dev, logger)
	if err != nil && stderrors.Is(err, disk.ErrNoFilesystem) && mc.Format {
		logger.Info("formatting blank device")
		if ferr := Format(&mc, dev); ferr != nil {
			_ = dev.Close()
			return nil, mountFailed(mc.Name, "format device", ferr)
		}
		fsys, err = m.bind(&mc, dev, logger)
	}
	if err != nil {
		_ = dev.Close()
		return nil, mountFailed(mc.Name, "mount filesystem", err)
	}

	mnt := &Mount{ID: id, Name: mc.Name, Config: mc, FS: fsys, Device: dev}
	m.mu.Lock()
	m.mounts[mc.Name] = mnt
	m.mu.Unlock()

	logger.Info("mount opened", zap.String("device", mc.Device.Type))
	return mnt, nil
}

func mountFailed(name, step string, err error) error {
	return errors.Newf(errors.ErrCodeMountFailed, "mount %q: %s: %v", name, step, err).
		WithCause(err).WithContext("mount", name)
}

// OpenAll opens every mount of cfg. Mounts opened before a failure stay
// open.
func (m *Manager) OpenAll(ctx context.Context, cfg *config.Configuration) error {
	for _, mc := range cfg.Mounts {
		if _, err := m.Open(ctx, mc); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the mount called name.
func (m *Manager) Get(name string) (*Mount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mnt, ok := m.mounts[name]
	return mnt, ok
}

// Mounts returns the open mounts sorted by name.
func (m *Manager) Mounts() []*Mount {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Mount, 0, len(m.mounts))
	for _, mnt := range m.mounts {
		out = append(out, mnt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) sync(mnt *Mount) error {
	if err := mnt.FS.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", mnt.Name, err)
	}
	if err := mnt.Device.Flush(); err != nil {
		return fmt.Errorf("flush device of %s: %w", mnt.Name, err)
	}
	if m.opts.Volumes != nil {
		if st, err := mnt.FS.Stat(); err == nil {
			m.opts.Volumes.UpdateVolume(mnt.Name, st)
		}
	}
	return nil
}

// SyncAll flushes every mount concurrently and returns the first error.
func (m *Manager) SyncAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, mnt := range m.Mounts() {
		g.Go(func() error {
			return m.sync(mnt)
		})
	}
	return g.Wait()
}

// Run flushes all mounts every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.SyncAll(ctx); err != nil {
				m.logger.Warn("periodic flush failed", zap.Error(err))
			}
		}
	}
}

// Close closes every mount: filesystem first, then device. All errors
// are reported.
func (m *Manager) Close() error {
	m.mu.Lock()
	mounts := m.mounts
	m.mounts = make(map[string]*Mount)
	m.mu.Unlock()

	var result *multierror.Error
	for name, mnt := range mounts {
		if err := mnt.FS.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", name, err))
		}
		if err := mnt.Device.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close device of %s: %w", name, err))
		}
		m.logger.Info("mount closed", zap.String("mount", name), zap.String("mount_id", mnt.ID))
	}
	return result.ErrorOrNil()
}
