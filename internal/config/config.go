package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/scttfrdmn/diskvfs/pkg/utils"
)

// Filesystem and device type names accepted in mount entries.
const (
	FilesystemExt4 = "ext4"
	FilesystemVFAT = "vfat"

	DeviceFile   = "file"
	DeviceMemory = "memory"
	DeviceS3     = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Mounts     []MountConfig    `yaml:"mounts"`
	Fuse       FuseConfig       `yaml:"fuse"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel      string        `yaml:"log_level"`
	LogFile       string        `yaml:"log_file"`
	LogFormat     string        `yaml:"log_format"`
	MetricsPort   int           `yaml:"metrics_port"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MountConfig describes one filesystem image and where to serve it.
type MountConfig struct {
	Name       string       `yaml:"name"`
	Filesystem string       `yaml:"filesystem"`
	Device     DeviceConfig `yaml:"device"`
	MountPoint string       `yaml:"mount_point"`
	ReadOnly   bool         `yaml:"read_only"`

	// Format writes an empty filesystem when the device carries none.
	Format bool       `yaml:"format"`
	Ext4   Ext4Config `yaml:"ext4"`
	FAT    FATConfig  `yaml:"fat"`
}

// DeviceConfig selects the block device behind a mount.
type DeviceConfig struct {
	Type      string   `yaml:"type"`
	Path      string   `yaml:"path"`
	Size      string   `yaml:"size"`
	BlockSize string   `yaml:"block_size"`
	S3        S3Config `yaml:"s3"`
}

// S3Config represents the object store settings of an s3 device.
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	BlocksPerObject int           `yaml:"blocks_per_object"`
	Compression     string        `yaml:"compression"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`

	// BreakerThreshold consecutive failed requests stop the device from
	// calling the bucket for BreakerCooldown.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// Ext4Config holds format parameters of ext4 volumes.
type Ext4Config struct {
	BlockSize  string `yaml:"block_size"`
	InodeCount uint32 `yaml:"inode_count"`
}

// FATConfig holds format parameters of FAT volumes.
type FATConfig struct {
	SectorsPerCluster uint32 `yaml:"sectors_per_cluster"`
	VolumeLabel       string `yaml:"volume_label"`
}

// FuseConfig represents the FUSE server settings
type FuseConfig struct {
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	MaxWrite     string        `yaml:"max_write"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "json",
			MetricsPort:   8080,
			FlushInterval: 30 * time.Second,
		},
		Fuse: FuseConfig{
			EntryTimeout: time.Second,
			AttrTimeout:  time.Second,
			MaxWrite:     "128KiB",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "diskvfs",
			},
		},
	}
}

// NewMount returns a mount entry with defaults for filesystem fs.
func NewMount(name, fs string) MountConfig {
	return MountConfig{
		Name:       name,
		Filesystem: fs,
		Device: DeviceConfig{
			Type:      DeviceFile,
			Size:      "64MiB",
			BlockSize: "512B",
			S3: S3Config{
				BlocksPerObject:  128,
				MaxRetries:       5,
				RetryMaxElapsed:  30 * time.Second,
				BreakerThreshold: 5,
				BreakerCooldown:  30 * time.Second,
			},
		},
		Format: true,
		Ext4: Ext4Config{
			BlockSize:  "4KiB",
			InodeCount: 4096,
		},
		FAT: FATConfig{
			SectorsPerCluster: 8,
		},
	}
}

// Logging returns the logger settings.
func (c *Configuration) Logging() utils.LoggingConfig {
	return utils.LoggingConfig{
		Level:  c.Global.LogLevel,
		Format: c.Global.LogFormat,
		File:   c.Global.LogFile,
	}
}

// Mount returns the mount entry called name.
func (c *Configuration) Mount(name string) (*MountConfig, error) {
	for i := range c.Mounts {
		if c.Mounts[i].Name == name {
			return &c.Mounts[i], nil
		}
	}
	return nil, fmt.Errorf("no mount named %q", name)
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables. Mount
// settings apply to every configured mount.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("DISKVFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DISKVFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("DISKVFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("DISKVFS_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid DISKVFS_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}
	if val := os.Getenv("DISKVFS_FLUSH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid DISKVFS_FLUSH_INTERVAL: %w", err)
		}
		c.Global.FlushInterval = d
	}

	// FUSE settings
	if val := os.Getenv("DISKVFS_FUSE_ALLOW_OTHER"); val != "" {
		c.Fuse.AllowOther = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DISKVFS_FUSE_DEBUG"); val != "" {
		c.Fuse.Debug = strings.ToLower(val) == "true"
	}

	// S3 credentials
	for i := range c.Mounts {
		s3 := &c.Mounts[i].Device.S3
		if val := os.Getenv("DISKVFS_S3_ENDPOINT"); val != "" {
			s3.Endpoint = val
		}
		if val := os.Getenv("DISKVFS_S3_ACCESS_KEY_ID"); val != "" {
			s3.AccessKeyID = val
		}
		if val := os.Getenv("DISKVFS_S3_SECRET_ACCESS_KEY"); val != "" {
			s3.SecretAccessKey = val
		}
	}

	if val := os.Getenv("DISKVFS_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", c.Global.MetricsPort)
	}
	if c.Global.FlushInterval < 0 {
		return fmt.Errorf("flush_interval must not be negative")
	}
	if c.Fuse.MaxWrite != "" {
		if _, err := utils.ParseBytes(c.Fuse.MaxWrite); err != nil {
			return fmt.Errorf("fuse.max_write: %w", err)
		}
	}

	seen := make(map[string]bool)
	for i := range c.Mounts {
		m := &c.Mounts[i]
		if m.Name == "" {
			return fmt.Errorf("mount %d has no name", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate mount name %q", m.Name)
		}
		seen[m.Name] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mount %q: %w", m.Name, err)
		}
	}

	return nil
}

// Validate checks one mount entry.
func (m *MountConfig) Validate() error {
	switch m.Filesystem {
	case FilesystemExt4, FilesystemVFAT:
	default:
		return fmt.Errorf("unsupported filesystem %q (must be ext4 or vfat)", m.Filesystem)
	}

	switch m.Device.Type {
	case DeviceFile:
		if m.Device.Path == "" {
			return fmt.Errorf("file device requires a path")
		}
	case DeviceMemory:
	case DeviceS3:
		if m.Device.S3.Bucket == "" {
			return fmt.Errorf("s3 device requires a bucket")
		}
		if m.Device.S3.BlocksPerObject <= 0 {
			return fmt.Errorf("s3.blocks_per_object must be greater than 0")
		}
		switch m.Device.S3.Compression {
		case "", "zstd", "none":
		default:
			return fmt.Errorf("unsupported s3.compression %q", m.Device.S3.Compression)
		}
	default:
		return fmt.Errorf("unsupported device type %q", m.Device.Type)
	}

	size, err := m.DeviceSize()
	if err != nil {
		return err
	}
	bs, err := m.DeviceBlockSize()
	if err != nil {
		return err
	}
	if bs < 512 || bs&(bs-1) != 0 {
		return fmt.Errorf("device block_size must be a power of two of at least 512, got %d", bs)
	}
	if size == 0 || size%uint64(bs) != 0 {
		return fmt.Errorf("device size %d is not a positive multiple of the block size", size)
	}

	if m.Filesystem == FilesystemExt4 && m.Ext4.BlockSize != "" {
		if _, err := utils.ParseBytes(m.Ext4.BlockSize); err != nil {
			return fmt.Errorf("ext4.block_size: %w", err)
		}
	}
	if m.Filesystem == FilesystemVFAT {
		spc := m.FAT.SectorsPerCluster
		if spc != 0 && (spc&(spc-1) != 0 || spc > 128) {
			return fmt.Errorf("fat.sectors_per_cluster must be a power of two up to 128")
		}
	}
	return nil
}

// DeviceSize parses the configured device size.
func (m *MountConfig) DeviceSize() (uint64, error) {
	size, err := utils.ParseBytes(m.Device.Size)
	if err != nil {
		return 0, fmt.Errorf("device.size: %w", err)
	}
	return size, nil
}

// DeviceBlockSize parses the configured sector size, defaulting to 512.
func (m *MountConfig) DeviceBlockSize() (uint32, error) {
	if m.Device.BlockSize == "" {
		return 512, nil
	}
	bs, err := utils.ParseBytes(m.Device.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("device.block_size: %w", err)
	}
	if bs > 1<<16 {
		return 0, fmt.Errorf("device.block_size too large: %d", bs)
	}
	return uint32(bs), nil
}

// Ext4BlockSize parses the ext4 block size, zero meaning the engine
// default.
func (m *MountConfig) Ext4BlockSize() (uint32, error) {
	if m.Ext4.BlockSize == "" {
		return 0, nil
	}
	bs, err := utils.ParseBytes(m.Ext4.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("ext4.block_size: %w", err)
	}
	return uint32(bs), nil
}

// MaxWriteBytes parses the FUSE max write size, zero meaning the server
// default.
func (f *FuseConfig) MaxWriteBytes() (int, error) {
	if f.MaxWrite == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(f.MaxWrite)
	if err != nil {
		return 0, fmt.Errorf("fuse.max_write: %w", err)
	}
	return int(n), nil
}
