package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestImagePath  = "/var/lib/diskvfs/disk.img"
)

func validConfig() *Configuration {
	cfg := NewDefault()
	m := NewMount("data", FilesystemExt4)
	m.Device.Path = TestImagePath
	cfg.Mounts = append(cfg.Mounts, m)
	return cfg
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 8080 {
		t.Errorf("Expected MetricsPort to be 8080, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Global.FlushInterval != 30*time.Second {
		t.Errorf("Expected FlushInterval to be 30s, got %v", cfg.Global.FlushInterval)
	}
	if len(cfg.Mounts) != 0 {
		t.Errorf("Expected no mounts, got %d", len(cfg.Mounts))
	}
	if cfg.Fuse.MaxWrite != "128KiB" {
		t.Errorf("Expected MaxWrite to be 128KiB, got %s", cfg.Fuse.MaxWrite)
	}
	if !cfg.Monitoring.Metrics.Enabled {
		t.Error("Expected metrics to be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default config to validate, got %v", err)
	}

	logging := cfg.Logging()
	if logging.Level != "INFO" || logging.Format != "json" {
		t.Errorf("Unexpected logging config %+v", logging)
	}
}

func TestNewMount(t *testing.T) {
	m := NewMount("boot", FilesystemVFAT)
	size, err := m.DeviceSize()
	if err != nil {
		t.Fatalf("DeviceSize() error = %v", err)
	}
	if size != 64<<20 {
		t.Errorf("Expected 64MiB device, got %d", size)
	}
	bs, err := m.DeviceBlockSize()
	if err != nil {
		t.Fatalf("DeviceBlockSize() error = %v", err)
	}
	if bs != 512 {
		t.Errorf("Expected 512 byte sectors, got %d", bs)
	}
	ebs, err := m.Ext4BlockSize()
	if err != nil || ebs != 4096 {
		t.Errorf("Expected ext4 block size 4096, got %d (%v)", ebs, err)
	}
	if !m.Format {
		t.Error("Expected Format to default to true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			config:  validConfig,
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Global.LogLevel = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "metrics port out of range",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Global.MetricsPort = 70000
				return cfg
			},
			wantErr: true,
			errMsg:  "metrics_port out of range",
		},
		{
			name: "unknown filesystem",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts[0].Filesystem = "ntfs"
				return cfg
			},
			wantErr: true,
			errMsg:  "unsupported filesystem",
		},
		{
			name: "file device without path",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts[0].Device.Path = ""
				return cfg
			},
			wantErr: true,
			errMsg:  "requires a path",
		},
		{
			name: "s3 device without bucket",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts[0].Device.Type = DeviceS3
				return cfg
			},
			wantErr: true,
			errMsg:  "requires a bucket",
		},
		{
			name: "duplicate mount names",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts = append(cfg.Mounts, cfg.Mounts[0])
				return cfg
			},
			wantErr: true,
			errMsg:  "duplicate mount name",
		},
		{
			name: "unaligned device size",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts[0].Device.Size = "1000B"
				return cfg
			},
			wantErr: true,
			errMsg:  "not a positive multiple",
		},
		{
			name: "bad sector size",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts[0].Device.BlockSize = "768B"
				return cfg
			},
			wantErr: true,
			errMsg:  "power of two",
		},
		{
			name: "unparseable size",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts[0].Device.Size = "lots"
				return cfg
			},
			wantErr: true,
			errMsg:  "device.size",
		},
		{
			name: "bad sectors per cluster",
			config: func() *Configuration {
				cfg := validConfig()
				cfg.Mounts[0].Filesystem = FilesystemVFAT
				cfg.Mounts[0].FAT.SectorsPerCluster = 3
				return cfg
			},
			wantErr: true,
			errMsg:  "sectors_per_cluster",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9090
  flush_interval: 5s

mounts:
  - name: boot
    filesystem: vfat
    mount_point: /mnt/boot
    device:
      type: memory
      size: 8MiB
    fat:
      sectors_per_cluster: 4
      volume_label: BOOT
  - name: archive
    filesystem: ext4
    device:
      type: s3
      size: 1GiB
      block_size: 4KiB
      s3:
        bucket: images
        prefix: archive/
        region: us-west-2
        blocks_per_object: 256
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.FlushInterval != 5*time.Second {
		t.Errorf("Expected FlushInterval to be 5s, got %v", cfg.Global.FlushInterval)
	}
	if len(cfg.Mounts) != 2 {
		t.Fatalf("Expected 2 mounts, got %d", len(cfg.Mounts))
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	boot, err := cfg.Mount("boot")
	if err != nil {
		t.Fatalf("Mount(boot) error = %v", err)
	}
	if boot.FAT.VolumeLabel != "BOOT" || boot.FAT.SectorsPerCluster != 4 {
		t.Errorf("Unexpected FAT config %+v", boot.FAT)
	}

	archive, err := cfg.Mount("archive")
	if err != nil {
		t.Fatalf("Mount(archive) error = %v", err)
	}
	bs, err := archive.DeviceBlockSize()
	if err != nil || bs != 4096 {
		t.Errorf("Expected 4KiB sectors, got %d (%v)", bs, err)
	}
	if archive.Device.S3.Bucket != "images" || archive.Device.S3.BlocksPerObject != 256 {
		t.Errorf("Unexpected S3 config %+v", archive.Device.S3)
	}

	if _, err := cfg.Mount("missing"); err == nil {
		t.Error("Expected error for unknown mount")
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"DISKVFS_LOG_LEVEL":            "ERROR",
		"DISKVFS_METRICS_PORT":         "9090",
		"DISKVFS_FLUSH_INTERVAL":       "1m",
		"DISKVFS_FUSE_ALLOW_OTHER":     "true",
		"DISKVFS_S3_ENDPOINT":          "http://localhost:4566",
		"DISKVFS_S3_ACCESS_KEY_ID":     "test",
		"DISKVFS_S3_SECRET_ACCESS_KEY": "secret",
		"DISKVFS_METRICS_ENABLED":      "false",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := validConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Global.FlushInterval != time.Minute {
		t.Errorf("Expected FlushInterval to be 1m, got %v", cfg.Global.FlushInterval)
	}
	if !cfg.Fuse.AllowOther {
		t.Error("Expected AllowOther to be true")
	}
	if cfg.Monitoring.Metrics.Enabled {
		t.Error("Expected metrics to be disabled")
	}
	s3 := cfg.Mounts[0].Device.S3
	if s3.Endpoint != "http://localhost:4566" || s3.AccessKeyID != "test" || s3.SecretAccessKey != "secret" {
		t.Errorf("Unexpected S3 credentials %+v", s3)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("DISKVFS_METRICS_PORT", "eighty")
	if err := NewDefault().LoadFromEnv(); err == nil {
		t.Error("Expected error for non-numeric metrics port")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "saved_config.yaml")

	cfg := validConfig()
	cfg.Global.LogLevel = TestDebugLevel

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if newCfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if len(newCfg.Mounts) != 1 || newCfg.Mounts[0].Device.Path != TestImagePath {
		t.Errorf("Expected saved mount to round trip, got %+v", newCfg.Mounts)
	}
}
