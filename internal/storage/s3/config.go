package s3

import (
	"time"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
)

// Config represents the S3 block device configuration
type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Geometry
	Size            uint64 `yaml:"size"`
	BlockSize       uint32 `yaml:"block_size"`
	BlocksPerObject int    `yaml:"blocks_per_object"`

	// Compression is "zstd" or "none".
	Compression string `yaml:"compression"`

	// Retry settings
	MaxRetries           int           `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxElapsed      time.Duration `yaml:"retry_max_elapsed"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	// Requests failing after retries in a row before the device stops
	// calling the bucket for BreakerCooldown.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// DefaultConfig returns a configuration with retry and grouping defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:               "us-east-1",
		BlockSize:            512,
		BlocksPerObject:      128,
		Compression:          CompressionZstd,
		MaxRetries:           5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxElapsed:      30 * time.Second,
		RequestTimeout:       30 * time.Second,
		BreakerThreshold:     5,
		BreakerCooldown:      30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BlockSize == 0 {
		c.BlockSize = def.BlockSize
	}
	if c.BlocksPerObject <= 0 {
		c.BlocksPerObject = def.BlocksPerObject
	}
	if c.Compression == "" {
		c.Compression = def.Compression
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = def.RetryMaxElapsed
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = def.BreakerCooldown
	}
}

// Validate checks the device geometry and the bucket name.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "block size %d is not a power of two", c.BlockSize).WithComponent("s3")
	}
	switch c.Compression {
	case "", CompressionZstd, CompressionNone:
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unknown compression %q", c.Compression).WithComponent("s3")
	}
	if c.Size == 0 || c.Size%uint64(c.BlockSize) != 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "device size %d is not a multiple of block size %d", c.Size, c.BlockSize).WithComponent("s3")
	}
	return nil
}
