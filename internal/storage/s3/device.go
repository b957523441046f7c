package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/scttfrdmn/diskvfs/internal/circuit"
	"github.com/scttfrdmn/diskvfs/internal/disk"
	"github.com/scttfrdmn/diskvfs/pkg/errors"
)

// Device is a block device stored in an S3 bucket. Consecutive blocks are
// grouped into one object; a group never written reads as zeros.
//
// Groups are fetched on first access and kept in memory. Writes only
// touch the in-memory copy until Flush uploads every dirty group. Objects
// carry an xxhash64 checksum and are zstd compressed unless compression is
// turned off. A CBOR manifest next to the objects records the geometry of
// the volume.
type Device struct {
	mu     sync.Mutex
	client ObjectAPI
	config Config
	logger *zap.Logger

	blocks    uint64
	groupSize int
	groups    map[uint64]*group

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	codec           *codec
	manifestChecked bool
	manifestMissing bool

	breaker *circuit.Breaker
	metrics metricsCollector
}

type group struct {
	data  []byte
	dirty bool
}

var _ disk.BlockDevice = (*Device)(nil)

// Open creates a device over client. The context bounds every request
// the device makes until Close.
func Open(ctx context.Context, client ObjectAPI, cfg *Config, logger *zap.Logger) (*Device, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3 device configuration is required").WithComponent("s3")
	}
	c := *cfg
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cd, err := newCodec(c.Compression)
	if err != nil {
		return nil, errors.New(errors.ErrCodeIO, "zstd codec initialization failed").WithComponent("s3").WithCause(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Device{
		codec:     cd,
		client:    client,
		config:    c,
		logger:    logger.With(zap.String("component", "s3-device"), zap.String("bucket", c.Bucket)),
		blocks:    c.Size / uint64(c.BlockSize),
		groupSize: c.BlocksPerObject,
		groups:    make(map[uint64]*group),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.breaker = circuit.New(c.Bucket, circuit.Config{
		FailureThreshold: c.BreakerThreshold,
		Cooldown:         c.BreakerCooldown,
		OnStateChange: func(name string, from, to circuit.State) {
			d.logger.Warn("bucket circuit breaker changed state",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return d, nil
}

func (d *Device) BlockSize() uint32 { return d.config.BlockSize }

func (d *Device) NumBlocks() uint64 { return d.blocks }

// ObjectKey returns the key of the object holding group idx.
func (d *Device) ObjectKey(idx uint64) string {
	return fmt.Sprintf("%sblocks/%016x", d.config.Prefix, idx)
}

// ManifestKey returns the key of the volume manifest.
func (d *Device) ManifestKey() string {
	return d.config.Prefix + manifestName
}

// Metrics returns a snapshot of the request metrics.
func (d *Device) Metrics() DeviceMetrics {
	return d.metrics.snapshot()
}

func (d *Device) checkBlock(idx uint64, buf []byte) error {
	if idx >= d.blocks {
		return errors.Newf(errors.ErrCodeInvalidArgument, "block %d out of range (%d blocks)", idx, d.blocks)
	}
	if len(buf) != int(d.config.BlockSize) {
		return errors.Newf(errors.ErrCodeInvalidArgument, "buffer of %d bytes for %d byte blocks", len(buf), d.config.BlockSize)
	}
	return nil
}

// groupBytes is the stored length of group idx; the last group may hold
// fewer blocks.
func (d *Device) groupBytes(idx uint64) int {
	first := idx * uint64(d.groupSize)
	n := min(uint64(d.groupSize), d.blocks-first)
	return int(n) * int(d.config.BlockSize)
}

func (d *Device) ReadBlock(idx uint64, buf []byte) error {
	if err := d.checkBlock(idx, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	g, off, err := d.locateLocked(idx)
	if err != nil {
		return err
	}
	copy(buf, g.data[off:])
	return nil
}

func (d *Device) WriteBlock(idx uint64, buf []byte) error {
	if err := d.checkBlock(idx, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	g, off, err := d.locateLocked(idx)
	if err != nil {
		return err
	}
	copy(g.data[off:off+len(buf)], buf)
	g.dirty = true
	return nil
}

func (d *Device) locateLocked(block uint64) (*group, int, error) {
	if d.closed {
		return nil, 0, errors.New(errors.ErrCodeIO, "device closed").WithComponent("s3")
	}
	idx := block / uint64(d.groupSize)
	off := int(block%uint64(d.groupSize)) * int(d.config.BlockSize)
	if g, ok := d.groups[idx]; ok {
		return g, off, nil
	}
	if err := d.checkManifestLocked(); err != nil {
		return nil, 0, err
	}
	data, err := d.fetch(idx)
	if err != nil {
		return nil, 0, err
	}
	g := &group{data: data}
	d.groups[idx] = g
	return g, off, nil
}

func (d *Device) manifest() manifest {
	return manifest{
		Version:         manifestVersion,
		Size:            d.blocks * uint64(d.config.BlockSize),
		BlockSize:       d.config.BlockSize,
		BlocksPerObject: d.groupSize,
	}
}

// checkManifestLocked compares the stored manifest with the configured
// geometry once per device. A prefix without a manifest gets one on the
// first flush.
func (d *Device) checkManifestLocked() error {
	if d.manifestChecked {
		return nil
	}
	key := d.ManifestKey()
	var (
		body  []byte
		found bool
	)
	err := d.retry("GetObject", key, func(ctx context.Context) error {
		out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
				found = false
				return nil
			}
			if isErrorType[*s3types.NoSuchBucket](err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer out.Body.Close()
		body, err = io.ReadAll(io.LimitReader(out.Body, 1<<16))
		found = err == nil
		return err
	})
	if err != nil {
		return d.translateError(err, "GetObject", key)
	}
	if found {
		stored, err := decodeManifest(body)
		if err != nil {
			return errors.Newf(errors.ErrCodeIO, "unreadable manifest %s", key).WithComponent("s3").WithCause(err)
		}
		if want := d.manifest(); !stored.matches(want) {
			return errors.Newf(errors.ErrCodeInvalidConfig, "%s holds a volume of %s, configured for %s", key, stored, want).
				WithComponent("s3")
		}
	}
	d.manifestMissing = !found
	d.manifestChecked = true
	return nil
}

func (d *Device) putManifestLocked() error {
	body, err := encodeManifest(d.manifest())
	if err != nil {
		return errors.New(errors.ErrCodeIO, "encode manifest").WithComponent("s3").WithCause(err)
	}
	key := d.ManifestKey()
	err = d.retry("PutObject", key, func(ctx context.Context) error {
		_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(d.config.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String("application/cbor"),
		})
		if isErrorType[*s3types.NoSuchBucket](err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return d.translateError(err, "PutObject", key)
	}
	d.manifestMissing = false
	return nil
}

// fetch downloads group idx. A missing object yields a zeroed group.
func (d *Device) fetch(idx uint64) ([]byte, error) {
	key := d.ObjectKey(idx)
	data := make([]byte, d.groupBytes(idx))

	err := d.retry("GetObject", key, func(ctx context.Context) error {
		out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
				clear(data)
				return nil
			}
			if isErrorType[*s3types.NoSuchBucket](err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer out.Body.Close()

		body, err := io.ReadAll(io.LimitReader(out.Body, int64(2*len(data)+1024)))
		if err != nil {
			return err
		}
		d.metrics.recordTransfer(0, int64(len(body)))
		if err := d.codec.decode(body, aws.ToString(out.ContentEncoding), out.Metadata, data); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, d.translateError(err, "GetObject", key)
	}
	return data, nil
}

func (d *Device) put(idx uint64, data []byte) error {
	key := d.ObjectKey(idx)
	body, encoding, meta := d.codec.encode(data)
	err := d.retry("PutObject", key, func(ctx context.Context) error {
		in := &s3.PutObjectInput{
			Bucket:        aws.String(d.config.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String("application/octet-stream"),
			Metadata:      meta,
		}
		if encoding != "" {
			in.ContentEncoding = aws.String(encoding)
		}
		_, err := d.client.PutObject(ctx, in)
		if isErrorType[*s3types.NoSuchBucket](err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return d.translateError(err, "PutObject", key)
	}
	d.metrics.recordTransfer(int64(len(body)), 0)
	return nil
}

// retry runs op with exponential backoff until it succeeds, fails
// permanently or the retry budget is spent. Requests are refused without
// calling the bucket while the breaker is open.
func (d *Device) retry(operation, key string, op func(ctx context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.config.RetryInitialInterval
	exp.MaxElapsedTime = d.config.RetryMaxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(d.config.MaxRetries)), d.ctx)

	attempt := func() error {
		ctx, cancel := context.WithTimeout(d.ctx, d.config.RequestTimeout)
		defer cancel()

		start := time.Now()
		err := op(ctx)
		d.metrics.recordRequest(time.Since(start), err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.metrics.recordRetry()
		d.logger.Warn("retrying S3 request",
			zap.String("operation", operation),
			zap.String("key", key),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return d.breaker.Execute(func() error {
		return backoff.RetryNotify(attempt, policy, notify)
	})
}

// BreakerState returns the state of the bucket circuit breaker.
func (d *Device) BreakerState() circuit.State {
	return d.breaker.State()
}

// Flush uploads every dirty group in key order.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	return d.flushLocked()
}

func (d *Device) flushLocked() error {
	dirty := make([]uint64, 0, len(d.groups))
	for idx, g := range d.groups {
		if g.dirty {
			dirty = append(dirty, idx)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })
	if len(dirty) == 0 {
		return nil
	}

	if err := d.checkManifestLocked(); err != nil {
		return err
	}
	if d.manifestMissing {
		if err := d.putManifestLocked(); err != nil {
			return err
		}
	}
	for _, idx := range dirty {
		g := d.groups[idx]
		if err := d.put(idx, g.data); err != nil {
			return err
		}
		g.dirty = false
	}
	d.logger.Debug("flushed block groups", zap.Int("groups", len(dirty)))
	return nil
}

// Close flushes dirty groups and releases the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	err := d.flushLocked()
	d.closed = true
	d.groups = nil
	d.codec.close()
	d.cancel()
	return err
}

func (d *Device) translateError(err error, operation, key string) error {
	switch {
	case stderrors.Is(err, circuit.ErrOpen):
		return errors.Newf(errors.ErrCodeIO, "%s refused for %s: bucket %s is failing", operation, key, d.config.Bucket).
			WithComponent("s3").WithOperation(operation).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Newf(errors.ErrCodeIO, "bucket not found: %s", d.config.Bucket).
			WithComponent("s3").WithOperation(operation).WithCause(err)
	default:
		return errors.Newf(errors.ErrCodeIO, "%s failed for %s", operation, key).
			WithComponent("s3").WithOperation(operation).WithCause(err)
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
