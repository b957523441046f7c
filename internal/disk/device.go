// Package disk defines the block device contract consumed by the filesystem
// engines and the devices diskvfs ships: a host file, an in-memory buffer
// and (in internal/storage/s3) an object store.
package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
)

// DefaultBlockSize is the sector size used when none is configured.
const DefaultBlockSize = 512

// ErrNoFilesystem is reported by the engines when a device does not carry
// the filesystem they were asked to mount, which is the case for a blank
// device.
var ErrNoFilesystem = errors.New(errors.ErrCodeNotFound, "device carries no filesystem")

// BlockDevice is a fixed-sector, block-addressable storage device.
type BlockDevice interface {
	// BlockSize returns the size of one block in bytes.
	BlockSize() uint32

	// NumBlocks returns the number of addressable blocks.
	NumBlocks() uint64

	// ReadBlock fills buf, which must be exactly one block long, with the
	// contents of block idx.
	ReadBlock(idx uint64, buf []byte) error

	// WriteBlock stores buf, exactly one block long, at block idx.
	WriteBlock(idx uint64, buf []byte) error

	Flush() error
	Close() error
}

func checkBlock(dev BlockDevice, idx uint64, buf []byte) error {
	if idx >= dev.NumBlocks() {
		return errors.Newf(errors.ErrCodeInvalidArgument, "block %d out of range (%d blocks)", idx, dev.NumBlocks())
	}
	if len(buf) != int(dev.BlockSize()) {
		return errors.Newf(errors.ErrCodeInvalidArgument, "buffer of %d bytes for %d byte blocks", len(buf), dev.BlockSize())
	}
	return nil
}

func checkGeometry(size uint64, blockSize uint32) error {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "block size %d is not a power of two", blockSize)
	}
	if size == 0 || size%uint64(blockSize) != 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "device size %d is not a multiple of block size %d", size, blockSize)
	}
	return nil
}

// MemDevice is a block device backed by memory.
type MemDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	closed    bool
}

// NewMemDevice creates a zeroed in-memory device of size bytes.
func NewMemDevice(size uint64, blockSize uint32) (*MemDevice, error) {
	if err := checkGeometry(size, blockSize); err != nil {
		return nil, err
	}
	return &MemDevice{data: make([]byte, size), blockSize: blockSize}, nil
}

func (m *MemDevice) BlockSize() uint32 { return m.blockSize }

func (m *MemDevice) NumBlocks() uint64 { return uint64(len(m.data)) / uint64(m.blockSize) }

func (m *MemDevice) ReadBlock(idx uint64, buf []byte) error {
	if err := checkBlock(m, idx, buf); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New(errors.ErrCodeIO, "device closed")
	}
	off := idx * uint64(m.blockSize)
	copy(buf, m.data[off:off+uint64(m.blockSize)])
	return nil
}

func (m *MemDevice) WriteBlock(idx uint64, buf []byte) error {
	if err := checkBlock(m, idx, buf); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.ErrCodeIO, "device closed")
	}
	off := idx * uint64(m.blockSize)
	copy(m.data[off:], buf)
	return nil
}

func (m *MemDevice) Flush() error { return nil }

func (m *MemDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FileDevice is a block device backed by a host file or block special file.
type FileDevice struct {
	file      *os.File
	blockSize uint32
	blocks    uint64
}

// OpenFileDevice opens path as a device. When size is non-zero and the file
// is smaller, the file is created or extended to size bytes.
func OpenFileDevice(path string, size uint64, blockSize uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat device %s: %w", path, err)
	}
	current := uint64(info.Size())
	if size > current {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("resize device %s: %w", path, err)
		}
		current = size
	}
	if err := checkGeometry(current, blockSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{file: f, blockSize: blockSize, blocks: current / uint64(blockSize)}, nil
}

func (d *FileDevice) BlockSize() uint32 { return d.blockSize }

func (d *FileDevice) NumBlocks() uint64 { return d.blocks }

func (d *FileDevice) ReadBlock(idx uint64, buf []byte) error {
	if err := checkBlock(d, idx, buf); err != nil {
		return err
	}
	if _, err := d.file.ReadAt(buf, int64(idx)*int64(d.blockSize)); err != nil {
		return errors.New(errors.ErrCodeIO, "").WithCause(err).WithOperation("read_block")
	}
	return nil
}

func (d *FileDevice) WriteBlock(idx uint64, buf []byte) error {
	if err := checkBlock(d, idx, buf); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(buf, int64(idx)*int64(d.blockSize)); err != nil {
		return errors.New(errors.ErrCodeIO, "").WithCause(err).WithOperation("write_block")
	}
	return nil
}

// Flush forces written blocks to stable storage.
func (d *FileDevice) Flush() error {
	if err := datasync(d.file); err != nil {
		return errors.New(errors.ErrCodeIO, "").WithCause(err).WithOperation("flush")
	}
	return nil
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}
