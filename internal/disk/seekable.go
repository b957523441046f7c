package disk

import (
	"io"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
)

// SeekableDisk is a byte-addressed view of a BlockDevice. Partial block
// writes read the block, patch it and write it back.
type SeekableDisk struct {
	dev       BlockDevice
	pos       uint64
	size      uint64
	blockSize uint64
	scratch   []byte
}

var (
	_ io.ReadWriteSeeker = (*SeekableDisk)(nil)
	_ io.ReaderAt        = (*SeekableDisk)(nil)
	_ io.WriterAt        = (*SeekableDisk)(nil)
)

// NewSeekableDisk wraps dev, positioned at offset zero.
func NewSeekableDisk(dev BlockDevice) *SeekableDisk {
	bs := uint64(dev.BlockSize())
	return &SeekableDisk{
		dev:       dev,
		size:      bs * dev.NumBlocks(),
		blockSize: bs,
		scratch:   make([]byte, bs),
	}
}

// Size returns the device size in bytes.
func (d *SeekableDisk) Size() uint64 { return d.size }

// Position returns the current offset.
func (d *SeekableDisk) Position() uint64 { return d.pos }

// Device returns the wrapped block device.
func (d *SeekableDisk) Device() BlockDevice { return d.dev }

// Seek implements io.Seeker. Seeking past the end of the device fails.
func (d *SeekableDisk) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(d.pos)
	case io.SeekEnd:
		base = int64(d.size)
	default:
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "bad whence %d", whence)
	}
	next := base + offset
	if next < 0 || uint64(next) > d.size {
		return 0, errors.Newf(errors.ErrCodeInvalidArgument, "seek to %d outside device of %d bytes", next, d.size)
	}
	d.pos = uint64(next)
	return next, nil
}

// Read implements io.Reader.
func (d *SeekableDisk) Read(p []byte) (int, error) {
	if d.pos >= d.size {
		return 0, io.EOF
	}
	if rem := d.size - d.pos; uint64(len(p)) > rem {
		p = p[:rem]
	}
	total := 0
	for len(p) > 0 {
		idx := d.pos / d.blockSize
		within := d.pos % d.blockSize
		if within == 0 && uint64(len(p)) >= d.blockSize {
			if err := d.dev.ReadBlock(idx, p[:d.blockSize]); err != nil {
				return total, err
			}
			p = p[d.blockSize:]
			d.pos += d.blockSize
			total += int(d.blockSize)
			continue
		}
		if err := d.dev.ReadBlock(idx, d.scratch); err != nil {
			return total, err
		}
		n := copy(p, d.scratch[within:])
		p = p[n:]
		d.pos += uint64(n)
		total += n
	}
	return total, nil
}

// Write implements io.Writer. Writing past the end of the device fails
// with a no-space error after the bytes that fit were written.
func (d *SeekableDisk) Write(p []byte) (int, error) {
	var short bool
	if rem := d.size - d.pos; uint64(len(p)) > rem {
		p = p[:rem]
		short = true
	}
	total := 0
	for len(p) > 0 {
		idx := d.pos / d.blockSize
		within := d.pos % d.blockSize
		if within == 0 && uint64(len(p)) >= d.blockSize {
			if err := d.dev.WriteBlock(idx, p[:d.blockSize]); err != nil {
				return total, err
			}
			p = p[d.blockSize:]
			d.pos += d.blockSize
			total += int(d.blockSize)
			continue
		}
		if err := d.dev.ReadBlock(idx, d.scratch); err != nil {
			return total, err
		}
		n := copy(d.scratch[within:], p)
		if err := d.dev.WriteBlock(idx, d.scratch); err != nil {
			return total, err
		}
		p = p[n:]
		d.pos += uint64(n)
		total += n
	}
	if short {
		return total, errors.ErrNoSpace
	}
	return total, nil
}

// ReadAt fills p from byte offset off. It moves the current offset.
func (d *SeekableDisk) ReadAt(p []byte, off int64) (int, error) {
	if _, err := d.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(d, p)
}

// WriteAt stores p at byte offset off. It moves the current offset.
func (d *SeekableDisk) WriteAt(p []byte, off int64) (int, error) {
	if _, err := d.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return d.Write(p)
}

// Flush flushes the underlying device.
func (d *SeekableDisk) Flush() error {
	return d.dev.Flush()
}
