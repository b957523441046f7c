package fatfs

import (
	"io"
	"time"
)

// File is a cursor on a file, or on a directory's own entry when obtained
// through Dir.AsFile.
type File struct {
	fs  *FileSystem
	n   *node
	pos uint32
}

var _ io.ReadWriteSeeker = (*File)(nil)

func (f *File) check() error {
	if f.n.removed {
		return ErrNotFound
	}
	return nil
}

// Size returns the file size in bytes. Directories report zero.
func (f *File) Size() uint32 {
	if f.n.dir {
		return 0
	}
	return f.n.size
}

func (f *File) Created() time.Time  { return f.n.created }
func (f *File) Accessed() time.Time { return f.n.accessed }
func (f *File) Modified() time.Time { return f.n.modified }

// SetAccessed sets the last access time.
func (f *File) SetAccessed(t time.Time) {
	f.n.accessed = t
	f.fs.touch(f.n)
}

// SetModified sets the last modification time.
func (f *File) SetModified(t time.Time) {
	f.n.modified = t
	f.fs.touch(f.n)
}

// Seek moves the cursor. Positions past the end of the file are rejected.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(f.pos)
	case io.SeekEnd:
		base = int64(f.Size())
	default:
		return 0, ErrInvalidInput
	}
	next := base + offset
	if next < 0 || next > int64(f.Size()) {
		return 0, ErrInvalidInput
	}
	f.pos = uint32(next)
	return next, nil
}

// Read reads from the cursor position, stopping at the end of the current
// cluster. At the end of the file it returns io.EOF.
func (f *File) Read(p []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if f.n.dir {
		return 0, ErrInvalidInput
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.pos >= f.n.size {
		return 0, io.EOF
	}
	cs := f.fs.geo.clusterSize()
	within := f.pos % cs
	n := uint32(len(p))
	if rem := f.n.size - f.pos; n > rem {
		n = rem
	}
	if rem := cs - within; n > rem {
		n = rem
	}
	c, err := f.fs.clusterAt(f.n, f.pos/cs, false)
	if err != nil {
		return 0, err
	}
	if err := f.fs.readCluster(c, within, p[:n]); err != nil {
		return 0, err
	}
	f.pos += n
	return int(n), nil
}

// Write writes at the cursor position, stopping at the end of the current
// cluster. Writing at the end of the file extends it by one cluster when
// needed.
func (f *File) Write(p []byte) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	if f.n.dir {
		return 0, ErrInvalidInput
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.pos == maxFileSize {
		return 0, ErrFileTooLarge
	}
	cs := f.fs.geo.clusterSize()
	within := f.pos % cs
	n := uint32(len(p))
	if rem := cs - within; n > rem {
		n = rem
	}
	if rem := maxFileSize - f.pos; n > rem {
		n = rem
	}
	c, err := f.fs.clusterAt(f.n, f.pos/cs, true)
	if err != nil {
		return 0, err
	}
	if err := f.fs.writeCluster(c, within, p[:n]); err != nil {
		return 0, err
	}
	f.pos += n
	if f.pos > f.n.size {
		f.n.size = f.pos
	}
	f.n.modified = f.fs.now()
	f.fs.touch(f.n)
	return int(n), nil
}

// Truncate cuts the file at the cursor position.
func (f *File) Truncate() error {
	if err := f.check(); err != nil {
		return err
	}
	if f.n.dir {
		return ErrInvalidInput
	}
	cs := uint64(f.fs.geo.clusterSize())
	keep := uint32((uint64(f.pos) + cs - 1) / cs)
	if err := f.fs.truncateChain(f.n, keep); err != nil {
		return err
	}
	f.n.size = f.pos
	f.n.modified = f.fs.now()
	f.fs.touch(f.n)
	return nil
}

// Flush writes buffered changes of the file. Data is buffered per volume,
// so this flushes the whole volume.
func (f *File) Flush() error {
	if err := f.check(); err != nil {
		return err
	}
	return f.fs.Flush()
}
