package disk

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/diskvfs/pkg/errors"
)

func TestMemDevice_Geometry(t *testing.T) {
	tests := []struct {
		name      string
		size      uint64
		blockSize uint32
		wantErr   bool
	}{
		{"valid", 4096, 512, false},
		{"zero size", 0, 512, true},
		{"not multiple", 1000, 512, true},
		{"not power of two", 3000, 300, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemDevice(tt.size, tt.blockSize)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMemDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemDevice_BlockIO(t *testing.T) {
	dev, err := NewMemDevice(2048, 512)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), dev.NumBlocks())

	block := bytes.Repeat([]byte{0xAB}, 512)
	require.NoError(t, dev.WriteBlock(3, block))

	got := make([]byte, 512)
	require.NoError(t, dev.ReadBlock(3, got))
	assert.Equal(t, block, got)

	assert.ErrorIs(t, dev.ReadBlock(4, got), errors.ErrInvalidArgument)
	assert.ErrorIs(t, dev.WriteBlock(0, got[:10]), errors.ErrInvalidArgument)

	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.ReadBlock(0, got), errors.ErrIO)
}

func TestSeekableDisk_UnalignedWrite(t *testing.T) {
	dev, err := NewMemDevice(2048, 512)
	require.NoError(t, err)
	d := NewSeekableDisk(dev)

	payload := bytes.Repeat([]byte("0123456789"), 80)
	_, err = d.Seek(300, io.SeekStart)
	require.NoError(t, err)
	n, err := d.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, uint64(300+len(payload)), d.Position())

	_, err = d.Seek(0, io.SeekStart)
	require.NoError(t, err)
	all, err := io.ReadAll(d)
	require.NoError(t, err)
	require.Len(t, all, 2048)

	assert.Equal(t, make([]byte, 300), all[:300])
	assert.Equal(t, payload, all[300:300+len(payload)])
	assert.Equal(t, make([]byte, 2048-300-len(payload)), all[300+len(payload):])
}

func TestSeekableDisk_Bounds(t *testing.T) {
	dev, err := NewMemDevice(1024, 512)
	require.NoError(t, err)
	d := NewSeekableDisk(dev)

	_, err = d.Seek(1025, io.SeekStart)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	_, err = d.Seek(-1, io.SeekStart)
	assert.Error(t, err)

	pos, err := d.Seek(-4, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(1020), pos)

	n, err := d.Write([]byte("abcdefgh"))
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, errors.ErrNoSpace)

	n, err = d.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestSeekableDisk_ReadAtWriteAt(t *testing.T) {
	dev, err := NewMemDevice(2048, 512)
	require.NoError(t, err)
	d := NewSeekableDisk(dev)

	n, err := d.WriteAt([]byte("boot"), 510)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, err = d.ReadAt(buf, 510)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "boot", string(buf))

	_, err = d.ReadAt(buf, 2046)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = d.ReadAt(buf, 4096)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestFileDevice_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	dev, err := OpenFileDevice(path, 8192, 512)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), dev.NumBlocks())

	d := NewSeekableDisk(dev)
	_, err = d.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	_, err = d.Write([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, d.Flush())
	require.NoError(t, dev.Close())

	dev, err = OpenFileDevice(path, 0, 512)
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, uint64(16), dev.NumBlocks())

	d = NewSeekableDisk(dev)
	_, err = d.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 9)
	_, err = io.ReadFull(d, buf)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(buf))
}
