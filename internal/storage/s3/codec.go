package s3

import (
	stderrors "errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Object compression modes.
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

const (
	checksumKey     = "xxhash64"
	manifestName    = "volume.cbor"
	manifestVersion = 1
)

var errChecksum = stderrors.New("object checksum mismatch")

// manifest records the geometry a prefix was written with. A device
// refuses to open a prefix written with different geometry.
type manifest struct {
	Version         int    `cbor:"1,keyasint"`
	Size            uint64 `cbor:"2,keyasint"`
	BlockSize       uint32 `cbor:"3,keyasint"`
	BlocksPerObject int    `cbor:"4,keyasint"`
}

var manifestEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("s3: CBOR encoder initialization failed: " + err.Error())
	}
	return em
}()

func (m manifest) matches(o manifest) bool {
	return m.Size == o.Size && m.BlockSize == o.BlockSize && m.BlocksPerObject == o.BlocksPerObject
}

func (m manifest) String() string {
	return fmt.Sprintf("%d bytes in %d byte blocks, %d blocks per object", m.Size, m.BlockSize, m.BlocksPerObject)
}

func encodeManifest(m manifest) ([]byte, error) {
	return manifestEnc.Marshal(m)
}

func decodeManifest(b []byte) (manifest, error) {
	var m manifest
	if err := cbor.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return m, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return m, nil
}

// codec turns block groups into object bodies and back.
type codec struct {
	compression string
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func newCodec(compression string) (*codec, error) {
	c := &codec{compression: compression}
	var err error
	if c.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1)); err != nil {
		return nil, err
	}
	if c.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
		c.enc.Close()
		return nil, err
	}
	return c, nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// encode returns the body, its content encoding and the checksum metadata
// of a group.
func (c *codec) encode(data []byte) (body []byte, encoding string, meta map[string]string) {
	meta = map[string]string{checksumKey: strconv.FormatUint(xxhash.Sum64(data), 16)}
	if c.compression == CompressionZstd {
		return c.enc.EncodeAll(data, nil), CompressionZstd, meta
	}
	return data, "", meta
}

// decode fills data from an object body. Objects written without a
// checksum are accepted as they are.
func (c *codec) decode(body []byte, encoding string, meta map[string]string, data []byte) error {
	if encoding == CompressionZstd {
		raw, err := c.dec.DecodeAll(body, make([]byte, 0, len(data)))
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
		body = raw
	}
	if len(body) > len(data) {
		return fmt.Errorf("object holds %d bytes, group holds %d", len(body), len(data))
	}
	if want, ok := meta[checksumKey]; ok {
		if got := strconv.FormatUint(xxhash.Sum64(body), 16); got != want {
			return errChecksum
		}
	}
	clear(data)
	copy(data, body)
	return nil
}
