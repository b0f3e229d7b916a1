package encoding

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Pooled zstd block encoders/decoders for spooled batches
var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			if err != nil {
				return nil
			}
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
)

// Compress zstd-compresses src.
func Compress(src []byte) []byte {
	enc, ok := encoderPool.Get().(*zstd.Encoder)
	if !ok {
		enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	}
	defer encoderPool.Put(enc)

	return enc.EncodeAll(src, make([]byte, 0, len(src)/2))
}

// Decompress reverses Compress.
func Decompress(src []byte) ([]byte, error) {
	dec, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok {
		var err error
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer decoderPool.Put(dec)

	return dec.DecodeAll(src, nil)
}

// MarshalCompressed msgpack-encodes v and compresses the result.
func MarshalCompressed(v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Compress(raw), nil
}

// UnmarshalCompressed reverses MarshalCompressed.
func UnmarshalCompressed(data []byte, v interface{}) error {
	raw, err := Decompress(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
