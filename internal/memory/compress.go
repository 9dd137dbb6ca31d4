package memory

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// codec lazily builds shared zstd encoder/decoder instances. zstd's
// encoders/decoders are safe for concurrent use once constructed and
// expensive to build, so the store keeps one pair for its lifetime.
type codec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func (c *codec) init() {
	c.once.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			c.err = err
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			c.err = err
			return
		}
		c.encoder = enc
		c.decoder = dec
	})
}

func (c *codec) compress(raw []byte) ([]byte, error) {
	c.init()
	if c.err != nil {
		return nil, c.err
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *codec) decompress(compressed []byte) ([]byte, error) {
	c.init()
	if c.err != nil {
		return nil, c.err
	}
	out, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress entry: %w", err)
	}
	return out, nil
}
