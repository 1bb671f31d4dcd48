package snapshot

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor turns a packed state stream into the transport form and back.
// The encoder runs one worker per core so compression throughput stays
// ahead of the network upload rate.
type Compressor struct {
	level       int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	encoderOnce sync.Once
	decoderOnce sync.Once
	encoderErr  error
	decoderErr  error
}

func NewCompressor(level int) (*Compressor, error) {
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("zstd level must be 1-19, got %d", level)
	}
	return &Compressor{level: level}, nil
}

func (c *Compressor) getEncoder() (*zstd.Encoder, error) {
	c.encoderOnce.Do(func() {
		c.encoder, c.encoderErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
			zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)),
		)
	})
	return c.encoder, c.encoderErr
}

func (c *Compressor) getDecoder() (*zstd.Decoder, error) {
	c.decoderOnce.Do(func() {
		c.decoder, c.decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(runtime.GOMAXPROCS(0)),
			zstd.WithDecoderMaxMemory(1<<31),
		)
	})
	return c.decoder, c.decoderErr
}

func (c *Compressor) Compress(data []byte) ([]byte, error) {
	encoder, err := c.getEncoder()
	if err != nil {
		return nil, fmt.Errorf("get encoder: %w", err)
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	decoder, err := c.getDecoder()
	if err != nil {
		return nil, fmt.Errorf("get decoder: %w", err)
	}
	return decoder.DecodeAll(data, nil)
}

// CompressStream compresses src into dst, returning uncompressed bytes read
func (c *Compressor) CompressStream(dst io.Writer, src io.Reader) (int64, error) {
	encoder, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
		zstd.WithEncoderConcurrency(runtime.GOMAXPROCS(0)),
	)
	if err != nil {
		return 0, fmt.Errorf("create stream encoder: %w", err)
	}

	read, err := io.Copy(encoder, src)
	if err != nil {
		_ = encoder.Close()
		return read, fmt.Errorf("compress stream: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return read, fmt.Errorf("close encoder: %w", err)
	}
	return read, nil
}

// DecompressStream expands src into dst, returning bytes written
func (c *Compressor) DecompressStream(dst io.Writer, src io.Reader) (int64, error) {
	decoder, err := zstd.NewReader(src, zstd.WithDecoderMaxMemory(1<<31))
	if err != nil {
		return 0, fmt.Errorf("create stream decoder: %w", err)
	}
	defer decoder.Close()

	written, err := io.Copy(dst, decoder)
	if err != nil {
		return written, fmt.Errorf("decompress stream: %w", err)
	}
	return written, nil
}
