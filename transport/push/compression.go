package push

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"
)

// CompressorName is the grpc-encoding name of the zstd compressor
const CompressorName = "zstd"

// Frames above this size are refused on decode
const maxDecodedFrame = 64 << 20

// frameCompressor compresses push frames with zstd. Encoders are tied to
// the level they were built with, so a level change builds a new compressor
// instead of reusing pooled encoders.
type frameCompressor struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var (
	registerMu sync.Mutex
	registered *frameCompressor
)

// RegisterCompressor makes zstd available to gRPC servers and clients at
// the given level. 0 leaves compression off; 1 (fastest) to 4 (best) map
// onto the zstd encoder levels. Registering the same level again is a no-op.
func RegisterCompressor(level int) {
	zl, ok := levelToZstd(level)
	if !ok {
		return
	}

	registerMu.Lock()
	defer registerMu.Unlock()
	if registered != nil && registered.level == zl {
		return
	}
	registered = &frameCompressor{level: zl}
	encoding.RegisterCompressor(registered)
	log.Info().Int("level", level).Str("zstd_level", zl.String()).Msg("Registered zstd gRPC compressor for push")
}

// CompressionEnabled reports whether a zstd compressor has been registered
func CompressionEnabled() bool {
	registerMu.Lock()
	defer registerMu.Unlock()
	return registered != nil
}

func levelToZstd(level int) (zstd.EncoderLevel, bool) {
	switch level {
	case 1:
		return zstd.SpeedFastest, true
	case 2:
		return zstd.SpeedDefault, true
	case 3:
		return zstd.SpeedBetterCompression, true
	case 4:
		return zstd.SpeedBestCompression, true
	default:
		return 0, false
	}
}

func (c *frameCompressor) Name() string {
	return CompressorName
}

func (c *frameCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if ok {
		enc.Reset(w)
	} else {
		var err error
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
	}
	return &frameWriter{enc: enc, pool: &c.encoderPool}, nil
}

func (c *frameCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if ok {
		if err := dec.Reset(r); err != nil {
			c.decoderPool.Put(dec)
			return nil, err
		}
	} else {
		var err error
		dec, err = zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedFrame))
		if err != nil {
			return nil, err
		}
	}
	return &frameReader{dec: dec, pool: &c.decoderPool}, nil
}

type frameWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (f *frameWriter) Write(data []byte) (int, error) {
	return f.enc.Write(data)
}

func (f *frameWriter) Close() error {
	err := f.enc.Close()
	f.pool.Put(f.enc)
	return err
}

// frameReader hands its decoder back once the frame is drained. gRPC may
// keep reading after EOF, so the decoder is returned at most once.
type frameReader struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

func (f *frameReader) Read(data []byte) (int, error) {
	if f.dec == nil {
		return 0, io.EOF
	}
	n, err := f.dec.Read(data)
	if err == io.EOF {
		f.pool.Put(f.dec)
		f.dec = nil
	}
	return n, err
}
