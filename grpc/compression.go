package grpc

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"

	"github.com/maxpert/dcjoin/cfg"
)

const zstdName = "zstd"

// zstdCompressor is a gRPC message compressor backed by pooled zstd codecs
type zstdCompressor struct {
	level    zstd.EncoderLevel
	encoders sync.Pool
	decoders sync.Pool
}

var registerOnce sync.Once

func init() {
	RegisterZstdCompressor()
}

// RegisterZstdCompressor registers the zstd compressor once, at the configured level
func RegisterZstdCompressor() {
	registerOnce.Do(func() {
		level := zstdLevel(getCompressionLevel())
		encoding.RegisterCompressor(&zstdCompressor{level: level})
		log.Debug().Str("zstd_level", level.String()).Msg("Registered zstd transport compressor")
	})
}

func (c *zstdCompressor) Name() string {
	return zstdName
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoders.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, owner: c}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, owner: c}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoders.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoders.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, owner: c}, nil
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, owner: c}, nil
}

type pooledEncoder struct {
	enc   *zstd.Encoder
	owner *zstdCompressor
}

func (p *pooledEncoder) Write(data []byte) (int, error) {
	return p.enc.Write(data)
}

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.owner.encoders.Put(p.enc)
	return err
}

// pooledDecoder hands its decoder back exactly once, at the first EOF
type pooledDecoder struct {
	dec      *zstd.Decoder
	owner    *zstdCompressor
	returned bool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	if p.returned {
		return 0, io.EOF
	}
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.returned = true
		p.owner.decoders.Put(p.dec)
	}
	return n, err
}

func getCompressionLevel() int {
	if cfg.Config == nil {
		return 1
	}
	return cfg.Config.GRPCClient.CompressionLevel
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch level {
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}

// CompressorName returns the transport compressor to request, or "" when disabled
func CompressorName() string {
	if getCompressionLevel() > 0 {
		return zstdName
	}
	return ""
}
