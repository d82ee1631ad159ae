package drs

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/maxpert/dcjoin/encoding"
)

// MaxUncompressedSize bounds the payload a compressed reply may declare
const MaxUncompressedSize = 64 << 20

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxUncompressedSize),
		)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress packs a level 1 or level 6 container into a compressed envelope
func Compress(alg CompressionAlgorithm, ctr any) (*CompressedCtr, error) {
	var inner uint32
	switch ctr.(type) {
	case *ChangesCtr1:
		inner = ReplyLevelV1
	case *ChangesCtr6:
		inner = ReplyLevelV6
	default:
		return nil, fmt.Errorf("cannot compress %T", ctr)
	}

	raw, err := encoding.Marshal(ctr)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch alg {
	case CompressionDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		data = buf.Bytes()
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		data = enc.EncodeAll(raw, nil)
	default:
		return nil, fmt.Errorf("unsupported compression %s", alg)
	}

	return &CompressedCtr{
		Algorithm:        alg,
		InnerLevel:       inner,
		UncompressedSize: uint32(len(raw)),
		Data:             data,
	}, nil
}

func decompress(env *CompressedCtr) ([]byte, error) {
	if env.UncompressedSize > MaxUncompressedSize {
		return nil, malformed("envelope declares %d bytes, limit is %d", env.UncompressedSize, MaxUncompressedSize)
	}

	var out []byte
	switch env.Algorithm {
	case CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(env.Data))
		defer r.Close()
		// Read at most one byte past the declared size so oversize payloads are detected
		data, err := io.ReadAll(io.LimitReader(r, int64(env.UncompressedSize)+1))
		if err != nil {
			return nil, malformed("deflate payload: %v", err)
		}
		out = data
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		data, err := dec.DecodeAll(env.Data, make([]byte, 0, env.UncompressedSize))
		if err != nil {
			return nil, malformed("zstd payload: %v", err)
		}
		if uint32(len(data)) > env.UncompressedSize {
			return nil, malformed("zstd payload exceeds declared %d bytes", env.UncompressedSize)
		}
		out = data
	default:
		return nil, malformed("unknown compression algorithm %d", env.Algorithm)
	}

	if uint32(len(out)) != env.UncompressedSize {
		return nil, malformed("decompressed %d bytes, envelope declares %d", len(out), env.UncompressedSize)
	}
	return out, nil
}
