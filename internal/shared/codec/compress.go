package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding is an HTTP content coding for read responses
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
	EncodingLZ4      Encoding = "lz4"
	EncodingGzip     Encoding = "gzip"
)

// preference order when a client accepts several codings
var supported = []Encoding{EncodingZstd, EncodingLZ4, EncodingGzip}

// zstd.Encoder and zstd.Decoder are safe for concurrent use
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// NegotiateEncoding picks the preferred coding listed in an
// Accept-Encoding header. Quality values other than q=0 are ignored.
func NegotiateEncoding(acceptEncoding string) Encoding {
	accepted := make(map[Encoding]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		accepted[Encoding(strings.ToLower(strings.TrimSpace(name)))] = true
	}
	for _, enc := range supported {
		if accepted[enc] {
			return enc
		}
	}
	return EncodingIdentity
}

// Compress encodes data with enc
func Compress(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case EncodingIdentity, "":
		return data, nil
	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case EncodingLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// Decompress reverses Compress
func Decompress(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case EncodingIdentity, "":
		return data, nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case EncodingLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	case EncodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}
