// Package compress selects and applies lossless payload encodings so that
// a message fits the constraints of the link it is about to cross.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Method names a lossless encoding.
type Method string

// Supported methods, in catalogue order.
const (
	None    Method = "none"
	S2      Method = "s2"
	Deflate Method = "deflate"
	Zstd    Method = "zstd"
	Brotli  Method = "brotli"
)

// Methods returns every supported method in catalogue order.
func Methods() []Method {
	return []Method{None, S2, Deflate, Zstd, Brotli}
}

// ParseMethod parses a method name.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return None, nil
	}
	for _, known := range Methods() {
		if m == known {
			return m, nil
		}
	}
	return None, fmt.Errorf("compress: unknown method %q", s)
}

// ErrDecodedTooLarge is returned when a decode would exceed the configured
// output limit.
var ErrDecodedTooLarge = errors.New("compress: decoded payload exceeds limit")

// ErrPayloadTooLarge is returned when a payload could not be decoded again
// under the pipeline's decode limit.
var ErrPayloadTooLarge = errors.New("compress: payload exceeds decode limit")

// profile is the static prior for a method: expected encoded/original ratio,
// fixed framing overhead, and throughput in bytes per millisecond on the
// device CPU (0 = effectively instant).
type profile struct {
	ratio      float64
	overhead   int
	throughput float64
}

var profiles = map[Method]profile{
	None:    {ratio: 1.0, overhead: 0, throughput: 0},
	S2:      {ratio: 0.70, overhead: 4, throughput: 200_000},
	Deflate: {ratio: 0.50, overhead: 2, throughput: 20_000},
	Zstd:    {ratio: 0.45, overhead: 12, throughput: 40_000},
	Brotli:  {ratio: 0.42, overhead: 4, throughput: 2_000},
}

type codec interface {
	encode(src []byte) ([]byte, error)
	decode(src []byte, limit int) ([]byte, error)
}

type noneCodec struct{}

func (noneCodec) encode(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (noneCodec) decode(src []byte, limit int) ([]byte, error) {
	if limit > 0 && len(src) > limit {
		return nil, ErrDecodedTooLarge
	}
	return append([]byte(nil), src...), nil
}

type s2Codec struct{}

func (s2Codec) encode(src []byte) ([]byte, error) {
	return s2.EncodeBetter(nil, src), nil
}

func (s2Codec) decode(src []byte, limit int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if limit > 0 && n > limit {
		return nil, ErrDecodedTooLarge
	}
	return s2.Decode(nil, src)
}

type deflateCodec struct{}

func (deflateCodec) encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateCodec) decode(src []byte, limit int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	return readLimited(r, limit)
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(limit int) (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd encoder: %w", err)
	}
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if limit > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(limit)))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress: zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (z *zstdCodec) encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCodec) decode(src []byte, limit int) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, ErrDecodedTooLarge
		}
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}

func (z *zstdCodec) close() {
	z.enc.Close()
	z.dec.Close()
}

type brotliCodec struct{}

func (brotliCodec) encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCodec) decode(src []byte, limit int) ([]byte, error) {
	return readLimited(brotli.NewReader(bytes.NewReader(src)), limit)
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}
