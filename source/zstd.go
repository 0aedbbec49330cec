package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdSource decompresses the content of another Resolver while it is read.
type ZstdSource struct {
	inner Resolver
}

// NewZstdSource ...
func NewZstdSource(inner Resolver) *ZstdSource {
	return &ZstdSource{inner: inner}
}

// Open ...
func (s *ZstdSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	rc, err := s.inner.Open(ctx, uri)
	if err != nil {
		return nil, err
	}

	// A single decoder goroutine is enough for sequential reads.
	decoder, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}

	return &zstdReadCloser{decoder: decoder, source: rc}, nil
}

// Exists checks the compressed object, the content is not decoded.
func (s *ZstdSource) Exists(ctx context.Context, uri string) (bool, error) {
	return s.inner.Exists(ctx, uri)
}

type zstdReadCloser struct {
	decoder *zstd.Decoder
	source  io.ReadCloser
}

func (r *zstdReadCloser) Read(p []byte) (int, error) {
	n, err := r.decoder.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("zstd decode: %w", err)
	}
	return n, err
}

func (r *zstdReadCloser) Close() error {
	r.decoder.Close()
	return r.source.Close()
}
