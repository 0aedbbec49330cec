// Package source resolves URIs into readable byte sources.
//
// Supported schemes:
//
//	file://<path> (or a bare path)  local files, optionally restricted by an allow-list
//	http://, https://               remote content fetched with retries
//	s3://<bucket>/<key>             objects in an S3 bucket
//	zstd+<scheme>://...             any of the above, decompressed with zstd while reading
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Resolver opens and probes the content addressed by a URI.
type Resolver interface {
	// Open returns a reader for the content. The caller is responsible for closing it.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
	// Exists reports whether the content is present. An error means existence could not be determined.
	Exists(ctx context.Context, uri string) (bool, error)
}

// ErrNotFound is wrapped by Open errors when the content does not exist.
var ErrNotFound = errors.New("content not found")

// ErrUnsupportedScheme ...
var ErrUnsupportedScheme = errors.New("unsupported uri scheme")

// ErrNotAllowed is returned for local paths outside the configured allow-list.
var ErrNotAllowed = errors.New("path is not allowed")

const (
	fileScheme  = "file"
	zstdPrefix  = "zstd+"
	schemeSplit = "://"
)

// Router dispatches to a Resolver based on the URI scheme.
type Router struct {
	sources map[string]Resolver
	logger  log.Logger
}

// NewRouter ...
func NewRouter(logger log.Logger) *Router {
	return &Router{
		sources: map[string]Resolver{},
		logger:  logger,
	}
}

// Register sets the Resolver used for the given scheme (without "://").
func (r *Router) Register(scheme string, resolver Resolver) {
	r.sources[strings.ToLower(scheme)] = resolver
}

// Open ...
func (r *Router) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	resolver, target, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}
	return resolver.Open(ctx, target)
}

// Exists ...
func (r *Router) Exists(ctx context.Context, uri string) (bool, error) {
	resolver, target, err := r.resolve(uri)
	if err != nil {
		return false, err
	}
	return resolver.Exists(ctx, target)
}

func (r *Router) resolve(uri string) (Resolver, string, error) {
	scheme := Scheme(uri)

	if base, ok := strings.CutPrefix(scheme, zstdPrefix); ok {
		inner, found := r.sources[base]
		if !found {
			return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
		}
		r.logger.Debugf("Decompressing %s content with zstd", base)
		return NewZstdSource(inner), uri[len(zstdPrefix):], nil
	}

	resolver, found := r.sources[scheme]
	if !found {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return resolver, uri, nil
}

// Scheme returns the lower-cased scheme of the URI. URIs without a scheme are treated as local paths.
func Scheme(uri string) string {
	idx := strings.Index(uri, schemeSplit)
	if idx <= 0 {
		return fileScheme
	}
	return strings.ToLower(uri[:idx])
}
