// Package host serves the content API: streaming reads, cancellation and existence checks.
package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-uricontent/metrics"
	"github.com/bitrise-io/go-uricontent/registry"
	"github.com/bitrise-io/go-uricontent/source"
	"github.com/bitrise-io/go-uricontent/stream"
)

// ProbeError means the existence of the content could not be determined.
type ProbeError struct {
	URI string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("could not check %s: %s", e.URI, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// ErrorCode is the reply error code of a failed probe.
func (e *ProbeError) ErrorCode() string {
	return "probe-error"
}

// ContentHost implements channel.PlatformAPI.
type ContentHost struct {
	streamer *stream.Streamer
	resolver source.Resolver
	logger   log.Logger
	metrics  *metrics.Metrics

	probes sync.WaitGroup
}

// NewContentHost ...
func NewContentHost(streamer *stream.Streamer, resolver source.Resolver, logger log.Logger, m *metrics.Metrics) *ContentHost {
	return &ContentHost{
		streamer: streamer,
		resolver: resolver,
		logger:   logger,
		metrics:  m,
	}
}

// GetContentFromURI starts a stream. Rejected requests are reported through their terminal
// notification, so they do not fail the call.
func (h *ContentHost) GetContentFromURI(ctx context.Context, uri string, requestID int64, bufferSize int64) error {
	size := int(max(min(bufferSize, math.MaxInt32), math.MinInt32))

	err := h.streamer.Start(ctx, requestID, uri, size)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stream.ErrDuplicateRequest), errors.Is(err, stream.ErrInvalidBufferSize):
		return nil
	default:
		return err
	}
}

// CancelRequest never fails; cancelling an unknown or finished request is a no-op.
func (h *ContentHost) CancelRequest(requestID int64) error {
	if err := h.streamer.Cancel(requestID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			h.logger.Debugf("[%d] Cancel ignored, request is not running", requestID)
			return nil
		}
		h.logger.Warnf("[%d] Cancel failed: %s", requestID, err)
		return nil
	}

	h.logger.Debugf("[%d] Cancellation requested", requestID)
	return nil
}

// DoesFileExist probes uri in a new goroutine and calls callback exactly once.
func (h *ContentHost) DoesFileExist(ctx context.Context, uri string, callback func(exists bool, err error)) {
	h.probes.Add(1)
	go func() {
		defer h.probes.Done()

		exists, err := h.resolver.Exists(ctx, uri)
		if err != nil {
			h.metrics.ProbeFinished(metrics.ProbeError)
			h.logger.Warnf("Existence check of %s failed: %s", uri, err)
			callback(false, &ProbeError{URI: uri, Err: err})
			return
		}

		if exists {
			h.metrics.ProbeFinished(metrics.ProbeFound)
		} else {
			h.metrics.ProbeFinished(metrics.ProbeMissing)
		}
		h.logger.Debugf("Existence check of %s: %t", uri, exists)
		callback(exists, nil)
	}()
}

// Wait blocks until running existence checks have answered.
func (h *ContentHost) Wait() {
	h.probes.Wait()
}
