package stream

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"

	"github.com/bitrise-io/go-uricontent/registry"
	"github.com/bitrise-io/go-uricontent/source"
)

type streamTracker struct {
	tracker analytics.Tracker
}

func (t streamTracker) logStreamFinished(uri string, state registry.State, duration time.Duration, size int64, chunkCount int) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"scheme":      source.Scheme(uri),
		"outcome":     state.String(),
		"duration_ms": duration.Milliseconds(),
		"size_bytes":  size,
		"chunk_count": chunkCount,
	}
	t.tracker.Enqueue("uricontent_stream_finished", properties)
}

func (t streamTracker) logRequestRejected(reason error) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"reason": reason.Error(),
	}
	t.tracker.Enqueue("uricontent_stream_rejected", properties)
}

func (t streamTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
