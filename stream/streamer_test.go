package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-uricontent/metrics"
	"github.com/bitrise-io/go-uricontent/registry"
	"github.com/bitrise-io/go-uricontent/source"
)

func newTestStreamer(cfg Config, resolver source.Resolver, sink Sink, opts ...Option) (*Streamer, *registry.Registry) {
	reg := registry.New()
	return New(cfg, reg, resolver, sink, log.NewLogger(), opts...), reg
}

func sequence(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func dataOf(notifications []Notification) []byte {
	var buf bytes.Buffer
	for _, n := range notifications {
		if !n.Terminal() {
			buf.Write(n.Data)
		}
	}
	return buf.Bytes()
}

func requireSingleTerminalAtEnd(t *testing.T, notifications []Notification) Notification {
	require.NotEmpty(t, notifications)
	for _, n := range notifications[:len(notifications)-1] {
		require.False(t, n.Terminal(), "terminal notification is not the last one")
		require.NoError(t, n.Err)
	}
	last := notifications[len(notifications)-1]
	require.True(t, last.Terminal())
	return last
}

func TestStreamer_ChunksTenBytes(t *testing.T) {
	// Given
	content := []byte("0123456789")
	sink := newRecordingSink()
	streamer, reg := newTestStreamer(DefaultConfig(), newFakeResolver(map[string][]byte{"a": content}), sink)

	// When
	err := streamer.Start(context.Background(), 1, "a", 4)
	streamer.Wait()

	// Then
	require.NoError(t, err)
	notifications := sink.get(1)
	require.Len(t, notifications, 4)
	assert.Equal(t, []byte("0123"), notifications[0].Data)
	assert.Equal(t, []byte("4567"), notifications[1].Data)
	assert.Equal(t, []byte("89"), notifications[2].Data)
	assert.Nil(t, notifications[3].Data)
	assert.NoError(t, notifications[3].Err)
	assert.Equal(t, 0, reg.Len())
}

func TestStreamer_ReproducesContent(t *testing.T) {
	tests := []struct {
		size       int
		bufferSize int
		wantChunks int
	}{
		{size: 0, bufferSize: 4, wantChunks: 0},
		{size: 1, bufferSize: 4, wantChunks: 1},
		{size: 4, bufferSize: 4, wantChunks: 1},
		{size: 1000, bufferSize: 7, wantChunks: 143},
		{size: 64 * 1024, bufferSize: 1024, wantChunks: 64},
		{size: 100, bufferSize: 1000, wantChunks: 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d bytes by %d", tt.size, tt.bufferSize), func(t *testing.T) {
			content := sequence(tt.size)
			sink := newRecordingSink()
			resolver := newFakeResolver(map[string][]byte{"uri": content})
			streamer, _ := newTestStreamer(DefaultConfig(), resolver, sink)

			require.NoError(t, streamer.Start(context.Background(), 7, "uri", tt.bufferSize))
			streamer.Wait()

			notifications := sink.get(7)
			last := requireSingleTerminalAtEnd(t, notifications)
			assert.NoError(t, last.Err)
			assert.Len(t, notifications, tt.wantChunks+1)
			assert.Equal(t, content, dataOf(notifications))
			for _, n := range notifications[:len(notifications)-1] {
				assert.LessOrEqual(t, len(n.Data), tt.bufferSize)
				assert.NotEmpty(t, n.Data)
			}
			for _, r := range resolver.openedReaders() {
				assert.True(t, r.closed.Load(), "source must be closed")
			}
		})
	}
}

func TestStreamer_ClampsBufferSize(t *testing.T) {
	sink := newRecordingSink()
	cfg := Config{QueueDepth: 2, MaxChunkSize: 3}
	streamer, _ := newTestStreamer(cfg, newFakeResolver(map[string][]byte{"a": []byte("abcdefg")}), sink)

	require.NoError(t, streamer.Start(context.Background(), 1, "a", 100))
	streamer.Wait()

	notifications := sink.get(1)
	require.Len(t, notifications, 4)
	assert.Equal(t, []byte("abc"), notifications[0].Data)
	assert.Equal(t, []byte("def"), notifications[1].Data)
	assert.Equal(t, []byte("g"), notifications[2].Data)
}

func TestStreamer_InvalidBufferSize(t *testing.T) {
	for _, bufferSize := range []int{0, -1} {
		t.Run(fmt.Sprint(bufferSize), func(t *testing.T) {
			sink := newRecordingSink()
			resolver := newFakeResolver(map[string][]byte{"a": []byte("abc")})
			streamer, reg := newTestStreamer(DefaultConfig(), resolver, sink)

			err := streamer.Start(context.Background(), 3, "a", bufferSize)
			streamer.Wait()

			assert.ErrorIs(t, err, ErrInvalidBufferSize)
			notifications := sink.get(3)
			require.Len(t, notifications, 1)
			assert.ErrorIs(t, notifications[0].Err, ErrInvalidBufferSize)
			assert.Empty(t, resolver.openedReaders())
			assert.Equal(t, 0, reg.Len())
		})
	}
}

func TestStreamer_OpenError(t *testing.T) {
	// Given
	sink := newRecordingSink()
	streamer, reg := newTestStreamer(DefaultConfig(), newFakeResolver(map[string][]byte{}), sink)

	// When
	require.NoError(t, streamer.Start(context.Background(), 1, "missing", 4))
	streamer.Wait()

	// Then
	notifications := sink.get(1)
	require.Len(t, notifications, 1)
	var openErr *SourceOpenError
	require.ErrorAs(t, notifications[0].Err, &openErr)
	assert.Equal(t, "missing", openErr.URI)
	assert.ErrorIs(t, notifications[0].Err, source.ErrNotFound)
	assert.Equal(t, 0, reg.Len())
}

func TestStreamer_ReadError(t *testing.T) {
	// Given
	readErr := errors.New("device not ready")
	resolver := newFakeResolver(map[string][]byte{"a": sequence(100)})
	resolver.readErr = readErr
	resolver.failAfter = 6
	sink := newRecordingSink()
	streamer, reg := newTestStreamer(DefaultConfig(), resolver, sink)

	// When
	require.NoError(t, streamer.Start(context.Background(), 1, "a", 4))
	streamer.Wait()

	// Then
	notifications := sink.get(1)
	last := requireSingleTerminalAtEnd(t, notifications)
	assert.Equal(t, sequence(6), dataOf(notifications))
	var readError *SourceReadError
	require.ErrorAs(t, last.Err, &readError)
	assert.Equal(t, int64(6), readError.Offset)
	assert.ErrorIs(t, last.Err, readErr)
	assert.True(t, resolver.openedReaders()[0].closed.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestStreamer_CancelBeforeFirstChunk(t *testing.T) {
	// Given
	resolver := newFakeResolver(map[string][]byte{"a": sequence(1000)})
	resolver.openGate = make(chan struct{})
	sink := newRecordingSink()
	streamer, reg := newTestStreamer(DefaultConfig(), resolver, sink)
	require.NoError(t, streamer.Start(context.Background(), 2, "a", 4))

	// When
	require.NoError(t, streamer.Cancel(2))
	streamer.Wait()

	// Then
	notifications := sink.get(2)
	require.Len(t, notifications, 1)
	assert.ErrorIs(t, notifications[0].Err, ErrCancelled)
	assert.Equal(t, "request cancelled", *notifications[0].ErrorMessage())
	assert.Equal(t, 0, reg.Len())
}

func TestStreamer_CancelMidStream(t *testing.T) {
	// Given
	resolver := newFakeResolver(map[string][]byte{"a": sequence(1000)})
	sink := newRecordingSink()
	sink.entered = make(chan struct{}, 1)
	sink.gate = make(chan struct{})
	streamer, _ := newTestStreamer(Config{QueueDepth: 1, MaxChunkSize: 1024}, resolver, sink)
	require.NoError(t, streamer.Start(context.Background(), 2, "a", 10))

	// When
	<-sink.entered
	require.NoError(t, streamer.Cancel(2))
	close(sink.gate)
	streamer.Wait()

	// Then
	notifications := sink.get(2)
	last := requireSingleTerminalAtEnd(t, notifications)
	assert.ErrorIs(t, last.Err, ErrCancelled)
	assert.LessOrEqual(t, len(notifications)-1, 3)
	assert.Equal(t, sequence(1000)[:len(dataOf(notifications))], dataOf(notifications))
	assert.True(t, resolver.openedReaders()[0].closed.Load())
}

func TestStreamer_Backpressure(t *testing.T) {
	// Given
	resolver := newFakeResolver(map[string][]byte{"a": sequence(1000)})
	sink := newRecordingSink()
	sink.entered = make(chan struct{}, 1)
	sink.gate = make(chan struct{})
	streamer, _ := newTestStreamer(Config{QueueDepth: 2, MaxChunkSize: 1024}, resolver, sink)

	// When
	require.NoError(t, streamer.Start(context.Background(), 1, "a", 10))
	<-sink.entered
	time.Sleep(50 * time.Millisecond)

	// Then
	// One chunk in the sink, two queued and one held by the blocked reader.
	readers := resolver.openedReaders()
	require.Len(t, readers, 1)
	assert.LessOrEqual(t, readers[0].read.Load(), int64(4*10))

	close(sink.gate)
	streamer.Wait()
	assert.Equal(t, sequence(1000), dataOf(sink.get(1)))
}

func TestStreamer_CancelAfterCompletion(t *testing.T) {
	sink := newRecordingSink()
	streamer, _ := newTestStreamer(DefaultConfig(), newFakeResolver(map[string][]byte{"a": []byte("abc")}), sink)
	require.NoError(t, streamer.Start(context.Background(), 1, "a", 4))
	streamer.Wait()
	before := sink.get(1)

	err := streamer.Cancel(1)
	streamer.Wait()

	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, before, sink.get(1))
}

func TestStreamer_DuplicateRequest(t *testing.T) {
	// Given
	content := sequence(100)
	resolver := newFakeResolver(map[string][]byte{"a": content, "b": []byte("other")})
	resolver.openGate = make(chan struct{})
	sink := newRecordingSink()
	streamer, _ := newTestStreamer(DefaultConfig(), resolver, sink)
	require.NoError(t, streamer.Start(context.Background(), 5, "a", 8))

	// When
	err := streamer.Start(context.Background(), 5, "b", 8)
	require.Eventually(t, func() bool { return len(sink.get(5)) == 1 }, time.Second, time.Millisecond)
	close(resolver.openGate)
	streamer.Wait()

	// Then
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	notifications := sink.get(5)
	assert.ErrorIs(t, notifications[0].Err, ErrDuplicateRequest)
	rest := notifications[1:]
	last := requireSingleTerminalAtEnd(t, rest)
	assert.NoError(t, last.Err)
	assert.Equal(t, content, dataOf(rest))
	assert.Len(t, resolver.openedReaders(), 1)
}

func TestStreamer_IDReusableAfterCompletion(t *testing.T) {
	sink := newRecordingSink()
	streamer, _ := newTestStreamer(DefaultConfig(), newFakeResolver(map[string][]byte{"a": []byte("abc")}), sink)

	require.NoError(t, streamer.Start(context.Background(), 1, "a", 4))
	streamer.Wait()
	require.NoError(t, streamer.Start(context.Background(), 1, "a", 4))
	streamer.Wait()

	notifications := sink.get(1)
	require.Len(t, notifications, 4)
	assert.NoError(t, notifications[1].Err)
	assert.NoError(t, notifications[3].Err)
}

func TestStreamer_SinkFailureCancelsRequest(t *testing.T) {
	// Given
	resolver := newFakeResolver(map[string][]byte{"a": sequence(1000)})
	sink := newRecordingSink()
	sink.failAt = 2
	streamer, reg := newTestStreamer(Config{QueueDepth: 1, MaxChunkSize: 1024}, resolver, sink)

	// When
	require.NoError(t, streamer.Start(context.Background(), 1, "a", 10))
	streamer.Wait()

	// Then
	assert.Len(t, sink.get(1), 1)
	assert.Equal(t, 2, sink.pushes())
	assert.Less(t, resolver.openedReaders()[0].read.Load(), int64(1000))
	assert.True(t, resolver.openedReaders()[0].closed.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestStreamer_ParentContextCancelled(t *testing.T) {
	resolver := newFakeResolver(map[string][]byte{"a": sequence(10)})
	resolver.openGate = make(chan struct{})
	sink := newRecordingSink()
	streamer, reg := newTestStreamer(DefaultConfig(), resolver, sink)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, streamer.Start(ctx, 1, "a", 4))
	cancel()
	streamer.Wait()

	assert.Empty(t, resolver.openedReaders())
	assert.Equal(t, 0, reg.Len())
}

func TestStreamer_CancelAll(t *testing.T) {
	resolver := newFakeResolver(map[string][]byte{"a": sequence(10)})
	resolver.openGate = make(chan struct{})
	sink := newRecordingSink()
	streamer, _ := newTestStreamer(DefaultConfig(), resolver, sink)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, streamer.Start(context.Background(), id, "a", 4))
	}

	assert.Equal(t, 3, streamer.CancelAll())
	streamer.Wait()

	for id := int64(1); id <= 3; id++ {
		notifications := sink.get(id)
		require.Len(t, notifications, 1)
		assert.ErrorIs(t, notifications[0].Err, ErrCancelled)
	}
}

func TestStreamer_ConcurrentRequestsKeepOrder(t *testing.T) {
	content := map[string][]byte{}
	for i := 0; i < 20; i++ {
		content[fmt.Sprintf("uri-%d", i)] = sequence(500 + i*37)
	}
	sink := newRecordingSink()
	streamer, reg := newTestStreamer(DefaultConfig(), newFakeResolver(content), sink,
		WithMetrics(metrics.New()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, streamer.Start(context.Background(), int64(i), fmt.Sprintf("uri-%d", i), 16))
		}(i)
	}
	wg.Wait()
	streamer.Wait()

	for i := 0; i < 20; i++ {
		notifications := sink.get(int64(i))
		last := requireSingleTerminalAtEnd(t, notifications)
		assert.NoError(t, last.Err)
		assert.Equal(t, content[fmt.Sprintf("uri-%d", i)], dataOf(notifications))
	}
	assert.Equal(t, 0, reg.Len())
}

func TestStreamer_TracksOutcome(t *testing.T) {
	tracker := &recordingTracker{}
	sink := newRecordingSink()
	streamer, _ := newTestStreamer(DefaultConfig(), newFakeResolver(map[string][]byte{"a": []byte("abc")}), sink,
		WithTracker(tracker))

	require.NoError(t, streamer.Start(context.Background(), 1, "a", 4))
	assert.Error(t, streamer.Start(context.Background(), 2, "a", 0))
	streamer.Wait()

	assert.ElementsMatch(t, []string{"uricontent_stream_finished", "uricontent_stream_rejected"}, tracker.events)
}

func TestNotification(t *testing.T) {
	data := Notification{RequestID: 1, Data: []byte{1}}
	done := Notification{RequestID: 1}
	failed := Notification{RequestID: 1, Err: io.ErrUnexpectedEOF}

	assert.False(t, data.Terminal())
	assert.Nil(t, data.ErrorMessage())
	assert.True(t, done.Terminal())
	assert.Nil(t, done.ErrorMessage())
	assert.True(t, failed.Terminal())
	assert.Equal(t, "unexpected EOF", *failed.ErrorMessage())
}
