package host

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-uricontent/channel"
	"github.com/bitrise-io/go-uricontent/metrics"
	"github.com/bitrise-io/go-uricontent/registry"
	"github.com/bitrise-io/go-uricontent/source"
	"github.com/bitrise-io/go-uricontent/stream"
)

// Dependencies are shared by every session of a server.
type Dependencies struct {
	Resolver source.Resolver
	Stream   stream.Config
	Logger   log.Logger
	Metrics  *metrics.Metrics
	Tracker  analytics.Tracker
}

// CallerSink pushes stream notifications to the caller's onDataReceived.
type CallerSink struct {
	api *channel.CallerAPI
}

// NewCallerSink ...
func NewCallerSink(api *channel.CallerAPI) *CallerSink {
	return &CallerSink{api: api}
}

// Push ...
func (s *CallerSink) Push(ctx context.Context, n stream.Notification) error {
	return s.api.OnDataReceived(ctx, n.RequestID, n.Data, n.ErrorMessage())
}

// Session serves the content API on one messenger with its own request registry.
type Session struct {
	messenger channel.BinaryMessenger
	registry  *registry.Registry
	streamer  *stream.Streamer
	host      *ContentHost
	logger    log.Logger
}

// NewSession registers the content API handlers on messenger.
func NewSession(messenger channel.BinaryMessenger, deps Dependencies) *Session {
	codec := channel.JSONCodec{}
	reg := registry.New()
	sink := NewCallerSink(channel.NewCallerAPI(messenger, codec, deps.Logger))

	opts := []stream.Option{stream.WithMetrics(deps.Metrics)}
	if deps.Tracker != nil {
		opts = append(opts, stream.WithTracker(deps.Tracker))
	}
	streamer := stream.New(deps.Stream, reg, deps.Resolver, sink, deps.Logger, opts...)
	contentHost := NewContentHost(streamer, deps.Resolver, deps.Logger, deps.Metrics)

	channel.SetUpPlatformAPI(messenger, contentHost, codec, deps.Logger)

	return &Session{
		messenger: messenger,
		registry:  reg,
		streamer:  streamer,
		host:      contentHost,
		logger:    deps.Logger,
	}
}

// Close removes the handlers, cancels every running request and waits for the workers and
// existence checks to finish.
func (s *Session) Close() {
	channel.SetUpPlatformAPI(s.messenger, nil, nil, s.logger)

	if n := s.streamer.CancelAll(); n > 0 {
		s.logger.Infof("Cancelled %d running requests", n)
	}
	s.streamer.Wait()
	s.host.Wait()
}
