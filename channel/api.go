package channel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Channel names of the content API.
const (
	GetContentFromURIChannel = "uricontent.PlatformApi.getContentFromUri"
	CancelRequestChannel     = "uricontent.PlatformApi.cancelRequest"
	DoesFileExistChannel     = "uricontent.PlatformApi.doesFileExist"
	OnDataReceivedChannel    = "uricontent.CallerApi.onDataReceived"
)

// PlatformAPI is implemented by the content host.
type PlatformAPI interface {
	// GetContentFromURI starts streaming uri to the caller's onDataReceived under requestID.
	// It must not wait for any I/O.
	GetContentFromURI(ctx context.Context, uri string, requestID int64, bufferSize int64) error
	// CancelRequest requests cancellation of a stream, unknown ids are ignored.
	CancelRequest(requestID int64) error
	// DoesFileExist calls callback exactly once, from any goroutine.
	DoesFileExist(ctx context.Context, uri string, callback func(exists bool, err error))
}

// SetUpPlatformAPI registers the handlers of api on messenger. A nil api removes them.
func SetUpPlatformAPI(messenger BinaryMessenger, api PlatformAPI, codec Codec, logger log.Logger) {
	if api == nil {
		messenger.SetMessageHandler(GetContentFromURIChannel, nil)
		messenger.SetMessageHandler(CancelRequestChannel, nil)
		messenger.SetMessageHandler(DoesFileExistChannel, nil)
		return
	}

	r := replier{codec: codec, logger: logger}

	messenger.SetMessageHandler(GetContentFromURIChannel, func(ctx context.Context, message []byte, reply ReplyFunc) {
		args, err := codec.DecodeMessage(message)
		if err != nil {
			r.fail(reply, err)
			return
		}
		uri, err := args.String(0)
		if err != nil {
			r.fail(reply, err)
			return
		}
		requestID, err := args.Int64(1)
		if err != nil {
			r.fail(reply, err)
			return
		}
		bufferSize, err := args.Int64(2)
		if err != nil {
			r.fail(reply, err)
			return
		}

		if err := api.GetContentFromURI(ctx, uri, requestID, bufferSize); err != nil {
			r.fail(reply, err)
			return
		}
		r.succeed(reply, nil)
	})

	messenger.SetMessageHandler(CancelRequestChannel, func(_ context.Context, message []byte, reply ReplyFunc) {
		args, err := codec.DecodeMessage(message)
		if err != nil {
			r.fail(reply, err)
			return
		}
		requestID, err := args.Int64(0)
		if err != nil {
			r.fail(reply, err)
			return
		}

		if err := api.CancelRequest(requestID); err != nil {
			r.fail(reply, err)
			return
		}
		r.succeed(reply, nil)
	})

	messenger.SetMessageHandler(DoesFileExistChannel, func(ctx context.Context, message []byte, reply ReplyFunc) {
		args, err := codec.DecodeMessage(message)
		if err != nil {
			r.fail(reply, err)
			return
		}
		uri, err := args.String(0)
		if err != nil {
			r.fail(reply, err)
			return
		}

		api.DoesFileExist(ctx, uri, func(exists bool, err error) {
			if err != nil {
				r.fail(reply, err)
				return
			}
			r.succeed(reply, exists)
		})
	})
}

type replier struct {
	codec  Codec
	logger log.Logger
}

func (r replier) succeed(reply ReplyFunc, result any) {
	data, err := WrapResult(r.codec, result)
	if err != nil {
		r.fail(reply, err)
		return
	}
	reply(data)
}

func (r replier) fail(reply ReplyFunc, err error) {
	data, encodeErr := WrapError(r.codec, err)
	if encodeErr != nil {
		r.logger.Errorf("Failed to encode error reply: %s", encodeErr)
		reply(nil)
		return
	}
	reply(data)
}

// CallerAPI pushes notifications to the caller.
type CallerAPI struct {
	messenger BinaryMessenger
	codec     Codec
	logger    log.Logger
}

// NewCallerAPI ...
func NewCallerAPI(messenger BinaryMessenger, codec Codec, logger log.Logger) *CallerAPI {
	return &CallerAPI{messenger: messenger, codec: codec, logger: logger}
}

// OnDataReceived sends one notification as [requestId, data|null, error|null]. It returns once
// the message is queued; the acknowledgement is only checked for errors.
func (a *CallerAPI) OnDataReceived(ctx context.Context, requestID int64, data []byte, errMessage *string) error {
	var dataValue, errValue any
	if data != nil {
		dataValue = data
	}
	if errMessage != nil {
		errValue = *errMessage
	}

	message, err := a.codec.EncodeMessage([]any{requestID, dataValue, errValue})
	if err != nil {
		return err
	}

	return a.messenger.Send(ctx, OnDataReceivedChannel, message, func(reply []byte, err error) {
		if err != nil {
			a.logger.Debugf("[%d] onDataReceived not acknowledged: %s", requestID, err)
			return
		}
		if _, err := DecodeReply(a.codec, OnDataReceivedChannel, reply); err != nil {
			a.logger.Warnf("[%d] onDataReceived failed on the caller side: %s", requestID, err)
		}
	})
}

// CallerHandler receives notifications on the caller side. It runs on the messenger's
// invocation path.
type CallerHandler interface {
	OnDataReceived(requestID int64, data []byte, errMessage *string)
}

// CallerHandlerFunc ...
type CallerHandlerFunc func(requestID int64, data []byte, errMessage *string)

// OnDataReceived ...
func (f CallerHandlerFunc) OnDataReceived(requestID int64, data []byte, errMessage *string) {
	f(requestID, data, errMessage)
}

// SetUpCallerAPI registers handler for onDataReceived pushes. A nil handler removes it.
func SetUpCallerAPI(messenger BinaryMessenger, handler CallerHandler, codec Codec, logger log.Logger) {
	if handler == nil {
		messenger.SetMessageHandler(OnDataReceivedChannel, nil)
		return
	}

	r := replier{codec: codec, logger: logger}
	messenger.SetMessageHandler(OnDataReceivedChannel, func(_ context.Context, message []byte, reply ReplyFunc) {
		args, err := codec.DecodeMessage(message)
		if err != nil {
			r.fail(reply, err)
			return
		}
		requestID, err := args.Int64(0)
		if err != nil {
			r.fail(reply, err)
			return
		}
		data, err := args.Bytes(1)
		if err != nil {
			r.fail(reply, err)
			return
		}
		errMessage, err := args.OptionalString(2)
		if err != nil {
			r.fail(reply, err)
			return
		}

		handler.OnDataReceived(requestID, data, errMessage)
		r.succeed(reply, nil)
	})
}

// PlatformClient calls a content host.
type PlatformClient struct {
	messenger BinaryMessenger
	codec     Codec
}

// NewPlatformClient ...
func NewPlatformClient(messenger BinaryMessenger, codec Codec) *PlatformClient {
	return &PlatformClient{messenger: messenger, codec: codec}
}

// GetContentFromURI ...
func (c *PlatformClient) GetContentFromURI(ctx context.Context, uri string, requestID int64, bufferSize int64) error {
	_, err := c.call(ctx, GetContentFromURIChannel, uri, requestID, bufferSize)
	return err
}

// CancelRequest ...
func (c *PlatformClient) CancelRequest(ctx context.Context, requestID int64) error {
	_, err := c.call(ctx, CancelRequestChannel, requestID)
	return err
}

// DoesFileExist ...
func (c *PlatformClient) DoesFileExist(ctx context.Context, uri string) (bool, error) {
	result, err := c.call(ctx, DoesFileExistChannel, uri)
	if err != nil {
		return false, err
	}

	exists, err := Args{result}.Bool(0)
	if err != nil {
		return false, fmt.Errorf("decode %s result: %w", DoesFileExistChannel, err)
	}
	return exists, nil
}

type callResult struct {
	reply []byte
	err   error
}

func (c *PlatformClient) call(ctx context.Context, channel string, args ...any) (json.RawMessage, error) {
	message, err := c.codec.EncodeMessage(args)
	if err != nil {
		return nil, err
	}

	results := make(chan callResult, 1)
	if err := c.messenger.Send(ctx, channel, message, func(reply []byte, err error) {
		results <- callResult{reply: reply, err: err}
	}); err != nil {
		return nil, fmt.Errorf("send %s: %w", channel, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", channel, res.err)
		}
		return DecodeReply(c.codec, channel, res.reply)
	}
}
