// Package channel carries named method invocations between a caller and a content host.
//
// Every invocation is a message on a named channel holding a list of positional arguments,
// answered by exactly one reply: [result] on success or [code, message, details] on error.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec encodes positional argument lists.
type Codec interface {
	EncodeMessage(values []any) ([]byte, error)
	DecodeMessage(data []byte) (Args, error)
}

// JSONCodec encodes argument lists as JSON arrays. Byte slices travel as base64 strings.
type JSONCodec struct{}

// EncodeMessage ...
func (JSONCodec) EncodeMessage(values []any) ([]byte, error) {
	if values == nil {
		values = []any{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage ...
func (JSONCodec) DecodeMessage(data []byte) (Args, error) {
	var args Args
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return args, nil
}

// ErrInvalidArgument is wrapped by every Args accessor error.
var ErrInvalidArgument = errors.New("invalid argument")

// Args is a decoded positional argument list.
type Args []json.RawMessage

func (a Args) raw(i int) (json.RawMessage, error) {
	if i < 0 || i >= len(a) {
		return nil, fmt.Errorf("%w: missing argument %d of %d", ErrInvalidArgument, i, len(a))
	}
	return a[i], nil
}

func (a Args) decode(i int, v any, typeName string) error {
	raw, err := a.raw(i)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: argument %d is not %s: %s", ErrInvalidArgument, i, typeName, err)
	}
	return nil
}

// IsNull ...
func (a Args) IsNull(i int) bool {
	raw, err := a.raw(i)
	return err == nil && string(raw) == "null"
}

// String returns a required string argument.
func (a Args) String(i int) (string, error) {
	if a.IsNull(i) {
		return "", fmt.Errorf("%w: argument %d must not be null", ErrInvalidArgument, i)
	}
	var s string
	err := a.decode(i, &s, "a string")
	return s, err
}

// OptionalString returns nil for a null argument.
func (a Args) OptionalString(i int) (*string, error) {
	if a.IsNull(i) {
		return nil, nil
	}
	s, err := a.String(i)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Int64 returns a required integer argument.
func (a Args) Int64(i int) (int64, error) {
	if a.IsNull(i) {
		return 0, fmt.Errorf("%w: argument %d must not be null", ErrInvalidArgument, i)
	}
	var n int64
	err := a.decode(i, &n, "an integer")
	return n, err
}

// Bool returns a required boolean argument.
func (a Args) Bool(i int) (bool, error) {
	if a.IsNull(i) {
		return false, fmt.Errorf("%w: argument %d must not be null", ErrInvalidArgument, i)
	}
	var b bool
	err := a.decode(i, &b, "a boolean")
	return b, err
}

// Bytes returns nil for a null argument.
func (a Args) Bytes(i int) ([]byte, error) {
	if a.IsNull(i) {
		return nil, nil
	}
	var b []byte
	if err := a.decode(i, &b, "bytes"); err != nil {
		return nil, err
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// Error is the error form of a reply.
type Error struct {
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes used in replies.
const (
	CodeError           = "error"
	CodeInvalidArgument = "invalid-argument"
	CodeChannelError    = "channel-error"
)

type codedError interface {
	ErrorCode() string
}

// WrapResult encodes a successful reply.
func WrapResult(codec Codec, result any) ([]byte, error) {
	return codec.EncodeMessage([]any{result})
}

// WrapError encodes an error reply. Errors implementing ErrorCode() string keep their code.
func WrapError(codec Codec, err error) ([]byte, error) {
	var replyErr *Error
	if errors.As(err, &replyErr) {
		return codec.EncodeMessage([]any{replyErr.Code, replyErr.Message, replyErr.Details})
	}

	code := CodeError
	var coded codedError
	switch {
	case errors.As(err, &coded):
		code = coded.ErrorCode()
	case errors.Is(err, ErrInvalidArgument):
		code = CodeInvalidArgument
	}
	return codec.EncodeMessage([]any{code, err.Error(), nil})
}

// DecodeReply returns the result of a [result] reply or the *Error of a [code, message, details]
// reply. An empty reply means nothing handled the channel.
func DecodeReply(codec Codec, channel string, reply []byte) (json.RawMessage, error) {
	if len(reply) == 0 {
		return nil, &Error{Code: CodeChannelError, Message: fmt.Sprintf("Unable to establish connection on channel: %s", channel)}
	}

	args, err := codec.DecodeMessage(reply)
	if err != nil {
		return nil, err
	}

	switch len(args) {
	case 1:
		return args[0], nil
	case 3:
		code, err := args.String(0)
		if err != nil {
			return nil, fmt.Errorf("decode error reply: %w", err)
		}
		message, err := args.OptionalString(1)
		if err != nil {
			return nil, fmt.Errorf("decode error reply: %w", err)
		}
		replyErr := &Error{Code: code}
		if message != nil {
			replyErr.Message = *message
		}
		if !args.IsNull(2) {
			var details any
			if err := json.Unmarshal(args[2], &details); err == nil {
				replyErr.Details = details
			}
		}
		return nil, replyErr
	default:
		return nil, fmt.Errorf("malformed reply on %s: %d values", channel, len(args))
	}
}
