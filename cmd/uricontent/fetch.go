package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-uricontent/channel"
)

const cancelTimeout = 5 * time.Second

var (
	fetchOutput     string
	fetchBufferSize string
	fetchRequestID  int64
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <uri>",
	Short: "Stream the content of a URI to stdout or a file",
	Long:  "Stream the content of a URI to stdout or a file. An interrupt cancels the request.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		bufferSize, err := units.RAMInBytes(fetchBufferSize)
		if err != nil {
			return fmt.Errorf("invalid buffer size (%s): %w", fetchBufferSize, err)
		}

		var out io.Writer = os.Stdout
		if fetchOutput != "" {
			f, err := os.Create(fetchOutput)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer func() {
				if err := f.Close(); err != nil {
					logger.Warnf("Failed to close %s: %s", fetchOutput, err)
				}
			}()
			out = f
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		messenger, disconnect, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer disconnect()

		written, err := fetch(ctx, messenger, args[0], fetchRequestID, bufferSize, out)
		if err != nil {
			return err
		}
		logger.Donef("Received %s", units.HumanSizeWithPrecision(float64(written), 3))
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "write the content to this file instead of stdout")
	fetchCmd.Flags().StringVar(&fetchBufferSize, "buffer-size", "1MiB", "maximum chunk size")
	fetchCmd.Flags().Int64Var(&fetchRequestID, "request-id", 1, "id of the request")
	addConnectFlags(fetchCmd)
}

// errWriteFailed is reported when the streamed content could not be written out.
var errWriteFailed = errors.New("write content")

type fetchResult struct {
	written int64
	err     error
}

// fetch requests uri and copies its chunks to out until the terminal notification arrives. When
// ctx is cancelled the request is cancelled and fetch waits for its terminal notification.
func fetch(ctx context.Context, messenger channel.BinaryMessenger, uri string, requestID, bufferSize int64, out io.Writer) (int64, error) {
	codec := channel.JSONCodec{}
	client := channel.NewPlatformClient(messenger, codec)

	done := make(chan fetchResult, 1)
	var written int64
	var writeErr error
	channel.SetUpCallerAPI(messenger, channel.CallerHandlerFunc(func(id int64, data []byte, errMessage *string) {
		if id != requestID {
			logger.Debugf("Ignoring notification of request %d", id)
			return
		}
		if data != nil {
			if writeErr != nil {
				return
			}
			n, err := out.Write(data)
			written += int64(n)
			if err != nil {
				writeErr = fmt.Errorf("%w: %s", errWriteFailed, err)
				go cancelRequest(client, requestID)
			}
			return
		}

		result := fetchResult{written: written, err: writeErr}
		if errMessage != nil && result.err == nil {
			result.err = errors.New(*errMessage)
		}
		select {
		case done <- result:
		default:
			logger.Warnf("Ignoring repeated terminal notification of request %d", id)
		}
	}), codec, logger)
	defer channel.SetUpCallerAPI(messenger, nil, codec, logger)

	if err := client.GetContentFromURI(ctx, uri, requestID, bufferSize); err != nil {
		return 0, fmt.Errorf("request %s: %w", uri, err)
	}

	select {
	case result := <-done:
		return result.written, result.err
	case <-ctx.Done():
	}

	logger.Warnf("Interrupted, cancelling request %d", requestID)
	cancelRequest(client, requestID)

	select {
	case result := <-done:
		if result.err == nil {
			return result.written, nil
		}
		return result.written, fmt.Errorf("fetch %s: %w", uri, result.err)
	case <-time.After(cancelTimeout):
		return 0, fmt.Errorf("fetch %s: no answer to cancellation", uri)
	}
}

func cancelRequest(client *channel.PlatformClient, requestID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	if err := client.CancelRequest(ctx, requestID); err != nil {
		logger.Warnf("Failed to cancel request %d: %s", requestID, err)
	}
}
