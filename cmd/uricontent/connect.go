package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-uricontent/channel"
	"github.com/bitrise-io/go-uricontent/config"
	"github.com/bitrise-io/go-uricontent/host"
)

var (
	serverURL string
	local     bool
)

func addConnectFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "url", "ws://localhost:8080"+websocketPath, "websocket endpoint of a running server")
	cmd.Flags().BoolVar(&local, "local", false, "serve the request in-process instead of connecting to a server")
}

// connect returns a messenger to a content host: a websocket connection, or with --local an
// in-process pipe to a host configured from the environment.
func connect(ctx context.Context, cfg config.Config) (channel.BinaryMessenger, func(), error) {
	if !local {
		conn, err := channel.Dial(ctx, serverURL, logger, channel.ConnOptions{WriteWait: cfg.WriteTimeout})
		if err != nil {
			return nil, nil, err
		}
		return conn, func() {
			if err := conn.Close(); err != nil {
				logger.Warnf("Failed to close connection: %s", err)
			}
		}, nil
	}

	deps, err := newDependencies(ctx, cfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create local host: %w", err)
	}

	hostEnd, callerEnd := channel.Pipe(logger, channel.PipeOptions{})
	session := host.NewSession(hostEnd, deps)
	return callerEnd, func() {
		session.Close()
		hostEnd.Close()
		deps.Tracker.Wait()
	}, nil
}
