package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-uricontent/channel"
)

var existsCmd = &cobra.Command{
	Use:   "exists <uri>",
	Short: "Check whether the content of a URI exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		messenger, disconnect, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer disconnect()

		exists, err := channel.NewPlatformClient(messenger, channel.JSONCodec{}).DoesFileExist(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("check %s: %w", args[0], err)
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), exists)
		return err
	},
}

func init() {
	addConnectFlags(existsCmd)
}
