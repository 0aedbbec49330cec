package main

import (
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-uricontent/config"
)

var (
	verbose bool

	envRepo = env.NewRepository()
	logger  = log.NewLogger()
)

var rootCmd = &cobra.Command{
	Use:           "uricontent",
	Short:         "Stream the content of URIs in bounded chunks",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging (also "+config.VerboseKey+")")

	rootCmd.AddCommand(serveCmd, fetchCmd, existsCmd)
}

// loadConfig reads the environment and applies the global flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Read(envRepo)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	if verbose {
		cfg.Verbose = true
	}
	logger.EnableDebugLog(cfg.Verbose)

	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}
