package source

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"

	"github.com/bitrise-io/go-uricontent/config"
)

// NewDefaultRouter creates a Router serving file, http, https and, when an AWS region is
// configured, s3 URIs.
func NewDefaultRouter(ctx context.Context, cfg config.Config, logger log.Logger) (*Router, error) {
	router := NewRouter(logger)

	fileSource, err := NewFileSource(fileutil.NewFileManager(), pathutil.NewPathModifier(), cfg.AllowedPaths)
	if err != nil {
		return nil, fmt.Errorf("create file source: %w", err)
	}
	router.Register("file", fileSource)

	httpSource := NewHTTPSource(logger, cfg.HTTPRetryMax)
	router.Register("http", httpSource)
	router.Register("https", httpSource)

	if cfg.S3.Enabled() {
		s3Source, err := NewS3Source(ctx, cfg.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("create s3 source: %w", err)
		}
		router.Register("s3", s3Source)
	} else {
		logger.Debugf("%s is not set, s3:// URIs are disabled", config.AWSRegionKey)
	}

	return router, nil
}
