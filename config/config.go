// Package config reads the service configuration from environment variables.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment variable keys.
const (
	ListenAddrKey         = "URICONTENT_LISTEN_ADDR"
	MaxChunkSizeKey       = "URICONTENT_MAX_CHUNK_SIZE"
	QueueDepthKey         = "URICONTENT_QUEUE_DEPTH"
	WriteTimeoutKey       = "URICONTENT_WRITE_TIMEOUT"
	AllowedPathsKey       = "URICONTENT_ALLOWED_PATHS"
	HTTPRetryMaxKey       = "URICONTENT_HTTP_RETRY_MAX"
	S3RetriesKey          = "URICONTENT_S3_RETRIES"
	AWSRegionKey          = "AWS_REGION"
	AWSAccessKeyIDKey     = "URICONTENT_AWS_ACCESS_KEY_ID"
	AWSSecretAccessKeyKey = "URICONTENT_AWS_SECRET_ACCESS_KEY"
	VerboseKey            = "URICONTENT_VERBOSE"
	AnalyticsKey          = "URICONTENT_ANALYTICS"
)

// DefaultMaxChunkSize caps the buffer size a caller may ask for.
const DefaultMaxChunkSize = 32 * 1024 * 1024

// DefaultQueueDepth is the number of notifications buffered per request.
const DefaultQueueDepth = 4

// DefaultWriteTimeout is how long a websocket peer may stop reading before it is disconnected.
const DefaultWriteTimeout = 10 * time.Second

// Secret is a string that is not printed in logs.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// S3Config ...
type S3Config struct {
	Region          string
	AccessKeyID     Secret
	SecretAccessKey Secret
	NumRetries      int
}

// Enabled reports whether an S3 source can be created.
func (c S3Config) Enabled() bool {
	return c.Region != ""
}

// Config is the full service configuration.
type Config struct {
	ListenAddr   string
	MaxChunkSize int
	QueueDepth   int
	WriteTimeout time.Duration
	AllowedPaths []string
	HTTPRetryMax int
	S3           S3Config
	Verbose      bool
	Analytics    bool
}

// Default ...
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		MaxChunkSize: DefaultMaxChunkSize,
		QueueDepth:   DefaultQueueDepth,
		WriteTimeout: DefaultWriteTimeout,
		HTTPRetryMax: 3,
		S3:           S3Config{NumRetries: 3},
	}
}

// Read builds the configuration from the environment, falling back to Default for unset keys.
func Read(envRepo env.Repository) (Config, error) {
	cfg := Default()

	if addr := envRepo.Get(ListenAddrKey); addr != "" {
		cfg.ListenAddr = addr
	}

	if size := envRepo.Get(MaxChunkSizeKey); size != "" {
		parsed, err := units.RAMInBytes(size)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", MaxChunkSizeKey, size, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", MaxChunkSizeKey, size)
		}
		cfg.MaxChunkSize = int(parsed)
	}

	if raw := envRepo.Get(WriteTimeoutKey); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s (%s): %w", WriteTimeoutKey, raw, err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", WriteTimeoutKey, raw)
		}
		cfg.WriteTimeout = timeout
	}

	var err error
	if cfg.QueueDepth, err = positiveInt(envRepo, QueueDepthKey, cfg.QueueDepth); err != nil {
		return Config{}, err
	}
	if cfg.HTTPRetryMax, err = nonNegativeInt(envRepo, HTTPRetryMaxKey, cfg.HTTPRetryMax); err != nil {
		return Config{}, err
	}
	if cfg.S3.NumRetries, err = positiveInt(envRepo, S3RetriesKey, cfg.S3.NumRetries); err != nil {
		return Config{}, err
	}

	cfg.AllowedPaths = splitList(envRepo.Get(AllowedPathsKey))

	cfg.S3.Region = envRepo.Get(AWSRegionKey)
	cfg.S3.AccessKeyID = Secret(envRepo.Get(AWSAccessKeyIDKey))
	cfg.S3.SecretAccessKey = Secret(envRepo.Get(AWSSecretAccessKeyKey))
	if (cfg.S3.AccessKeyID == "") != (cfg.S3.SecretAccessKey == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", AWSAccessKeyIDKey, AWSSecretAccessKeyKey)
	}

	cfg.Verbose = isTrue(envRepo.Get(VerboseKey))
	cfg.Analytics = isTrue(envRepo.Get(AnalyticsKey))

	return cfg, nil
}

func positiveInt(envRepo env.Repository, key string, fallback int) (int, error) {
	v, err := nonNegativeInt(envRepo, key, fallback)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}

func nonNegativeInt(envRepo env.Repository, key string, fallback int) (int, error) {
	raw := envRepo.Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (%s): %w", key, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, v)
	}
	return v, nil
}

// splitList accepts both newline and comma separated values.
func splitList(raw string) []string {
	var items []string
	for _, line := range strings.Split(raw, "\n") {
		for _, item := range strings.Split(line, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

func isTrue(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}
