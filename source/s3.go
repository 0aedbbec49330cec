package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-uricontent/config"
)

const defaultS3RetryWait = 2 * time.Second

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Source serves s3://<bucket>/<key> URIs.
type S3Source struct {
	client     s3API
	numRetries int
	retryWait  time.Duration
	logger     log.Logger
}

var errS3KeyNotFound = errors.New("key not found in s3 bucket")

// NewS3Source loads the AWS configuration for the given region and creates an S3Source.
func NewS3Source(ctx context.Context, cfg config.S3Config, logger log.Logger) (*S3Source, error) {
	awsCfg, err := loadAWSCredentials(ctx, cfg.Region, string(cfg.AccessKeyID), string(cfg.SecretAccessKey), logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Source(s3.NewFromConfig(*awsCfg), cfg.NumRetries, logger), nil
}

func newS3Source(client s3API, numRetries int, logger log.Logger) *S3Source {
	if numRetries < 1 {
		numRetries = 1
	}
	return &S3Source{
		client:     client,
		numRetries: numRetries,
		retryWait:  defaultS3RetryWait,
		logger:     logger,
	}
}

// Open ...
func (s *S3Source) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("get object %s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", uri, err)
	}

	return result.Body, nil
}

// Exists checks the object with HeadObject. Transient failures are retried, API errors other
// than NotFound abort immediately.
func (s *S3Source) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, key, err := parseS3URI(uri)
	if err != nil {
		return false, err
	}

	var exists bool
	err = retry.Times(uint(s.numRetries)).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		err := s.headObject(ctx, bucket, key)
		switch {
		case err == nil:
			exists = true
			return nil, true
		case errors.Is(err, errS3KeyNotFound):
			s.logger.Debugf("key %s not found in bucket %s", key, bucket)
			exists = false
			return nil, true
		case ctx.Err() != nil:
			return ctx.Err(), true
		default:
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				return err, true
			}
			s.logger.Debugf("head object %s (attempt %d): %s", uri, attempt+1, err)
			return err, false
		}
	})
	if err != nil {
		return false, fmt.Errorf("head object %s: %w", uri, err)
	}

	return exists, nil
}

func (s *S3Source) headObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return errS3KeyNotFound
		}
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			return fmt.Errorf("aws api error: %w", err)
		}
		return fmt.Errorf("generic aws error: %w", err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return false
	}
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey, *types.NoSuchBucket:
		return true
	default:
		return false
	}
}

func parseS3URI(uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 uri: %w", err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri must have the form s3://<bucket>/<key>, got: %s", uri)
	}
	return bucket, key, nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
