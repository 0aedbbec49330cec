package source

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBodySize = 1024

// HTTPSource serves http:// and https:// URIs.
type HTTPSource struct {
	client *retryablehttp.Client
	logger log.Logger
}

// NewHTTPSource creates an HTTPSource whose requests are retried at most retryMax times.
func NewHTTPSource(logger log.Logger, retryMax int) *HTTPSource {
	client := retryhttp.NewClient(logger)
	client.RetryMax = retryMax
	client.CheckRetry = createCustomRetryFunction(logger)

	return &HTTPSource{
		client: client,
		logger: logger,
	}
}

// Open starts a GET request and returns the response body once the status is known to be successful.
func (s *HTTPSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer s.closeBody(resp.Body)
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("get %s: HTTP %d: %w", uri, resp.StatusCode, ErrNotFound)
		}
		return nil, unwrapError(resp)
	}

	return resp.Body, nil
}

// Exists sends a HEAD request. 404 and 410 mean the content is absent, other non-2xx statuses are errors.
func (s *HTTPSource) Exists(ctx context.Context, uri string) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("head %s: %w", uri, err)
	}
	defer s.closeBody(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	default:
		return false, fmt.Errorf("head %s: HTTP %d", uri, resp.StatusCode)
	}
}

func (s *HTTPSource) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		s.logger.Warnf("Failed to close response body: %s", err)
	}
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
