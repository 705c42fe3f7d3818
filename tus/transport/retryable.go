package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// RetryableProvider executes requests with go-retryablehttp, which retries
// connection errors and retryable status codes before giving up.
type RetryableProvider struct {
	client *retryablehttp.Client
	logger log.Logger
}

// NewRetryableProvider creates a Provider backed by client. A nil client means retryhttp.NewClient(logger).
//
// When the client has no ErrorHandler, PassthroughErrorHandler is installed so that
// the last response is returned after the retries are exhausted: status codes have
// to reach the protocol layer instead of turning into transport errors.
func NewRetryableProvider(client *retryablehttp.Client, logger log.Logger) *RetryableProvider {
	if logger == nil {
		logger = log.NewLogger()
	}
	if client == nil {
		client = retryhttp.NewClient(logger)
	}
	if client.ErrorHandler == nil {
		client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}
	return &RetryableProvider{
		client: client,
		logger: logger,
	}
}

// Do ...
func (p *RetryableProvider) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := validateMethod(req.Method); err != nil {
		return nil, err
	}

	var body interface{}
	if req.Body != nil {
		body = req.Body
		// a plain reader would be read into memory up front
		if resetter, ok := req.Body.(Resetter); ok {
			body = retryablehttp.ReaderFunc(func() (io.Reader, error) {
				if err := resetter.Reset(); err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				return req.Body, nil
			})
		}
	}
	retryReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			retryReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		// Add Content-Length header manually because retryablehttp doesn't do it automatically
		retryReq.Header.Set("Content-Length", fmt.Sprintf("%d", req.ContentLength))
		retryReq.ContentLength = req.ContentLength
	}

	dumpRequest(p.logger, retryReq.Request)

	resp, err := p.client.Do(retryReq)
	if err != nil {
		if resp != nil {
			closeBody(p.logger, resp.Body)
		}
		return nil, err
	}
	defer closeBody(p.logger, resp.Body)

	dumpResponse(p.logger, resp)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}, nil
}
