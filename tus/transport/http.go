package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// maxDrainBytes bounds how much of a response body is read before closing,
// so keep-alive connections can be reused.
const maxDrainBytes = 64 * 1024

// DefaultHTTPClient creates an HTTP client tuned for sequential chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No overall timeout: a chunk may take long, cancellation goes through the context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:          10,
			MaxConnsPerHost:       4,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			Proxy:                 http.ProxyFromEnvironment,
		},
	}
}

// HTTPProvider executes requests with a plain net/http client.
type HTTPProvider struct {
	client *http.Client
	logger log.Logger
}

// NewHTTPProvider creates a Provider backed by client. A nil client means DefaultHTTPClient.
func NewHTTPProvider(client *http.Client, logger log.Logger) *HTTPProvider {
	if client == nil {
		client = DefaultHTTPClient()
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	return &HTTPProvider{
		client: client,
		logger: logger,
	}
}

// Do ...
func (p *HTTPProvider) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := validateMethod(req.Method); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		httpReq.ContentLength = req.ContentLength
	}

	dumpRequest(p.logger, httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer closeBody(p.logger, resp.Body)

	dumpResponse(p.logger, resp)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}, nil
}

// Close closes idle connections in the HTTP client.
func (p *HTTPProvider) Close() {
	p.client.CloseIdleConnections()
}

func dumpRequest(logger log.Logger, req *http.Request) {
	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		logger.Warnf("error while dumping request: %s", err)
		return
	}
	logger.Debugf("Request dump: %s", string(dump))
}

func dumpResponse(logger log.Logger, resp *http.Response) {
	dump, err := httputil.DumpResponse(resp, false)
	if err != nil {
		logger.Warnf("error while dumping response: %s", err)
		return
	}
	logger.Debugf("Response dump: %s", string(dump))
}

func closeBody(logger log.Logger, body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes)); err != nil {
		logger.Debugf("drain response body: %s", err)
	}
	if err := body.Close(); err != nil {
		logger.Printf("close response body: %s", err)
	}
}
