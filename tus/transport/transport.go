// Package transport defines the HTTP capability the tus client depends on and
// ships adapters for net/http and go-retryablehttp.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Methods lists the request methods a Provider has to handle.
var Methods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
}

// Request is a transport independent HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header

	// Body is optional. ContentLength must match the number of bytes Body yields.
	// A Body implementing Resetter is rewound before the request is sent again.
	Body          io.Reader
	ContentLength int64
}

// NewRequest ...
func NewRequest(method, url string, body io.Reader, contentLength int64) *Request {
	return &Request{
		Method:        method,
		URL:           url,
		Header:        http.Header{},
		Body:          body,
		ContentLength: contentLength,
	}
}

// Resetter is implemented by request bodies which can be replayed from their start.
type Resetter interface {
	Reset() error
}

// Response holds the parts of an HTTP response the protocol looks at.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Get returns the first value of the given response header.
func (r *Response) Get(key string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(key)
}

// Provider executes requests.
// An error means no response was obtained; any status code is returned as a Response.
type Provider interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req *Request) (*Response, error)

// Do ...
func (f ProviderFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

func validateMethod(method string) error {
	for _, m := range Methods {
		if m == method {
			return nil
		}
	}
	return fmt.Errorf("unsupported request method: %s", method)
}
