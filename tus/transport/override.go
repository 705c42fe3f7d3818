package transport

import (
	"context"
	"net/http"
)

// MethodOverrideHeader carries the original method when a request is tunnelled through POST.
const MethodOverrideHeader = "X-HTTP-Method-Override"

type methodOverride struct {
	next   Provider
	native map[string]bool
}

// WithMethodOverride wraps a Provider whose underlying client (or a proxy in front of the server)
// can only issue the native methods. Every other method is sent as POST with the
// X-HTTP-Method-Override header set to the original method.
func WithMethodOverride(next Provider, native ...string) Provider {
	m := &methodOverride{
		next:   next,
		native: make(map[string]bool, len(native)),
	}
	for _, method := range native {
		m.native[method] = true
	}
	return m
}

func (m *methodOverride) Do(ctx context.Context, req *Request) (*Response, error) {
	if m.native[req.Method] {
		return m.next.Do(ctx, req)
	}

	overridden := *req
	overridden.Header = req.Header.Clone()
	if overridden.Header == nil {
		overridden.Header = http.Header{}
	}
	overridden.Header.Set(MethodOverrideHeader, req.Method)
	overridden.Method = http.MethodPost

	return m.next.Do(ctx, &overridden)
}
