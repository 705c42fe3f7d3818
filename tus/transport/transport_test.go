package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method        string
	header        http.Header
	body          []byte
	contentLength int64
}

func newRecordingServer(t *testing.T, status int, respHeaders map[string]string) (*httptest.Server, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		rec.method = r.Method
		rec.header = r.Header.Clone()
		rec.body = body
		rec.contentLength = r.ContentLength

		for k, v := range respHeaders {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, rec
}

func testRetryableClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 2
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 5 * time.Millisecond
	return client
}

func providers() map[string]func() Provider {
	return map[string]func() Provider{
		"net/http":  func() Provider { return NewHTTPProvider(nil, log.NewLogger()) },
		"retryable": func() Provider { return NewRetryableProvider(testRetryableClient(), log.NewLogger()) },
	}
}

func TestProvider_SendsHeadersAndBody(t *testing.T) {
	for name, newProvider := range providers() {
		t.Run(name, func(t *testing.T) {
			server, rec := newRecordingServer(t, http.StatusNoContent, map[string]string{"Upload-Offset": "8"})

			payload := []byte("hello")
			req := NewRequest(http.MethodPatch, server.URL+"/files/foo", bytes.NewReader(payload), int64(len(payload)))
			req.Header.Set("Upload-Offset", "3")
			req.Header.Set("Tus-Resumable", "1.0.0")

			resp, err := newProvider().Do(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, "8", resp.Get("Upload-Offset"))
			assert.Equal(t, http.MethodPatch, rec.method)
			assert.Equal(t, "3", rec.header.Get("Upload-Offset"))
			assert.Equal(t, "1.0.0", rec.header.Get("Tus-Resumable"))
			assert.Equal(t, payload, rec.body)
			assert.Equal(t, int64(5), rec.contentLength)
		})
	}
}

func TestProvider_EmptyPost(t *testing.T) {
	for name, newProvider := range providers() {
		t.Run(name, func(t *testing.T) {
			server, rec := newRecordingServer(t, http.StatusCreated, map[string]string{"Location": "http://x/files/abc"})

			resp, err := newProvider().Do(context.Background(), NewRequest(http.MethodPost, server.URL, nil, 0))
			require.NoError(t, err)

			assert.Equal(t, http.StatusCreated, resp.StatusCode)
			assert.Equal(t, "http://x/files/abc", resp.Get("Location"))
			assert.Equal(t, http.MethodPost, rec.method)
			assert.Empty(t, rec.body)
		})
	}
}

func TestProvider_ErrorStatusIsNotAnError(t *testing.T) {
	for name, newProvider := range providers() {
		t.Run(name, func(t *testing.T) {
			server, _ := newRecordingServer(t, http.StatusBadGateway, nil)

			resp, err := newProvider().Do(context.Background(), NewRequest(http.MethodHead, server.URL, nil, 0))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		})
	}
}

func TestProvider_ConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	for name, newProvider := range providers() {
		t.Run(name, func(t *testing.T) {
			_, err := newProvider().Do(context.Background(), NewRequest(http.MethodHead, url, nil, 0))
			assert.Error(t, err)
		})
	}
}

func TestProvider_RejectsUnknownMethod(t *testing.T) {
	for name, newProvider := range providers() {
		t.Run(name, func(t *testing.T) {
			_, err := newProvider().Do(context.Background(), NewRequest("DELETE", "http://localhost", nil, 0))
			assert.EqualError(t, err, "unsupported request method: DELETE")
		})
	}
}

func TestRetryableProvider_RetriesServerErrors(t *testing.T) {
	var count int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "chunk" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if atomic.AddInt32(&count, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Upload-Offset", "5")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	provider := NewRetryableProvider(testRetryableClient(), log.NewLogger())
	resp, err := provider.Do(context.Background(), NewRequest(http.MethodPatch, server.URL, bytes.NewReader([]byte("chunk")), 5))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "5", resp.Get("Upload-Offset"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

type replayableBody struct {
	*bytes.Reader
	resets int32
}

func (b *replayableBody) Reset() error {
	atomic.AddInt32(&b.resets, 1)
	_, err := b.Seek(0, io.SeekStart)
	return err
}

func TestRetryableProvider_ReplaysResettableBody(t *testing.T) {
	var count int32
	var bodies [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		if atomic.AddInt32(&count, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	body := &replayableBody{Reader: bytes.NewReader([]byte("streamed chunk"))}
	provider := NewRetryableProvider(testRetryableClient(), log.NewLogger())
	resp, err := provider.Do(context.Background(), NewRequest(http.MethodPatch, server.URL, body, 14))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, [][]byte{[]byte("streamed chunk"), []byte("streamed chunk")}, bodies)
	// once when the request is built, once per attempt
	assert.Equal(t, int32(3), atomic.LoadInt32(&body.resets))
}

func TestRetryableProvider_ReturnsLastStatusWhenRetriesExhausted(t *testing.T) {
	var count int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := NewRetryableProvider(testRetryableClient(), log.NewLogger())
	resp, err := provider.Do(context.Background(), NewRequest(http.MethodHead, server.URL, nil, 0))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestWithMethodOverride(t *testing.T) {
	tests := []struct {
		name          string
		method        string
		wantMethod    string
		wantOverride  string
		nativeMethods []string
	}{
		{
			name:          "native method is sent as is",
			method:        http.MethodPost,
			wantMethod:    http.MethodPost,
			nativeMethods: []string{http.MethodGet, http.MethodPost},
		},
		{
			name:          "patch is tunnelled through post",
			method:        http.MethodPatch,
			wantMethod:    http.MethodPost,
			wantOverride:  http.MethodPatch,
			nativeMethods: []string{http.MethodGet, http.MethodPost},
		},
		{
			name:          "head is tunnelled through post",
			method:        http.MethodHead,
			wantMethod:    http.MethodPost,
			wantOverride:  http.MethodHead,
			nativeMethods: []string{http.MethodPost},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *Request
			next := ProviderFunc(func(ctx context.Context, req *Request) (*Response, error) {
				got = req
				return &Response{StatusCode: http.StatusOK}, nil
			})

			req := NewRequest(tt.method, "http://x/files/abc", nil, 0)
			req.Header.Set("Tus-Resumable", "1.0.0")

			_, err := WithMethodOverride(next, tt.nativeMethods...).Do(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, tt.wantMethod, got.Method)
			assert.Equal(t, tt.wantOverride, got.Header.Get(MethodOverrideHeader))
			assert.Equal(t, "1.0.0", got.Header.Get("Tus-Resumable"))
			assert.Equal(t, tt.method, req.Method, "original request must not be modified")
			assert.Empty(t, req.Header.Get(MethodOverrideHeader), "original request must not be modified")
		})
	}
}

func TestWithMethodOverride_AgainstServer(t *testing.T) {
	server, rec := newRecordingServer(t, http.StatusNoContent, map[string]string{"Upload-Offset": "2"})

	provider := WithMethodOverride(NewHTTPProvider(nil, log.NewLogger()), http.MethodGet, http.MethodPost)
	resp, err := provider.Do(context.Background(), NewRequest(http.MethodPatch, server.URL, bytes.NewReader([]byte("ab")), 2))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, http.MethodPatch, rec.header.Get(MethodOverrideHeader))
	assert.Equal(t, []byte("ab"), rec.body)
}
