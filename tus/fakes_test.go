package tus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-tus/tus/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type sentRequest struct {
	*transport.Request
	body []byte
}

// mockProvider answers requests by method and URL and records what it received.
type mockProvider struct {
	mock.Mock
	sent []sentRequest
}

func (m *mockProvider) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, sentRequest{Request: req, body: body})

	args := m.Called(req.Method, req.URL)
	var resp *transport.Response
	if r := args.Get(0); r != nil {
		resp = r.(*transport.Response)
	}
	return resp, args.Error(1)
}

func (m *mockProvider) givenResponse(method, url string, statusCode int, headers map[string]string) *mockProvider {
	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}
	m.On("Do", method, url).Return(&transport.Response{StatusCode: statusCode, Header: header}, nil).Once()
	return m
}

func (m *mockProvider) givenError(method, url string, err error) *mockProvider {
	m.On("Do", method, url).Return(nil, err).Once()
	return m
}

func (m *mockProvider) lastRequest() sentRequest {
	return m.sent[len(m.sent)-1]
}

var errConnectionReset = errors.New("connection reset by peer")

func newTestClient(t *testing.T, provider transport.Provider, store Store) *Client {
	client, err := NewClient(Config{
		CreationURL: "http://x/files/",
		Store:       store,
		Provider:    provider,
		Logger:      log.NewLogger(),
	})
	require.NoError(t, err)
	return client
}
