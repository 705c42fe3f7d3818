package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	tustest "github.com/bitrise-io/go-tus/internal/testing"
	"github.com/bitrise-io/go-tus/tus"
	"github.com/bitrise-io/go-tus/tus/transport"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	mu     sync.Mutex
	events []string
	props  []analytics.Properties
	waited bool
}

func (t *fakeTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, eventName)
	t.props = append(t.props, properties...)
}

func (t *fakeTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waited = true
}

func testConfig() Config {
	return Config{
		ChunkSize:  1024,
		MaxRetries: 3,
	}
}

func testPayload(size int) []byte {
	r := rand.New(rand.NewSource(int64(size)))
	content := make([]byte, size)
	_, _ = r.Read(content)
	return content
}

func newTestUpload(content []byte) *tus.Upload {
	upload := tus.NewUpload(bytes.NewReader(content), int64(len(content)))
	upload.Fingerprint = tus.Fingerprint("/tmp/payload.bin", int64(len(content)))
	return upload
}

func newTestRunner(t *testing.T, server *tustest.Server, store tus.Store, cfg Config) (*Runner, *fakeTracker) {
	t.Helper()

	client, err := tus.NewClient(tus.Config{
		CreationURL: server.CreationURL(),
		Store:       store,
		Logger:      log.NewLogger(),
	})
	require.NoError(t, err)

	tracker := &fakeTracker{}
	runner, err := NewRunner(client, cfg, log.NewLogger(), tracker)
	require.NoError(t, err)
	return runner, tracker
}

func assertServerHas(t *testing.T, server *tustest.Server, url string, content []byte) {
	t.Helper()

	upload, ok := server.Upload(url)
	require.True(t, ok, "upload %s exists", url)
	assert.Equal(t, int64(len(content)), upload.Length)
	assert.True(t, bytes.Equal(content, upload.Data), "server data matches the payload")
}

func TestRunner_CreatesAndUploads(t *testing.T) {
	server := tustest.NewServer(t)
	store := tus.NewMemoryStore()
	runner, tracker := newTestRunner(t, server, store, testConfig())
	content := testPayload(10*1024 + 17)

	summary, err := runner.Run(context.Background(), newTestUpload(content))
	require.NoError(t, err)

	assertServerHas(t, server, summary.URL, content)
	assert.Equal(t, tus.Created, summary.Outcome)
	assert.Equal(t, int64(0), summary.StartOffset)
	assert.Equal(t, int64(len(content)), summary.Transferred)
	assert.Equal(t, 11, summary.Chunks)
	assert.Equal(t, 0, summary.Retries)

	url, ok, err := store.Get(context.Background(), tus.Fingerprint("/tmp/payload.bin", int64(len(content))))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, summary.URL, url)

	assert.Equal(t, []string{"tus_upload_started", "tus_upload_finished"}, tracker.events)
	assert.True(t, tracker.waited)
}

func TestRunner_Resumes(t *testing.T) {
	server := tustest.NewServer(t)
	content := testPayload(4096)
	url := server.AddUpload(int64(len(content)), content[:1500])

	store := tus.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), tus.Fingerprint("/tmp/payload.bin", 4096), url))
	runner, _ := newTestRunner(t, server, store, testConfig())

	summary, err := runner.Run(context.Background(), newTestUpload(content))
	require.NoError(t, err)

	assertServerHas(t, server, url, content)
	assert.Equal(t, tus.Resumed, summary.Outcome)
	assert.Equal(t, int64(1500), summary.StartOffset)
	assert.Equal(t, int64(4096-1500), summary.Transferred)
	assert.Equal(t, 3, summary.Chunks)
	assert.Empty(t, server.RequestsWithMethod(http.MethodPost))
}

func TestRunner_ReplacesStaleStoredUpload(t *testing.T) {
	tests := []struct {
		name        string
		headFailure int
	}{
		{name: "not found"},
		{name: "gone", headFailure: http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tustest.NewServer(t)
			if tt.headFailure != 0 {
				server.FailHeads(tt.headFailure)
			}
			content := testPayload(2500)
			fingerprint := tus.Fingerprint("/tmp/payload.bin", int64(len(content)))
			staleURL := server.URL + "/files/999"

			store := tus.NewMemoryStore()
			require.NoError(t, store.Set(context.Background(), fingerprint, staleURL))
			runner, _ := newTestRunner(t, server, store, testConfig())

			summary, err := runner.Run(context.Background(), newTestUpload(content))
			require.NoError(t, err)

			assert.Equal(t, tus.Created, summary.Outcome)
			assert.NotEqual(t, staleURL, summary.URL)
			assertServerHas(t, server, summary.URL, content)
			assert.Len(t, server.RequestsWithMethod(http.MethodPost), 1)

			url, ok, err := store.Get(context.Background(), fingerprint)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, summary.URL, url)
		})
	}
}

func TestRunner_ResumeServerErrorIsNotReplaced(t *testing.T) {
	server := tustest.NewServer(t)
	server.FailHeads(http.StatusInternalServerError)
	content := testPayload(100)
	url := server.AddUpload(int64(len(content)), nil)

	store := tus.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), tus.Fingerprint("/tmp/payload.bin", 100), url))
	runner, _ := newTestRunner(t, server, store, testConfig())

	_, err := runner.Run(context.Background(), newTestUpload(content))
	require.Error(t, err)

	statusCode, _ := tus.StatusCode(err)
	assert.Equal(t, http.StatusInternalServerError, statusCode)
	assert.Empty(t, server.RequestsWithMethod(http.MethodPost))

	stored, ok, err := store.Get(context.Background(), tus.Fingerprint("/tmp/payload.bin", 100))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, url, stored)
}

func TestRunner_RetryWaitEndsWithContext(t *testing.T) {
	server := tustest.NewServer(t)
	server.FailPatches(http.StatusInternalServerError)
	cfg := testConfig()
	cfg.RetryWait = time.Hour
	runner, _ := newTestRunner(t, server, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	summary, err := runner.Run(ctx, newTestUpload(testPayload(2048)))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, summary.Retries)
	assert.Len(t, server.RequestsWithMethod(http.MethodPatch), 1)
}

func TestRunner_RetriesServerErrors(t *testing.T) {
	server := tustest.NewServer(t)
	server.FailPatches(http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests)
	runner, tracker := newTestRunner(t, server, nil, testConfig())
	content := testPayload(3000)

	summary, err := runner.Run(context.Background(), newTestUpload(content))
	require.NoError(t, err)

	assertServerHas(t, server, summary.URL, content)
	assert.Equal(t, 3, summary.Retries)
	assert.Equal(t, 3, summary.Chunks)
	assert.Equal(t, []string{
		"tus_upload_started",
		"tus_upload_chunk_failed",
		"tus_upload_chunk_failed",
		"tus_upload_chunk_failed",
		"tus_upload_finished",
	}, tracker.events)
}

func TestRunner_RetriesTransportErrors(t *testing.T) {
	server := tustest.NewServer(t)
	httpProvider := transport.NewHTTPProvider(nil, log.NewLogger())
	failures := 2
	provider := transport.ProviderFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Method == http.MethodPatch && failures > 0 {
			failures--
			return nil, errors.New("connection reset by peer")
		}
		return httpProvider.Do(ctx, req)
	})

	client, err := tus.NewClient(tus.Config{CreationURL: server.CreationURL(), Provider: provider})
	require.NoError(t, err)
	runner, err := NewRunner(client, testConfig(), log.NewLogger(), nil)
	require.NoError(t, err)
	content := testPayload(2048)

	summary, err := runner.Run(context.Background(), newTestUpload(content))
	require.NoError(t, err)

	assertServerHas(t, server, summary.URL, content)
	assert.Equal(t, 2, summary.Retries)
	assert.Equal(t, 2, summary.Chunks)
}

func TestRunner_GivesUpAfterMaxRetries(t *testing.T) {
	server := tustest.NewServer(t)
	server.FailPatches(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
	cfg := testConfig()
	cfg.MaxRetries = 2
	runner, tracker := newTestRunner(t, server, nil, cfg)

	summary, err := runner.Run(context.Background(), newTestUpload(testPayload(2048)))
	require.Error(t, err)

	statusCode, ok := tus.StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, statusCode)
	assert.Equal(t, 2, summary.Retries)
	assert.Equal(t, int64(0), summary.Transferred)
	assert.Len(t, server.RequestsWithMethod(http.MethodPatch), 3)
	assert.Equal(t, "tus_upload_failed", tracker.events[len(tracker.events)-1])
}

func TestRunner_AbortsOnClientErrors(t *testing.T) {
	server := tustest.NewServer(t)
	server.FailPatches(http.StatusForbidden)
	runner, _ := newTestRunner(t, server, nil, testConfig())

	summary, err := runner.Run(context.Background(), newTestUpload(testPayload(2048)))
	require.Error(t, err)

	statusCode, _ := tus.StatusCode(err)
	assert.Equal(t, http.StatusForbidden, statusCode)
	assert.Equal(t, 0, summary.Retries)
	assert.Len(t, server.RequestsWithMethod(http.MethodPatch), 1)
}

func TestRunner_RecoversFromLostAcknowledgement(t *testing.T) {
	server := tustest.NewServer(t)
	server.DropAcknowledgements(http.StatusGatewayTimeout)
	runner, _ := newTestRunner(t, server, nil, testConfig())
	content := testPayload(3000)

	summary, err := runner.Run(context.Background(), newTestUpload(content))
	require.NoError(t, err)

	assertServerHas(t, server, summary.URL, content)
	// 504 for the stored chunk, then 409 for sending it again at the old offset
	assert.Equal(t, 2, summary.Retries)
	assert.Len(t, server.RequestsWithMethod(http.MethodHead), 1)
}

func TestRunner_RealignsOnPartialAcceptance(t *testing.T) {
	server := tustest.NewServer(t)
	server.AcceptAtMost(700)
	runner, _ := newTestRunner(t, server, nil, testConfig())
	content := testPayload(2000)

	summary, err := runner.Run(context.Background(), newTestUpload(content))
	require.NoError(t, err)

	assertServerHas(t, server, summary.URL, content)
	assert.Equal(t, 3, summary.Chunks)
}

func TestRunner_RemovesFingerprintOnSuccess(t *testing.T) {
	server := tustest.NewServer(t)
	store := tus.NewMemoryStore()
	cfg := testConfig()
	cfg.RemoveFingerprintOnSuccess = true
	runner, _ := newTestRunner(t, server, store, cfg)
	content := testPayload(100)

	_, err := runner.Run(context.Background(), newTestUpload(content))
	require.NoError(t, err)

	_, ok, err := store.Get(context.Background(), tus.Fingerprint("/tmp/payload.bin", 100))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunner_EmptyPayload(t *testing.T) {
	server := tustest.NewServer(t)
	runner, _ := newTestRunner(t, server, nil, testConfig())

	summary, err := runner.Run(context.Background(), newTestUpload(nil))
	require.NoError(t, err)

	assertServerHas(t, server, summary.URL, nil)
	assert.Equal(t, 0, summary.Chunks)
	assert.Empty(t, server.RequestsWithMethod(http.MethodPatch))
}

func TestRunner_StartFailure(t *testing.T) {
	server := tustest.NewServer(t)
	runner, tracker := newTestRunner(t, server, nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, newTestUpload(testPayload(10)))
	require.Error(t, err)
	assert.Equal(t, []string{"tus_upload_failed"}, tracker.events)
}

func TestNewRunner_InvalidConfig(t *testing.T) {
	_, err := NewRunner(nil, Config{RetryWait: -time.Second}, log.NewLogger(), nil)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, int64(2*1024*1024), cfg.ChunkSize)
	assert.Equal(t, uint(3), cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryWait)
}

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		statusCode int
		want       bool
	}{
		{http.StatusRequestTimeout, true},
		{http.StatusLocked, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusGone, false},
		{http.StatusRequestEntityTooLarge, false},
		{http.StatusNoContent, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableStatus(tt.statusCode), tt.statusCode)
	}
}
