package tus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/bitrise-io/go-tus/tus/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Config ...
type Config struct {
	// CreationURL is the endpoint new uploads are created at.
	CreationURL string
	// Store enables resuming when set.
	Store Store
	// Headers are added to every request. Protocol headers take precedence.
	Headers http.Header
	// Provider defaults to transport.NewHTTPProvider.
	Provider transport.Provider
	Logger   log.Logger
}

// Client creates and resumes uploads.
type Client struct {
	creationURL *url.URL
	headers     http.Header
	provider    transport.Provider
	logger      log.Logger

	mu    sync.RWMutex
	store Store
}

// NewClient ...
func NewClient(cfg Config) (*Client, error) {
	creationURL, err := url.Parse(cfg.CreationURL)
	if err != nil {
		return nil, fmt.Errorf("parse creation URL: %w", err)
	}
	if !creationURL.IsAbs() {
		return nil, fmt.Errorf("creation URL is not absolute: %s", cfg.CreationURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	provider := cfg.Provider
	if provider == nil {
		provider = transport.NewHTTPProvider(nil, logger)
	}

	return &Client{
		creationURL: creationURL,
		headers:     cfg.Headers.Clone(),
		provider:    provider,
		logger:      logger,
		store:       cfg.Store,
	}, nil
}

// CreationURL ...
func (c *Client) CreationURL() string {
	return c.creationURL.String()
}

// EnableResuming makes the client remember created uploads in store and look them up on resume.
func (c *Client) EnableResuming(store Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// DisableResuming ...
func (c *Client) DisableResuming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = nil
}

// ResumingEnabled ...
func (c *Client) ResumingEnabled() bool {
	return c.Store() != nil
}

// Store returns the store used for resuming, nil when resuming is disabled.
func (c *Client) Store() Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

// CreateUpload creates a new upload on the server and returns an Uploader starting at offset 0.
// When resuming is enabled the upload URL is saved under the upload's fingerprint.
func (c *Client) CreateUpload(ctx context.Context, upload *Upload) (*Uploader, error) {
	const op = "create upload"

	if upload.Size < 0 {
		return nil, fmt.Errorf("%s: invalid upload size: %d", op, upload.Size)
	}

	req := c.newRequest(http.MethodPost, c.creationURL.String(), nil, 0)
	req.Header.Set(HeaderUploadLength, strconv.FormatInt(upload.Size, 10))
	if metadata := upload.EncodedMetadata(); metadata != "" {
		req.Header.Set(HeaderUploadMetadata, metadata)
	}

	resp, err := c.provider.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &ProtocolError{Op: op, StatusCode: resp.StatusCode}
	}

	location := resp.Get(HeaderLocation)
	if location == "" {
		return nil, &ProtocolError{Op: op, StatusCode: resp.StatusCode, Reason: "missing upload URL in Location header"}
	}
	uploadURL, err := c.resolveLocation(location)
	if err != nil {
		return nil, &ProtocolError{Op: op, StatusCode: resp.StatusCode, Reason: err.Error()}
	}
	c.logger.Debugf("Upload created: %s", uploadURL)

	if store := c.Store(); store != nil && upload.Fingerprint != "" {
		if err := store.Set(ctx, upload.Fingerprint, uploadURL); err != nil {
			return nil, fmt.Errorf("save upload URL: %w", err)
		}
	}

	return newUploader(c, uploadURL, upload, 0)
}

// Resume looks up the upload's URL in the store and fetches the current offset from the server.
//
// Missing preconditions are not errors: the result is ResumeUnavailable with the reason
// ErrResumingNotEnabled or ErrFingerprintNotFound. Store, transport and protocol failures are errors.
func (c *Client) Resume(ctx context.Context, upload *Upload) (Result, error) {
	store := c.Store()
	if store == nil {
		return Result{Outcome: ResumeUnavailable, Reason: ErrResumingNotEnabled}, nil
	}
	if upload.Fingerprint == "" {
		return Result{Outcome: ResumeUnavailable, Reason: fmt.Errorf("%w: upload has no fingerprint", ErrFingerprintNotFound)}, nil
	}

	uploadURL, ok, err := store.Get(ctx, upload.Fingerprint)
	if err != nil {
		return Result{}, fmt.Errorf("look up upload URL: %w", err)
	}
	if !ok {
		return Result{Outcome: ResumeUnavailable, Reason: fmt.Errorf("%w: %s", ErrFingerprintNotFound, upload.Fingerprint)}, nil
	}

	offset, statusCode, err := c.fetchOffset(ctx, "resume upload", uploadURL)
	if err != nil {
		return Result{}, err
	}
	if offset > upload.Size {
		return Result{}, &ProtocolError{
			Op:         "resume upload",
			StatusCode: statusCode,
			Reason:     fmt.Sprintf("offset %d exceeds upload size %d", offset, upload.Size),
		}
	}
	c.logger.Debugf("Upload resumed: %s at offset %d", uploadURL, offset)

	uploader, err := newUploader(c, uploadURL, upload, offset)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Resumed, Uploader: uploader}, nil
}

// ResumeUpload is Resume returning the unavailability reason as an error.
func (c *Client) ResumeUpload(ctx context.Context, upload *Upload) (*Uploader, error) {
	result, err := c.Resume(ctx, upload)
	if err != nil {
		return nil, err
	}
	if result.Outcome == ResumeUnavailable {
		return nil, result.Reason
	}
	return result.Uploader, nil
}

// ResumeOrCreate resumes the upload if possible and creates it otherwise.
// Failures of the resume attempt itself are returned unchanged, they do not lead to a new upload.
func (c *Client) ResumeOrCreate(ctx context.Context, upload *Upload) (Result, error) {
	result, err := c.Resume(ctx, upload)
	if err != nil {
		return Result{}, err
	}

	switch result.Outcome {
	case Resumed:
		return result, nil
	case ResumeUnavailable:
		c.logger.Debugf("Creating new upload: %s", result.Reason)
		uploader, err := c.CreateUpload(ctx, upload)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: Created, Uploader: uploader, Reason: result.Reason}, nil
	default:
		return Result{}, fmt.Errorf("unexpected resume outcome: %s", result.Outcome)
	}
}

// ResumeOrCreateUpload ...
func (c *Client) ResumeOrCreateUpload(ctx context.Context, upload *Upload) (*Uploader, error) {
	result, err := c.ResumeOrCreate(ctx, upload)
	if err != nil {
		return nil, err
	}
	return result.Uploader, nil
}

// NewUploader binds upload to a known upload URL and offset without contacting the server.
func (c *Client) NewUploader(upload *Upload, uploadURL string, offset int64) (*Uploader, error) {
	if offset < 0 || offset > upload.Size {
		return nil, fmt.Errorf("offset %d out of range [0, %d]", offset, upload.Size)
	}
	return newUploader(c, uploadURL, upload, offset)
}

func (c *Client) newRequest(method, target string, body io.Reader, contentLength int64) *transport.Request {
	req := transport.NewRequest(method, target, body, contentLength)
	for k, values := range c.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(HeaderTusResumable, ProtocolVersion)
	return req
}

// fetchOffset returns the server's offset of the upload and the status code of the response.
func (c *Client) fetchOffset(ctx context.Context, op, uploadURL string) (int64, int, error) {
	resp, err := c.provider.Do(ctx, c.newRequest(http.MethodHead, uploadURL, nil, 0))
	if err != nil {
		return 0, 0, err
	}
	if !isSuccess(resp.StatusCode) {
		return 0, resp.StatusCode, &ProtocolError{Op: op, StatusCode: resp.StatusCode}
	}
	offset, err := parseOffset(op, resp)
	return offset, resp.StatusCode, err
}

func (c *Client) resolveLocation(location string) (string, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid upload URL in Location header: %s", location)
	}
	return c.creationURL.ResolveReference(ref).String(), nil
}

func parseOffset(op string, resp *transport.Response) (int64, error) {
	value := resp.Get(HeaderUploadOffset)
	if value == "" {
		return 0, &ProtocolError{Op: op, StatusCode: resp.StatusCode, Reason: "missing Upload-Offset header"}
	}
	offset, err := strconv.ParseInt(value, 10, 64)
	if err != nil || offset < 0 {
		return 0, &ProtocolError{Op: op, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("invalid Upload-Offset header: %q", value)}
	}
	return offset, nil
}
