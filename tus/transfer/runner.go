// Package transfer drives an upload to completion: it resumes or creates the upload, sends the payload chunk by
// chunk and retries failed chunks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-tus/tus"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Summary describes a finished or aborted transfer.
type Summary struct {
	URL     string
	Outcome tus.Outcome
	Size    int64
	// StartOffset is the offset the server reported when the transfer started.
	StartOffset int64
	// Transferred is the number of bytes the server acknowledged during the transfer.
	Transferred int64
	Chunks      int
	Retries     int
	Duration    time.Duration
}

// Runner uploads payloads with a tus.Client.
type Runner struct {
	client  *tus.Client
	config  Config
	logger  log.Logger
	tracker transferTracker
}

// NewRunner ...
func NewRunner(client *tus.Client, config Config, logger log.Logger, tracker analytics.Tracker) (*Runner, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Runner{
		client:  client,
		config:  config,
		logger:  logger,
		tracker: transferTracker{tracker: tracker},
	}, nil
}

// Run uploads the payload of upload and closes it.
// A previous upload of the same payload is continued when the client has resuming enabled.
// A stored upload the server no longer knows (404 or 410) is forgotten and a new upload is created.
func (r *Runner) Run(ctx context.Context, upload *tus.Upload) (summary Summary, err error) {
	start := time.Now()
	summary.Size = upload.Size
	defer func() {
		summary.Duration = time.Since(start)
		if err != nil {
			r.tracker.logUploadFailed(summary, err)
		} else {
			r.tracker.logUploadFinished(summary)
		}
		r.tracker.wait()
	}()

	result, err := r.start(ctx, upload)
	if err != nil {
		if closeErr := upload.Close(); closeErr != nil {
			r.logger.Warnf("Failed to close payload: %s", closeErr)
		}
		return summary, fmt.Errorf("start upload: %w", err)
	}
	uploader := result.Uploader
	defer func() {
		if finishErr := uploader.Finish(); finishErr != nil {
			r.logger.Warnf("Failed to close payload: %s", finishErr)
		}
	}()

	summary.URL = uploader.URL()
	summary.Outcome = result.Outcome
	summary.StartOffset = uploader.Offset()
	r.logStart(result, uploader)
	r.tracker.logUploadStarted(result.Outcome, uploader.Offset(), upload.Size)

	for !uploader.Finished() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		retries, err := r.sendChunk(ctx, uploader)
		summary.Retries += retries
		summary.Transferred = uploader.Offset() - summary.StartOffset
		if err != nil {
			return summary, fmt.Errorf("upload chunk at offset %d: %w", uploader.Offset(), err)
		}
		summary.Chunks++

		r.logProgress(uploader.Offset(), upload.Size)
	}

	r.logger.Donef("Upload finished: %s", uploader.URL())

	if r.config.RemoveFingerprintOnSuccess {
		r.removeFingerprint(ctx, upload.Fingerprint)
	}

	return summary, nil
}

// start resumes or creates the upload on the server.
func (r *Runner) start(ctx context.Context, upload *tus.Upload) (tus.Result, error) {
	result, err := r.client.Resume(ctx, upload)
	if err != nil {
		if !isGoneStatus(err) || upload.Fingerprint == "" {
			return tus.Result{}, err
		}
		r.logger.Warnf("Stored upload is no longer available, creating a new one: %s", err)
		r.removeFingerprint(ctx, upload.Fingerprint)
		result = tus.Result{Outcome: tus.ResumeUnavailable, Reason: err}
	}
	if result.Outcome == tus.Resumed {
		return result, nil
	}

	uploader, err := r.client.CreateUpload(ctx, upload)
	if err != nil {
		return tus.Result{}, err
	}
	return tus.Result{Outcome: tus.Created, Uploader: uploader, Reason: result.Reason}, nil
}

// sendChunk sends the next chunk and returns the number of retries it took.
func (r *Runner) sendChunk(ctx context.Context, uploader *tus.Uploader) (int, error) {
	retries := 0
	// the wait between attempts is done here so that it ends with ctx
	err := retry.Times(r.config.MaxRetries).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			if err := sleep(ctx, r.config.RetryWait); err != nil {
				return err, true
			}
			retries++
			r.logger.Warnf("Retrying chunk at offset %d (attempt %d)", uploader.Offset(), attempt+1)
		}

		_, err := uploader.UploadChunk(ctx, r.config.ChunkSize)
		if err == nil {
			return nil, false
		}
		r.logger.Warnf("Chunk upload failed: %s", err)
		r.tracker.logChunkFailed(uploader.Offset(), attempt, err)

		if ctx.Err() != nil || errors.Is(err, tus.ErrPayloadPosition) {
			return err, true
		}

		statusCode, ok := tus.StatusCode(err)
		if !ok {
			var protocolErr *tus.ProtocolError
			// transport errors are retried, protocol violations are not
			return err, errors.As(err, &protocolErr)
		}

		if statusCode == http.StatusConflict {
			// The server has a different offset, a previous chunk may have arrived without its response.
			if syncErr := uploader.Sync(ctx); syncErr != nil {
				return errors.Join(err, fmt.Errorf("sync offset: %w", syncErr)), true
			}
			r.logger.Debugf("Server offset is %d", uploader.Offset())
			return err, false
		}

		return err, !isRetryableStatus(statusCode)
	})
	return retries, err
}

func (r *Runner) logStart(result tus.Result, uploader *tus.Uploader) {
	switch result.Outcome {
	case tus.Resumed:
		r.logger.Infof("Resuming upload at %s from %s", uploader.URL(), units.HumanSize(float64(uploader.Offset())))
	default:
		if result.Reason != nil {
			r.logger.Debugf("Upload not resumed: %s", result.Reason)
		}
		r.logger.Infof("Created upload at %s", uploader.URL())
	}
}

func (r *Runner) logProgress(offset, size int64) {
	percent := 100.0
	if size > 0 {
		percent = float64(offset) / float64(size) * 100
	}
	r.logger.Infof("Uploaded %s of %s (%.1f%%)", units.HumanSize(float64(offset)), units.HumanSize(float64(size)), percent)
}

func (r *Runner) removeFingerprint(ctx context.Context, fingerprint string) {
	if fingerprint == "" {
		return
	}
	remover, ok := r.client.Store().(tus.Remover)
	if !ok {
		r.logger.Debugf("Store does not support removing uploads")
		return
	}
	if err := remover.Remove(ctx, fingerprint); err != nil {
		r.logger.Warnf("Failed to remove upload from store: %s", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isGoneStatus(err error) bool {
	statusCode, ok := tus.StatusCode(err)
	return ok && (statusCode == http.StatusNotFound || statusCode == http.StatusGone)
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusLocked, http.StatusTooManyRequests:
		return true
	default:
		return statusCode >= 500
	}
}
