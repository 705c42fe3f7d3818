package transfer

import (
	"time"

	"github.com/bitrise-io/go-tus/tus"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory ...
type TrackerFactory func(...analytics.Properties) analytics.Tracker

// NewTracker creates an analytics tracker which sends the build properties found in envRepo with every event.
func NewTracker(envRepo env.Repository, logger log.Logger) analytics.Tracker {
	return newTracker(envRepo, func(p ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, p...)
	})
}

func newTracker(envRepo env.Repository, factory TrackerFactory) analytics.Tracker {
	p := analytics.Properties{
		"build_slug":        envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":          envRepo.Get("BITRISE_APP_SLUG"),
		"step_execution_id": envRepo.Get("BITRISE_STEP_EXECUTION_ID"),
	}
	return factory(p)
}

// transferTracker enqueues the events of one Runner. A nil tracker drops them.
type transferTracker struct {
	tracker analytics.Tracker
}

func (t transferTracker) logUploadStarted(outcome tus.Outcome, offset, size int64) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"outcome":            outcome.String(),
		"start_offset_bytes": offset,
		"upload_size_bytes":  size,
	}
	t.tracker.Enqueue("tus_upload_started", properties)
}

func (t transferTracker) logChunkFailed(offset int64, attempt uint, err error) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"offset_bytes": offset,
		"attempt":      attempt,
		"error":        err.Error(),
	}
	if statusCode, ok := tus.StatusCode(err); ok {
		properties["status_code"] = statusCode
	}
	t.tracker.Enqueue("tus_upload_chunk_failed", properties)
}

func (t transferTracker) logUploadFinished(summary Summary) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"outcome":                summary.Outcome.String(),
		"upload_time_s":          summary.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes":      summary.Size,
		"transferred_size_bytes": summary.Transferred,
		"chunk_count":            summary.Chunks,
		"retry_count":            summary.Retries,
	}
	t.tracker.Enqueue("tus_upload_finished", properties)
}

func (t transferTracker) logUploadFailed(summary Summary, err error) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"outcome":                summary.Outcome.String(),
		"upload_size_bytes":      summary.Size,
		"transferred_size_bytes": summary.Transferred,
		"error":                  err.Error(),
	}
	t.tracker.Enqueue("tus_upload_failed", properties)
}

func (t transferTracker) wait() {
	if t.tracker == nil {
		return
	}
	t.tracker.Wait()
}
