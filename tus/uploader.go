package tus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/bitrise-io/go-tus/tus/rewind"
	"github.com/docker/go-units"
)

// MaxBufferedChunkSize caps chunks of payloads which cannot seek when UploadChunk is called
// without a chunk size. Such chunks are read into memory before they are sent.
const MaxBufferedChunkSize = 8 * units.MiB

var errChunkBodyDetached = errors.New("chunk body used after the request finished")

// Uploader sends the payload of an Upload to an upload URL, chunk by chunk.
//
// An Uploader is not safe for concurrent use. Chunks of one upload are sent one after the other.
type Uploader struct {
	client *Client
	url    string
	upload *Upload
	offset int64
}

func newUploader(client *Client, uploadURL string, upload *Upload, offset int64) (*Uploader, error) {
	if err := upload.moveTo(offset); err != nil {
		return nil, err
	}
	return &Uploader{
		client: client,
		url:    uploadURL,
		upload: upload,
		offset: offset,
	}, nil
}

// URL ...
func (u *Uploader) URL() string {
	return u.url
}

// Offset returns the number of bytes the server acknowledged.
func (u *Uploader) Offset() int64 {
	return u.offset
}

// Size ...
func (u *Uploader) Size() int64 {
	return u.upload.Size
}

// Finished reports whether the server acknowledged the whole payload.
func (u *Uploader) Finished() bool {
	return u.offset >= u.upload.Size
}

// UploadChunk sends at most chunkSize bytes starting at the current offset and returns the number of bytes sent.
// A chunkSize of zero or less sends the rest of the payload, at most MaxBufferedChunkSize bytes when the
// payload cannot seek. Once the payload is complete it sends nothing.
//
// Seekable payloads are streamed, other payloads are read into memory chunk by chunk.
// The offset is taken from the server's response. On failure the payload is rewound to the
// start of the chunk and the offset is left unchanged, so UploadChunk can be called again.
// Transport errors are returned as they are, rejected responses as *ProtocolError.
func (u *Uploader) UploadChunk(ctx context.Context, chunkSize int64) (int64, error) {
	const op = "upload chunk"

	remaining := u.upload.Size - u.offset
	if remaining <= 0 {
		return 0, nil
	}
	limit := chunkSize
	if limit <= 0 || limit > remaining {
		limit = remaining
	}

	sized, seekable := u.upload.source.(rewind.Sized)
	if seekable {
		available, err := sized.Len()
		if err != nil {
			return 0, fmt.Errorf("read chunk: %w", err)
		}
		if available == 0 {
			return 0, fmt.Errorf("read chunk at offset %d: %w", u.offset, io.ErrUnexpectedEOF)
		}
		if limit > available {
			limit = available
		}
	} else if chunkSize <= 0 && limit > MaxBufferedChunkSize {
		limit = MaxBufferedChunkSize
	}

	chunk := rewind.NewLimited(u.upload.source, limit)
	defer func() {
		if err := chunk.Close(); err != nil {
			u.client.logger.Warnf("close chunk reader: %s", err)
		}
	}()
	if err := chunk.Mark(); err != nil {
		return 0, fmt.Errorf("mark chunk start: %w", err)
	}

	var (
		body   io.Reader
		sent   int64
		stream *chunkBody
	)
	if seekable {
		stream = &chunkBody{chunk: chunk}
		body, sent = stream, limit
	} else {
		data, err := io.ReadAll(chunk)
		if err != nil {
			return 0, u.rewind(chunk, fmt.Errorf("read chunk: %w", err))
		}
		if len(data) == 0 {
			return 0, u.rewind(chunk, fmt.Errorf("read chunk at offset %d: %w", u.offset, io.ErrUnexpectedEOF))
		}
		body, sent = bytes.NewReader(data), int64(len(data))
	}

	req := u.client.newRequest(http.MethodPatch, u.url, body, sent)
	req.Header.Set(HeaderUploadOffset, strconv.FormatInt(u.offset, 10))
	req.Header.Set(HeaderContentType, ContentTypeOffsetOctetStream)

	resp, err := u.client.provider.Do(ctx, req)
	if stream != nil {
		// transports may still read the body after Do returned
		stream.detach()
	}
	if err != nil {
		return 0, u.rewind(chunk, err)
	}
	if !isSuccess(resp.StatusCode) {
		return 0, u.rewind(chunk, &ProtocolError{Op: op, StatusCode: resp.StatusCode})
	}

	newOffset, err := parseOffset(op, resp)
	if err != nil {
		return 0, u.rewind(chunk, err)
	}

	switch {
	case newOffset < u.offset || newOffset > u.upload.Size:
		return 0, u.rewind(chunk, &ProtocolError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("server offset %d outside of [%d, %d]", newOffset, u.offset, u.upload.Size),
		})
	case newOffset < u.offset+sent:
		// The server kept only a part of the chunk, continue from its offset.
		u.client.logger.Debugf("Server accepted %d of %d bytes", newOffset-u.offset, sent)
		if err := u.realign(chunk, newOffset-u.offset); err != nil {
			return 0, err
		}
		u.upload.position = newOffset
	case newOffset > u.offset+sent:
		// The server already holds bytes past the chunk, skip ahead to its offset.
		u.client.logger.Debugf("Server is ahead of the sent bytes: %d > %d", newOffset, u.offset+sent)
		u.upload.position = u.offset + sent
		if err := u.upload.moveTo(newOffset); err != nil {
			return 0, fmt.Errorf("skip to server offset: %w: %w", ErrPayloadPosition, err)
		}
	default:
		u.upload.position = newOffset
	}

	u.offset = newOffset

	return sent, nil
}

// Sync fetches the offset from the server and moves the payload forward to it.
// It is used after a failed chunk when the server may have stored a part of it.
func (u *Uploader) Sync(ctx context.Context) error {
	const op = "sync offset"

	offset, statusCode, err := u.client.fetchOffset(ctx, op, u.url)
	if err != nil {
		return err
	}
	if offset < u.offset || offset > u.upload.Size {
		return &ProtocolError{
			Op:         op,
			StatusCode: statusCode,
			Reason:     fmt.Sprintf("server offset %d outside of [%d, %d]", offset, u.offset, u.upload.Size),
		}
	}
	if err := u.upload.moveTo(offset); err != nil {
		return err
	}
	u.offset = offset
	return nil
}

// Finish closes the payload source. The upload can still be resumed later with a new Upload.
func (u *Uploader) Finish() error {
	return u.upload.Close()
}

func (u *Uploader) rewind(chunk *rewind.Limited, cause error) error {
	if err := chunk.Reset(); err != nil {
		return errors.Join(cause, fmt.Errorf("rewind chunk: %w: %w", ErrPayloadPosition, err))
	}
	return cause
}

func (u *Uploader) realign(chunk *rewind.Limited, accepted int64) error {
	if err := chunk.Reset(); err != nil {
		return fmt.Errorf("rewind chunk: %w: %w", ErrPayloadPosition, err)
	}
	skipped, err := chunk.Skip(accepted)
	if err != nil {
		return fmt.Errorf("skip accepted bytes: %w: %w", ErrPayloadPosition, err)
	}
	if skipped != accepted {
		return fmt.Errorf("skip accepted bytes: skipped %d of %d: %w: %w", skipped, accepted, ErrPayloadPosition, io.ErrUnexpectedEOF)
	}
	return nil
}

// chunkBody streams a chunk to the transport. Once detached it refuses reads, so the chunk
// can be rewound while a transport goroutine still holds the body.
type chunkBody struct {
	mu       sync.Mutex
	chunk    *rewind.Limited
	detached bool
}

func (b *chunkBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return 0, errChunkBodyDetached
	}
	return b.chunk.Read(p)
}

// Reset rewinds the chunk for transports which retry the request themselves.
func (b *chunkBody) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return errChunkBodyDetached
	}
	return b.chunk.Reset()
}

func (b *chunkBody) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
}
