package tus

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-tus/tus/rewind"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// MetadataKeyFilename is the metadata key NewUploadFromFile sets to the file's base name.
const MetadataKeyFilename = "filename"

// Upload describes a payload to transfer.
//
// The payload source is owned by the Upload: only one Uploader may read it at a time.
type Upload struct {
	// Size is the total number of bytes to transfer. It must not change once a transfer started.
	Size int64
	// Fingerprint identifies the payload across process restarts. It is only used as the Store key.
	// An empty Fingerprint disables resuming for this Upload.
	Fingerprint string
	Metadata    Metadata

	source rewind.Source
	closer io.Closer
	// position is the number of bytes consumed from source.
	position int64
}

// NewUpload creates an Upload reading size bytes from r.
// Seekable readers are rewound by seeking, any other reader buffers the current chunk in memory.
// If r is an io.Closer, Upload.Close closes it.
func NewUpload(r io.Reader, size int64) *Upload {
	u := &Upload{
		Size:   size,
		source: rewind.NewSource(r),
	}
	if c, ok := r.(io.Closer); ok {
		u.closer = c
	}
	return u
}

// NewUploadFromFile creates an Upload for the remaining content of f, from its current position to its end.
// The fingerprint is derived from the file's absolute path and the remaining size,
// the filename metadata is set to the file's base name.
func NewUploadFromFile(f *os.File) (*Upload, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", f.Name())
	}

	position, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("read position of %s: %w", f.Name(), err)
	}
	size := info.Size() - position
	if size < 0 {
		size = 0
	}

	absPath, err := pathutil.NewPathModifier().AbsPath(f.Name())
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path of %s: %w", f.Name(), err)
	}

	u := NewUpload(f, size)
	u.Fingerprint = Fingerprint(absPath, size)
	if err := u.Metadata.Set(MetadataKeyFilename, filepath.Base(absPath)); err != nil {
		return nil, err
	}
	return u, nil
}

// Fingerprint combines a stable identity of the payload (like its absolute path) with its size.
// The size is the digits after the last '-', so different sizes never produce the same fingerprint.
func Fingerprint(identity string, size int64) string {
	return fmt.Sprintf("%s-%d", identity, size)
}

// EncodedMetadata returns the Upload-Metadata header value.
func (u *Upload) EncodedMetadata() string {
	return u.Metadata.Encode()
}

// Close closes the payload source when it is closable.
func (u *Upload) Close() error {
	if u.closer == nil {
		return nil
	}
	return u.closer.Close()
}

// moveTo advances the source to offset.
func (u *Upload) moveTo(offset int64) error {
	if offset < u.position {
		return fmt.Errorf("payload already read past offset %d (position %d)", offset, u.position)
	}
	if offset == u.position {
		return nil
	}

	skipped, err := u.source.Skip(offset - u.position)
	u.position += skipped
	if err != nil {
		return fmt.Errorf("skip to offset %d: %w", offset, err)
	}
	if u.position != offset {
		return fmt.Errorf("skip to offset %d: payload ended at %d: %w", offset, u.position, io.ErrUnexpectedEOF)
	}
	return nil
}
