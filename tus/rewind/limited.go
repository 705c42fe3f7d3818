package rewind

import (
	"errors"
	"io"
	"math"
)

// ErrClosed is returned when reading from a closed Limited reader.
var ErrClosed = errors.New("limited reader is closed")

// Limited reads at most limit bytes from a Source and then reports io.EOF,
// no matter how much data the Source still holds.
//
// Mark and Reset are forwarded to the Source; Reset also clears the count of
// consumed bytes, so the whole window can be read again. Skip does not count
// against the limit. Close only detaches the reader: the Source stays open.
type Limited struct {
	src    Source
	limit  int64
	read   int64
	closed bool
}

// NewLimited returns a reader over src capped at limit bytes.
// A limit of zero or less means no cap.
func NewLimited(src Source, limit int64) *Limited {
	if limit <= 0 {
		limit = math.MaxInt64
	}
	return &Limited{
		src:   src,
		limit: limit,
	}
}

// Read implements io.Reader.
func (l *Limited) Read(p []byte) (int, error) {
	if l.closed {
		return 0, ErrClosed
	}
	remaining := l.Remaining()
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := l.src.Read(p)
	l.read += int64(n)
	return n, err
}

// Mark remembers the current position of the Source.
func (l *Limited) Mark() error {
	return l.src.Mark()
}

// Reset rewinds the Source to the marked position and starts the cap window over.
func (l *Limited) Reset() error {
	if err := l.src.Reset(); err != nil {
		return err
	}
	l.read = 0
	return nil
}

// Skip advances the Source by up to n bytes without consuming the cap. It drops the mark.
func (l *Limited) Skip(n int64) (int64, error) {
	if l.closed {
		return 0, ErrClosed
	}
	return l.src.Skip(n)
}

// Close implements io.Closer. The underlying Source is not closed.
func (l *Limited) Close() error {
	l.closed = true
	return nil
}

// Limit returns the cap, math.MaxInt64 when unbounded.
func (l *Limited) Limit() int64 {
	return l.limit
}

// BytesRead returns the number of bytes consumed since creation or the last Reset.
func (l *Limited) BytesRead() int64 {
	return l.read
}

// Remaining returns how many more bytes the cap allows.
func (l *Limited) Remaining() int64 {
	return l.limit - l.read
}
