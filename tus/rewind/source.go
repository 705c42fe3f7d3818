// Package rewind provides readers that can return to a previously marked position,
// so a chunk that failed to upload can be read again without losing bytes.
package rewind

import (
	"errors"
	"fmt"
	"io"
)

// ErrNotMarked is returned by Reset when Mark was never called.
var ErrNotMarked = errors.New("reset called before mark")

// Source is a byte stream which remembers one position and can return to it.
type Source interface {
	io.Reader

	// Mark remembers the current position.
	Mark() error

	// Reset moves back to the last marked position.
	Reset() error

	// Skip advances the stream by up to n bytes and returns how many bytes were skipped.
	// The mark is dropped: Reset fails until the next Mark.
	Skip(n int64) (int64, error)
}

// Sized is implemented by sources which are rewound by seeking. They know how many bytes are
// left and can be streamed without keeping a copy of what was read.
type Sized interface {
	Source

	// Len returns the number of bytes left after the current position.
	Len() (int64, error)
}

// NewSource wraps r so it can be marked and reset.
// Seekable readers are rewound by seeking, every other reader buffers the bytes
// read since the last Mark.
func NewSource(r io.Reader) Source {
	if src, ok := r.(Source); ok {
		return src
	}
	if rs, ok := r.(io.ReadSeeker); ok {
		// Pipes and terminals implement io.Seeker but fail on use.
		if _, err := rs.Seek(0, io.SeekCurrent); err == nil {
			return &seekSource{r: rs}
		}
	}
	return &bufferedSource{r: r}
}

type seekSource struct {
	r      io.ReadSeeker
	mark   int64
	marked bool
}

func (s *seekSource) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *seekSource) Mark() error {
	pos, err := s.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("get current position: %w", err)
	}
	s.mark = pos
	s.marked = true
	return nil
}

func (s *seekSource) Reset() error {
	if !s.marked {
		return ErrNotMarked
	}
	if _, err := s.r.Seek(s.mark, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", s.mark, err)
	}
	return nil
}

func (s *seekSource) Skip(n int64) (int64, error) {
	s.marked = false
	if n <= 0 {
		return 0, nil
	}
	cur, err := s.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("get current position: %w", err)
	}
	end, err := s.r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("get end position: %w", err)
	}
	target := cur + n
	if target > end {
		target = end
	}
	if _, err := s.r.Seek(target, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to %d: %w", target, err)
	}
	return target - cur, nil
}

func (s *seekSource) Len() (int64, error) {
	cur, err := s.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("get current position: %w", err)
	}
	end, err := s.r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("get end position: %w", err)
	}
	if _, err := s.r.Seek(cur, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to %d: %w", cur, err)
	}
	return end - cur, nil
}

// bufferedSource keeps every byte read since the last Mark in memory and replays
// them after Reset. Memory use is bounded by the distance between Mark and Reset.
type bufferedSource struct {
	r      io.Reader
	marked bool
	read   []byte
	replay []byte
}

func (s *bufferedSource) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	var err error
	if len(s.replay) > 0 {
		n = copy(p, s.replay)
		s.replay = s.replay[n:]
	} else {
		n, err = s.r.Read(p)
	}

	if s.marked && n > 0 {
		s.read = append(s.read, p[:n]...)
	}
	return n, err
}

func (s *bufferedSource) Mark() error {
	s.marked = true
	// replay may still alias the previous buffer
	s.read = nil
	return nil
}

func (s *bufferedSource) Reset() error {
	if !s.marked {
		return ErrNotMarked
	}
	replay := make([]byte, 0, len(s.read)+len(s.replay))
	replay = append(replay, s.read...)
	replay = append(replay, s.replay...)
	s.replay = replay
	s.read = nil
	return nil
}

func (s *bufferedSource) Skip(n int64) (int64, error) {
	// skipped bytes are never replayed, so they are not kept either
	s.marked = false
	s.read = nil
	if n <= 0 {
		return 0, nil
	}
	skipped, err := io.CopyN(io.Discard, s, n)
	if errors.Is(err, io.EOF) {
		return skipped, nil
	}
	return skipped, err
}
