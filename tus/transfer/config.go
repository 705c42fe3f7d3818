package transfer

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

// DefaultChunkSize is the number of bytes sent in one chunk request.
const DefaultChunkSize = 2 * units.MiB

// Config holds configuration for the Runner.
type Config struct {
	// ChunkSize is the maximum number of bytes sent in one request. Zero or less sends the rest of a seekable payload in one request
	// and at most tus.MaxBufferedChunkSize bytes of any other payload.
	// Default: 2 MiB
	ChunkSize int64

	// MaxRetries is the number of times a failed chunk is sent again.
	// Default: 3
	MaxRetries uint

	// RetryWait is the time waited before a failed chunk is sent again.
	// Default: 5 seconds
	RetryWait time.Duration

	// RemoveFingerprintOnSuccess removes the upload from the client's store once the server has the whole payload,
	// if the store supports removal.
	RemoveFingerprintOnSuccess bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:  DefaultChunkSize,
		MaxRetries: 3,
		RetryWait:  5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.RetryWait < 0 {
		return fmt.Errorf("retry wait must not be negative: %s", c.RetryWait)
	}
	return nil
}
