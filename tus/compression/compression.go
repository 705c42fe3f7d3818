// Package compression compresses a payload with zstd before it is uploaded.
package compression

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension is appended to the name of compressed payloads.
const Extension = ".zst"

// DependencyChecker reports whether the zstd binary is available.
type DependencyChecker interface {
	CheckDependencies() bool
}

// BinaryChecker looks up the zstd binary on the PATH.
type BinaryChecker struct {
	logger     log.Logger
	cmdFactory command.Factory
}

// NewBinaryChecker ...
func NewBinaryChecker(logger log.Logger, envRepo env.Repository) *BinaryChecker {
	return &BinaryChecker{
		logger:     logger,
		cmdFactory: command.NewFactory(envRepo),
	}
}

// CheckDependencies ...
func (c *BinaryChecker) CheckDependencies() bool {
	cmd := c.cmdFactory.Create("which", []string{"zstd"}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Compressor compresses files with the zstd binary when it is installed and with a native
// implementation otherwise. Both produce standard zstd frames.
type Compressor struct {
	logger            log.Logger
	cmdFactory        command.Factory
	dependencyChecker DependencyChecker
	level             zstd.EncoderLevel
}

// NewCompressor ...
func NewCompressor(logger log.Logger, envRepo env.Repository, dependencyChecker DependencyChecker) *Compressor {
	return &Compressor{
		logger:            logger,
		cmdFactory:        command.NewFactory(envRepo),
		dependencyChecker: dependencyChecker,
		level:             zstd.SpeedDefault,
	}
}

// CompressFile writes the zstd compressed content of src to dst.
func (c *Compressor) CompressFile(src, dst string) error {
	if !c.dependencyChecker.CheckDependencies() {
		c.logger.Infof("Falling back to native implementation of zstd.")
		if err := c.compressWithGoLib(src, dst); err != nil {
			return fmt.Errorf("compress file: %w", err)
		}
		return nil
	}

	c.logger.Infof("Using installed zstd binary")
	if err := c.runZstd("-q", "-f", "--threads=0", "-o", dst, src); err != nil {
		return fmt.Errorf("compress file: %w", err)
	}
	return nil
}

// DecompressFile writes the decompressed content of the zstd compressed src to dst.
func (c *Compressor) DecompressFile(src, dst string) error {
	if !c.dependencyChecker.CheckDependencies() {
		c.logger.Infof("Falling back to native implementation of zstd.")
		if err := decompressWithGoLib(src, dst); err != nil {
			return fmt.Errorf("decompress file: %w", err)
		}
		return nil
	}

	c.logger.Infof("Using installed zstd binary")
	if err := c.runZstd("-q", "-d", "-f", "-o", dst, src); err != nil {
		return fmt.Errorf("decompress file: %w", err)
	}
	return nil
}

func (c *Compressor) compressWithGoLib(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer closeFile(in, &err)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer closeFile(out, &err)

	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		return fmt.Errorf("compress content: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func decompressWithGoLib(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer closeFile(in, &err)

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer closeFile(out, &err)

	if _, err := io.Copy(out, zr); err != nil {
		return fmt.Errorf("decompress content: %w", err)
	}
	return nil
}

func (c *Compressor) runZstd(args ...string) error {
	cmd := c.cmdFactory.Create("zstd", args, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

func closeFile(f *os.File, err *error) {
	if cerr := f.Close(); cerr != nil && *err == nil {
		*err = fmt.Errorf("close %s: %w", f.Name(), cerr)
	}
}
