// tus-upload uploads a file to a tus 1.0 server, resuming a previous upload of the same file when possible.
//
// The payload is a local path, a file:// URL or an http(s) URL which is downloaded first.
// Flags default to the TUS_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/bitrise-io/go-tus/tus"
	"github.com/bitrise-io/go-tus/tus/compression"
	"github.com/bitrise-io/go-tus/tus/source"
	"github.com/bitrise-io/go-tus/tus/transfer"
	"github.com/bitrise-io/go-tus/tus/transport"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/spf13/pflag"
)

func main() {
	logger := log.NewLogger()
	cmd := newUploadCommand(env.NewRepository(), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.run(ctx, os.Args[1:])
	cancel()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

type uploadCommand struct {
	envRepo    env.Repository
	logger     log.Logger
	cmdFactory command.Factory
	downloader source.Downloader
	newTracker func() analytics.Tracker
	provider   transport.Provider
}

func newUploadCommand(envRepo env.Repository, logger log.Logger) uploadCommand {
	return uploadCommand{
		envRepo:    envRepo,
		logger:     logger,
		cmdFactory: command.NewFactory(envRepo),
		downloader: source.NewGotDownloader(nil, logger),
		newTracker: func() analytics.Tracker {
			return transfer.NewTracker(envRepo, logger)
		},
	}
}

func (c uploadCommand) run(ctx context.Context, args []string) error {
	cfg, err := parseConfig(args, c.envRepo)
	if err != nil {
		return err
	}
	c.logger.EnableDebugLog(cfg.Verbose)
	cfg.print(c.logger)
	c.logger.Println()

	resolver := source.NewResolver(c.downloader, c.logger)
	defer func() {
		if err := resolver.Cleanup(); err != nil {
			c.logger.Warnf("Failed to remove temporary files: %s", err)
		}
	}()

	upload, cleanup, err := c.preparePayload(ctx, cfg, resolver)
	if err != nil {
		return fmt.Errorf("prepare payload: %w", err)
	}
	defer cleanup()
	// the runner closes the payload, this covers failures before it starts
	defer func() { _ = upload.Close() }()

	uploadStore, closeStore, err := openStore(ctx, cfg, c.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			c.logger.Warnf("Failed to close store: %s", err)
		}
	}()

	client, err := tus.NewClient(tus.Config{
		CreationURL: cfg.Endpoint,
		Store:       uploadStore,
		Headers:     cfg.Headers,
		Provider:    c.newProvider(cfg),
		Logger:      c.logger,
	})
	if err != nil {
		return err
	}

	var tracker analytics.Tracker
	if cfg.Analytics {
		tracker = c.newTracker()
	}
	runner, err := transfer.NewRunner(client, transfer.Config{
		ChunkSize:                  cfg.ChunkSize,
		MaxRetries:                 cfg.MaxRetries,
		RetryWait:                  cfg.RetryWait,
		RemoveFingerprintOnSuccess: cfg.RemoveOnSuccess,
	}, c.logger, tracker)
	if err != nil {
		return err
	}

	summary, err := runner.Run(ctx, upload)
	if err != nil {
		if summary.URL != "" {
			c.logger.Warnf("Upload can be resumed at %s from %s", summary.URL, units.HumanSize(float64(summary.StartOffset+summary.Transferred)))
		}
		return err
	}

	c.logger.Println()
	c.logger.Donef("Uploaded %s to %s in %s (%d chunks, %d retries)",
		units.HumanSize(float64(summary.Transferred)), summary.URL, summary.Duration.Round(time.Millisecond), summary.Chunks, summary.Retries)

	if cfg.ExportOutputs {
		exporter := newOutputExporter(c.cmdFactory)
		if err := exporter.exportOutput(uploadURLOutputKey, summary.URL); err != nil {
			return err
		}
		if err := exporter.exportOutput(uploadSizeOutputKey, strconv.FormatInt(summary.Size, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (c uploadCommand) newProvider(cfg Config) transport.Provider {
	provider := c.provider
	if provider == nil {
		provider = transport.NewRetryableProvider(retryhttp.NewClient(c.logger), c.logger)
	}
	if cfg.MethodOverride {
		provider = transport.WithMethodOverride(provider, http.MethodGet, http.MethodPost)
	}
	return provider
}

// preparePayload resolves and optionally compresses the payload. The fingerprint is derived from the
// location given by the user, so a payload downloaded or compressed again resumes the same upload.
func (c uploadCommand) preparePayload(ctx context.Context, cfg Config, resolver *source.Resolver) (*tus.Upload, func(), error) {
	cleanup := func() {}

	resolved, err := resolver.LocalPath(ctx, cfg.Payload)
	if err != nil {
		return nil, nil, err
	}
	pth, identity := resolved.Path, resolved.Identity

	if cfg.Compress {
		tmpDir, err := pathutil.NewPathProvider().CreateTempDir("tus-compressed")
		if err != nil {
			return nil, nil, fmt.Errorf("create temporary directory: %w", err)
		}
		cleanup = func() {
			if err := os.RemoveAll(tmpDir); err != nil {
				c.logger.Warnf("Failed to remove %s: %s", tmpDir, err)
			}
		}

		compressed := filepath.Join(tmpDir, filepath.Base(pth)+compression.Extension)
		compressor := compression.NewCompressor(c.logger, c.envRepo, compression.NewBinaryChecker(c.logger, c.envRepo))
		if err := compressor.CompressFile(pth, compressed); err != nil {
			cleanup()
			return nil, nil, err
		}
		pth, identity = compressed, identity+compression.Extension
	}

	upload, err := openUpload(pth, identity, cfg.Metadata)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return upload, cleanup, nil
}

func openUpload(pth, identity string, metadata map[string]string) (*tus.Upload, error) {
	f, err := os.Open(pth)
	if err != nil {
		return nil, err
	}
	upload, err := tus.NewUploadFromFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	upload.Fingerprint = tus.Fingerprint(identity, upload.Size)

	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := upload.Metadata.Set(key, metadata[key]); err != nil {
			_ = upload.Close()
			return nil, err
		}
	}
	return upload, nil
}
