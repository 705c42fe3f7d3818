// Package source resolves the payload location given to the uploader to a local file.
// Local paths and file:// URLs are used in place, http(s) URLs are downloaded to a temporary directory first.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

const (
	fileScheme          = "file://"
	defaultDownloadName = "download"
)

// Downloader ...
type Downloader interface {
	Download(ctx context.Context, url, destination string) error
}

type gotDownloader struct {
	client *http.Client
}

// NewGotDownloader creates a Downloader which fetches files in parallel ranges with got.
// A nil client means a retrying client from retryhttp.
func NewGotDownloader(client *http.Client, logger log.Logger) Downloader {
	if client == nil {
		client = retryhttp.NewClient(logger).StandardClient()
	}
	return gotDownloader{client: client}
}

func (d gotDownloader) Download(ctx context.Context, url, destination string) error {
	downloader := got.New()
	downloader.Client = d.client

	return downloader.Do(got.NewDownload(ctx, url, destination))
}

// Resolved is a payload available on the local file system.
type Resolved struct {
	Path string
	// Identity is stable across runs: the absolute path of local files and the URL of downloaded ones.
	Identity string
	// Downloaded is true when Path points into a temporary directory.
	Downloaded bool
}

// Resolver turns payload locations into local files.
type Resolver struct {
	downloader   Downloader
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	logger       log.Logger

	mu       sync.Mutex
	tempDirs []string
}

// NewResolver ...
func NewResolver(downloader Downloader, logger log.Logger) *Resolver {
	return &Resolver{
		downloader:   downloader,
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
		logger:       logger,
	}
}

// LocalPath resolves location, which is a local path, a file:// URL or an http(s) URL.
func (r *Resolver) LocalPath(ctx context.Context, location string) (Resolved, error) {
	if location == "" {
		return Resolved{}, errors.New("payload location is empty")
	}

	switch {
	case strings.HasPrefix(location, fileScheme):
		return r.localFile(strings.TrimPrefix(location, fileScheme))
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return r.download(ctx, location)
	case strings.Contains(location, "://"):
		return Resolved{}, fmt.Errorf("unsupported payload location: %s", location)
	default:
		return r.localFile(location)
	}
}

// Cleanup removes the temporary directories of downloaded payloads.
func (r *Resolver) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, dir := range r.tempDirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	r.tempDirs = nil
	return errors.Join(errs...)
}

func (r *Resolver) localFile(pth string) (Resolved, error) {
	absPath, err := r.pathModifier.AbsPath(pth) // resolves ~/ and expands any envs
	if err != nil {
		return Resolved{}, fmt.Errorf("resolve absolute path of %s: %w", pth, err)
	}
	return Resolved{Path: absPath, Identity: absPath}, nil
}

func (r *Resolver) download(ctx context.Context, location string) (Resolved, error) {
	tmpDir, err := r.pathProvider.CreateTempDir("tus-payload")
	if err != nil {
		return Resolved{}, fmt.Errorf("create temporary directory: %w", err)
	}
	r.mu.Lock()
	r.tempDirs = append(r.tempDirs, tmpDir)
	r.mu.Unlock()

	fileName, err := fileNameFromURL(location)
	if err != nil {
		return Resolved{}, err
	}
	localPath := filepath.Join(tmpDir, fileName)

	r.logger.Infof("Downloading payload from %s", location)
	if err := r.downloader.Download(ctx, location, localPath); err != nil {
		return Resolved{}, fmt.Errorf("download %s: %w", location, err)
	}

	return Resolved{Path: localPath, Identity: location, Downloaded: true}, nil
}

func fileNameFromURL(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse payload URL: %w", err)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return defaultDownloadName, nil
	}
	return name, nil
}
