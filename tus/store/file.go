// Package store contains persistent tus.Store implementations.
//
// Every store also implements tus.Remover so callers can drop the entry of a completed upload.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitrise-io/go-tus/tus"
	"gopkg.in/yaml.v3"
)

const fileStoreVersion = 1

var (
	_ tus.Store   = (*FileStore)(nil)
	_ tus.Remover = (*FileStore)(nil)
)

type fileStoreContent struct {
	Version int               `yaml:"version"`
	Uploads map[string]string `yaml:"uploads"`
}

// FileStore keeps upload URLs in a YAML file.
// It is safe for concurrent use within one process. The file is replaced atomically on every write.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore at path. The parent directory is created when missing,
// the file itself is created on the first write.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path ...
func (s *FileStore) Path() string {
	return s.path
}

// Get ...
func (s *FileStore) Get(_ context.Context, fingerprint string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.load()
	if err != nil {
		return "", false, err
	}
	url, ok := content.Uploads[fingerprint]
	return url, ok, nil
}

// Set ...
func (s *FileStore) Set(_ context.Context, fingerprint, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.load()
	if err != nil {
		return err
	}
	content.Uploads[fingerprint] = url
	return s.save(content)
}

// Remove ...
func (s *FileStore) Remove(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := content.Uploads[fingerprint]; !ok {
		return nil
	}
	delete(content.Uploads, fingerprint)
	return s.save(content)
}

func (s *FileStore) load() (fileStoreContent, error) {
	content := fileStoreContent{Version: fileStoreVersion, Uploads: map[string]string{}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return content, nil
	}
	if err != nil {
		return content, fmt.Errorf("read store file: %w", err)
	}

	if err := yaml.Unmarshal(data, &content); err != nil {
		return content, fmt.Errorf("parse store file %s: %w", s.path, err)
	}
	if content.Version != fileStoreVersion {
		return content, fmt.Errorf("unsupported store file version: %d", content.Version)
	}
	if content.Uploads == nil {
		content.Uploads = map[string]string{}
	}
	return content, nil
}

func (s *FileStore) save(content fileStoreContent) error {
	data, err := yaml.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary store file: %w", err)
	}
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temporary store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temporary store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
