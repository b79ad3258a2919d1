package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/source"
	"github.com/timmy/contentport/internal/source/restapi"
	"github.com/timmy/contentport/internal/source/wxr"
)

// SourceOpener builds a reader for a job's source.
type SourceOpener interface {
	Open(desc domain.SourceDescriptor, creds domain.Credentials) (source.Reader, error)
}

// OpenerFunc adapts a function to SourceOpener.
type OpenerFunc func(desc domain.SourceDescriptor, creds domain.Credentials) (source.Reader, error)

// Open calls f.
func (f OpenerFunc) Open(desc domain.SourceDescriptor, creds domain.Credentials) (source.Reader, error) {
	return f(desc, creds)
}

// SourceFactory opens interchange files and REST sites with the configured
// limits.
type SourceFactory struct {
	cfg          config.ImportConfig
	contentTypes []string
}

// NewSourceFactory creates a factory.
func NewSourceFactory(cfg config.ImportConfig, target config.TargetConfig) *SourceFactory {
	return &SourceFactory{cfg: cfg, contentTypes: target.ContentTypes}
}

// Open returns the reader for desc. Missing credentials fall back to the
// configured ones.
func (f *SourceFactory) Open(desc domain.SourceDescriptor, creds domain.Credentials) (source.Reader, error) {
	switch desc.Kind {
	case domain.SourceKindFile:
		if desc.Path == "" {
			return nil, fmt.Errorf("%w: interchange file path is required", domain.ErrValidation)
		}
		if _, err := os.Stat(desc.Path); err != nil {
			return nil, fmt.Errorf("%w: interchange file: %v", domain.ErrValidation, err)
		}
		return wxr.NewReader(desc.Path), nil

	case domain.SourceKindREST:
		if desc.URL == "" {
			return nil, fmt.Errorf("%w: site url is required", domain.ErrValidation)
		}
		if creds.Username == "" && creds.AppPassword == "" {
			creds = domain.Credentials{Username: f.cfg.Username, AppPassword: f.cfg.AppPassword}
		}
		return restapi.NewReader(restapi.Config{
			SiteURL:      desc.URL,
			Credentials:  creds,
			PageSize:     f.cfg.PageSize,
			RetryCount:   f.cfg.RetryCount,
			RetryWait:    f.cfg.RetryWait,
			RetryMaxWait: f.cfg.RetryMaxWait,
			Timeout:      f.cfg.RequestTimeout,
			ContentTypes: f.contentTypes,
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown source kind %q", domain.ErrValidation, desc.Kind)
}

// SaveUpload stores an uploaded interchange file under the upload directory
// and returns its path.
func (f *SourceFactory) SaveUpload(filename string, r io.Reader) (string, error) {
	if err := os.MkdirAll(f.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" {
		name = "export.xml"
	}
	path := filepath.Join(f.cfg.UploadDir, uuid.NewString()+"-"+name)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	return path, nil
}
