// Package storage moves execution files between the local workdir and the
// places they live: the local filesystem, an S3 compatible object store, or
// plain HTTP for external inputs. Files are addressed by URL and the scheme
// selects the backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/seantiz/processing/internal/model"
)

var (
	// ErrObjectNotFound is returned when the addressed object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrUnsupportedScheme is returned for URLs no backend handles.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

// Downloader fetches an input file to a local path.
type Downloader interface {
	Download(ctx context.Context, in model.InputFile, dest string) error
}

// Uploader stores a local file under key and returns the URL it is reachable
// at.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Deleter removes the object behind a URL.
type Deleter interface {
	Delete(ctx context.Context, rawURL string) error
}

// Store is a backend that can do all three.
type Store interface {
	Downloader
	Uploader
	Deleter
}

// Router dispatches by URL scheme. Uploads go to the default store.
type Router struct {
	uploads     Uploader
	downloaders map[string]Downloader
	deleters    map[string]Deleter
}

// NewRouter creates a router that uploads to def and serves def's scheme.
func NewRouter(scheme string, def Store) *Router {
	r := &Router{
		uploads:     def,
		downloaders: make(map[string]Downloader),
		deleters:    make(map[string]Deleter),
	}
	r.Handle(scheme, def)
	return r
}

// Handle routes scheme to s for downloads and deletions.
func (r *Router) Handle(scheme string, s Store) {
	r.downloaders[scheme] = s
	r.deleters[scheme] = s
}

// HandleDownloads routes scheme to d for downloads only.
func (r *Router) HandleDownloads(scheme string, d Downloader) {
	r.downloaders[scheme] = d
}

func (r *Router) Download(ctx context.Context, in model.InputFile, dest string) error {
	scheme, err := schemeOf(in.URL)
	if err != nil {
		return err
	}
	d, ok := r.downloaders[scheme]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return d.Download(ctx, in, dest)
}

func (r *Router) Upload(ctx context.Context, localPath, key string) (string, error) {
	return r.uploads.Upload(ctx, localPath, key)
}

func (r *Router) Delete(ctx context.Context, rawURL string) error {
	scheme, err := schemeOf(rawURL)
	if err != nil {
		return err
	}
	d, ok := r.deleters[scheme]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return d.Delete(ctx, rawURL)
}

// IsExternal reports whether rawURL points outside the platform storage.
func IsExternal(rawURL string) bool {
	scheme, err := schemeOf(rawURL)
	if err != nil {
		return false
	}
	return scheme == "http" || scheme == "https"
}

func schemeOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: url %q has no scheme", ErrUnsupportedScheme, rawURL)
	}
	return u.Scheme, nil
}
