package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/processing/internal/model"
)

// SchemeFile addresses objects on the local filesystem.
const SchemeFile = "file"

// FSStore keeps objects under a root directory and addresses them with
// file:// URLs.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) Download(ctx context.Context, in model.InputFile, dest string) error {
	src, err := filePath(in.URL)
	if err != nil {
		return err
	}
	return copyFile(ctx, src, dest)
}

func (s *FSStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	clean := filepath.Clean("/" + key)
	dest := filepath.Join(s.root, clean)
	if err := copyFile(ctx, localPath, dest); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: SchemeFile, Path: filepath.ToSlash(dest)}).String(), nil
}

func (s *FSStore) Delete(_ context.Context, rawURL string) error {
	p, err := filePath(rawURL)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return fmt.Errorf("refusing to delete %q outside storage root", p)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, rawURL)
		}
		return fmt.Errorf("delete %s: %w", rawURL, err)
	}
	return nil
}

func filePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != SchemeFile {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}

func copyFile(ctx context.Context, src, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, src)
		}
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
