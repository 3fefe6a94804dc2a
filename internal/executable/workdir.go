package executable

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/processerr"
	"github.com/seantiz/processing/internal/storage"
)

// InputPath is where PrepareWorkdir puts in.
func InputPath(ec *engine.ExecutionContext, in model.InputFile) string {
	return filepath.Join(ec.InputDir(), filepath.Base(filepath.Clean("/"+in.Name)))
}

// PrepareWorkdir creates the workdir layout and downloads every input file
// into the input directory. Inputs with a checksum are verified.
func PrepareWorkdir(d storage.Downloader) engine.Executable {
	return engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		for _, dir := range []string{ec.InputDir(), ec.OutputDir()} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return processerr.New(processerr.WorkdirCreation, "cannot create "+dir, err)
			}
		}

		for _, in := range ec.Inputs() {
			kind := processerr.InternalDownload
			if storage.IsExternal(in.URL) {
				kind = processerr.ExternalDownload
			}
			dest := InputPath(ec, in)
			if err := d.Download(ctx, in, dest); err != nil {
				return processerr.New(kind, "cannot download "+in.URL, err)
			}
			if in.Checksum == "" {
				continue
			}
			sum, err := sha256File(dest)
			if err != nil {
				return processerr.New(kind, "cannot checksum "+in.Name, err)
			}
			if !strings.EqualFold(sum, in.Checksum) {
				return processerr.Newf(kind, "checksum mismatch for %s: got %s, want %s", in.Name, sum, in.Checksum)
			}
		}
		return nil
	})
}

// CleanWorkdir removes the whole workdir.
func CleanWorkdir() engine.Executable {
	return engine.ExecutableFunc(func(_ context.Context, ec *engine.ExecutionContext) error {
		if ec.Workdir == "" {
			return nil
		}
		if err := os.RemoveAll(ec.Workdir); err != nil {
			return fmt.Errorf("remove workdir %s: %w", ec.Workdir, err)
		}
		return nil
	})
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
