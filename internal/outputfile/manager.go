// Package outputfile tracks the files produced by executions: it records
// their download and reclaims the storage they use once they are no longer
// needed.
package outputfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/thoas/go-funk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/seantiz/processing/internal/processerr"
	"github.com/seantiz/processing/internal/storage"
	"github.com/seantiz/processing/internal/store"
)

var tracer = otel.Tracer("github.com/seantiz/processing/internal/outputfile")

// Store is the part of the persistence layer the manager needs.
type Store interface {
	MarkOutputFilesDownloaded(ctx context.Context, urls []string, at time.Time) (int, error)
	ListDeletionCandidates(ctx context.Context) ([]store.DeletionCandidate, error)
	DeleteOutputFile(ctx context.Context, id string) error
}

// Config is the retention policy.
type Config struct {
	// DownloadedRetention is how long a downloaded file is kept.
	DownloadedRetention time.Duration
	// UndownloadedGrace is how long a file of a finished execution is kept
	// when nobody downloads it.
	UndownloadedGrace time.Duration
}

// Manager implements the output file lifecycle.
type Manager struct {
	store   Store
	deleter storage.Deleter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a manager deleting objects through deleter.
func NewManager(s Store, deleter storage.Deleter, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:   s,
		deleter: deleter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// MarkDownloaded flags the output files with the given URLs as downloaded.
// Files already flagged keep their first download time. It returns the
// number of files that changed.
func (m *Manager) MarkDownloaded(ctx context.Context, urls []string) (int, error) {
	urls = funk.UniqString(funk.FilterString(urls, func(u string) bool { return u != "" }))
	if len(urls) == 0 {
		return 0, nil
	}
	n, err := m.store.MarkOutputFilesDownloaded(ctx, urls, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark output files downloaded: %w", err)
	}
	filesMarked.Add(float64(n))
	m.logger.Debug("output files marked downloaded", "requested", len(urls), "changed", n)
	return n, nil
}

// ScheduledDeleteDownloadedFiles deletes every output file that was
// downloaded longer than the retention ago, and every file of a finished
// execution that nobody downloaded within the grace period. The storage
// object goes first, then the record. A failure on one file is recorded and
// the pass moves on to the next one.
func (m *Manager) ScheduledDeleteDownloadedFiles(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "outputfile.ScheduledDeleteDownloadedFiles")
	defer span.End()

	candidates, err := m.store.ListDeletionCandidates(ctx)
	if err != nil {
		return processerr.New(processerr.DeleteOutputFile, "cannot list output files to delete", err)
	}

	now := m.now()
	var (
		errs    error
		deleted int
		freed   int64
	)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		if !m.expired(c, now) {
			continue
		}
		if err := m.delete(ctx, c); err != nil {
			deleteErrors.Inc()
			errs = multierr.Append(errs, err)
			continue
		}
		filesDeleted.Inc()
		deleted++
		freed += c.Size
	}

	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("deleted", deleted),
	)
	if deleted > 0 || errs != nil {
		m.logger.Info("output file deletion pass",
			"deleted", deleted, "freed", humanize.Bytes(uint64(max(freed, 0))),
			"errors", len(multierr.Errors(errs)))
	}
	return errs
}

func (m *Manager) expired(c store.DeletionCandidate, now time.Time) bool {
	if c.Downloaded {
		at := c.CreatedAt
		if c.DownloadedAt != nil {
			at = *c.DownloadedAt
		}
		return now.Sub(at) >= m.cfg.DownloadedRetention
	}
	// Files are recorded with the final step, so their creation time is when
	// the execution finished.
	return c.ExecutionStatus.IsFinal() && now.Sub(c.CreatedAt) >= m.cfg.UndownloadedGrace
}

func (m *Manager) delete(ctx context.Context, c store.DeletionCandidate) error {
	if !storage.IsExternal(c.URL) {
		err := m.deleter.Delete(ctx, c.URL)
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			pe := processerr.New(processerr.DeleteOutputFile, "cannot delete "+c.URL, err)
			m.logger.Error("output file deletion failed",
				"output_file_id", c.ID, "execution_id", c.ExecutionID, "incident_id", pe.IncidentID, "error", err)
			return pe
		}
	}

	err := m.store.DeleteOutputFile(ctx, c.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		pe := processerr.New(processerr.DeleteOutputFile, "cannot delete record of "+c.URL, err)
		m.logger.Error("output file record deletion failed",
			"output_file_id", c.ID, "execution_id", c.ExecutionID, "incident_id", pe.IncidentID, "error", err)
		return pe
	}
	m.logger.Debug("output file deleted",
		"output_file_id", c.ID, "execution_id", c.ExecutionID, "url", c.URL, "downloaded", c.Downloaded)
	return nil
}
