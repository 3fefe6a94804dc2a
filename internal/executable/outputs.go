package executable

import (
	"context"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/processerr"
	"github.com/seantiz/processing/internal/storage"
)

// ChecksumMethod is the checksum algorithm of stored output files.
const ChecksumMethod = "SHA-256"

// StoreOutputFiles uploads every regular file left in the output directory
// and records it on the execution context. Executions that may not create
// output files upload nothing.
func StoreOutputFiles(u storage.Uploader, logger *slog.Logger) engine.Executable {
	return engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		root := ec.OutputDir()
		if !ec.Execution.MayCreateOutputFiles {
			logger.Warn("execution may not create output files, skipping upload",
				"execution_id", ec.Execution.ID, "output_dir", root)
			return nil
		}

		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return processerr.New(processerr.StoreOutputFile, "cannot read "+p, err)
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return processerr.New(processerr.StoreOutputFile, "cannot resolve "+p, err)
			}
			info, err := d.Info()
			if err != nil {
				return processerr.New(processerr.StoreOutputFile, "cannot stat "+p, err)
			}
			sum, err := sha256File(p)
			if err != nil {
				return processerr.New(processerr.StoreOutputFile, "cannot checksum "+rel, err)
			}

			key := path.Join(ec.Execution.Tenant, ec.Execution.ID, filepath.ToSlash(rel))
			loc, err := u.Upload(ctx, p, key)
			if err != nil {
				return processerr.New(processerr.StoreOutputFile, "cannot store "+rel, err)
			}
			ec.AddOutputFiles(model.OutputFile{
				ID:             model.NewID(),
				ExecutionID:    ec.Execution.ID,
				Name:           filepath.ToSlash(rel),
				URL:            loc,
				Checksum:       sum,
				ChecksumMethod: ChecksumMethod,
				Size:           info.Size(),
			})
			return nil
		})
	})
}
