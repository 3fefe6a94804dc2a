package executable

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/seantiz/processing/internal/engine"
)

// Copy copies every input file to the output directory unchanged.
func Copy() engine.Executable {
	return engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		for _, in := range ec.Inputs() {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := InputPath(ec, in)
			dest := filepath.Join(ec.OutputDir(), filepath.Base(src))
			if err := copyLocal(src, dest); err != nil {
				return fmt.Errorf("copy %s: %w", in.Name, err)
			}
		}
		return nil
	})
}

func copyLocal(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
