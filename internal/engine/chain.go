package engine

import (
	"context"
	"fmt"
)

// Stage is a named step of a chained executable.
type Stage struct {
	Name string
	Exe  Executable
}

// Then names exe as a stage.
func Then(name string, exe Executable) Stage {
	return Stage{Name: name, Exe: exe}
}

// Chain runs stages in order and stops at the first error. The error keeps
// its cause so classified errors survive the wrapping.
func Chain(stages ...Stage) Executable {
	return ExecutableFunc(func(ctx context.Context, ec *ExecutionContext) error {
		for _, s := range stages {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("before %s: %w", s.Name, err)
			}
			if err := s.Exe.Execute(ctx, ec); err != nil {
				return fmt.Errorf("%s: %w", s.Name, err)
			}
		}
		return nil
	})
}

// OnError runs exe and, if it fails, the executable handler builds from the
// error. The handler's result replaces the original error, so a handler that
// reports the failure as a step returns nil.
func OnError(exe Executable, handler func(err error) Executable) Executable {
	return ExecutableFunc(func(ctx context.Context, ec *ExecutionContext) error {
		err := exe.Execute(ctx, ec)
		if err == nil {
			return nil
		}
		return handler(err).Execute(ctx, ec)
	})
}
