package executable

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/processerr"
	"github.com/seantiz/processing/internal/storage"
)

// SendStep pushes an intermediary step. Final steps go through Succeed or
// the failure path of Standard.
func SendStep(status model.Status, message string) engine.Executable {
	return engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		if status.IsFinal() {
			return fmt.Errorf("SendStep used with final status %s", status)
		}
		return ec.Send(ctx, engine.Event{Step: model.NewStep(status, message)})
	})
}

// Succeed sends the SUCCESS step with the output files recorded so far.
func Succeed(message string) engine.Executable {
	return engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		return ec.Success(ctx, message, ec.OutputFiles()...)
	})
}

// FailThenClean reports err as a FAILURE step and removes the workdir. The
// workdir is removed even when the step cannot be sent.
func FailThenClean(err error) engine.Executable {
	return engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		msg, incident := processerr.Describe(err)
		sendErr := ec.Failure(ctx, msg, incident)
		return multierr.Append(sendErr, CleanWorkdir().Execute(ctx, ec))
	})
}

// Standard wraps work in the usual lifecycle:
// prepare, download inputs, running, work, store outputs, cleanup, success.
// Any error sends a FAILURE step and cleans the workdir.
func Standard(work engine.Executable, d storage.Downloader, u storage.Uploader, opts ...Option) engine.Executable {
	o := newOptions(opts)
	return engine.OnError(
		engine.Chain(
			engine.Then("send prepare", SendStep(model.StatusPrepare, o.prepareMessage)),
			engine.Then("prepare workdir", PrepareWorkdir(d)),
			engine.Then("send running", SendStep(model.StatusRunning, o.runningMessage)),
			engine.Then("run", work),
			engine.Then("store output", StoreOutputFiles(u, o.logger)),
			engine.Then("send cleanup", SendStep(model.StatusCleanup, "")),
			engine.Then("clean workdir", CleanWorkdir()),
			engine.Then("send success", Succeed(o.successMessage)),
		),
		FailThenClean,
	)
}
