package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/processerr"
)

func newJobsEngine() *engine.JobsEngine {
	return engine.NewJobsEngine(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func newContext() *engine.ExecutionContext {
	return engine.NewExecutionContext(
		model.Execution{ID: model.NewID()},
		model.Batch{Parameters: map[string]string{"factor": "2"}},
		"/tmp/workdir",
	)
}

// collect drains the stream, failing the test if it does not close in time.
func collect(t *testing.T, ch <-chan engine.Event) []engine.Event {
	t.Helper()
	var got []engine.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
			return nil
		}
	}
}

func statuses(events []engine.Event) []model.Status {
	out := make([]model.Status, len(events))
	for i, ev := range events {
		out[i] = ev.Step.Status
	}
	return out
}

func TestJobsEngineStreamsStepsInOrder(t *testing.T) {
	exe := engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		assert.Equal(t, "2", ec.Parameters()["factor"])
		if err := ec.Prepare(ctx, "prepare"); err != nil {
			return err
		}
		if err := ec.Running(ctx, "running"); err != nil {
			return err
		}
		return ec.Success(ctx, "done", model.OutputFile{Name: "out.dat"})
	})

	ch, err := newJobsEngine().Run(context.Background(), newContext(), exe)
	require.NoError(t, err)

	events := collect(t, ch)
	assert.Equal(t, []model.Status{model.StatusPrepare, model.StatusRunning, model.StatusSuccess}, statuses(events))
	require.Len(t, events[2].OutputFiles, 1)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Step.Time.Before(events[i-1].Step.Time), "step times must not go backwards")
	}
}

func TestJobsEngineConvertsErrorToFailure(t *testing.T) {
	exe := engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		_ = ec.Prepare(ctx, "prepare")
		return processerr.Newf(processerr.ExternalDownload, "fetch %s", "a.dat")
	})

	ch, err := newJobsEngine().Run(context.Background(), newContext(), exe)
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, model.StatusFailure, last.Step.Status)
	assert.Contains(t, last.Step.Message, "EXTERNAL_DOWNLOAD_ERROR")
	assert.NotEmpty(t, last.IncidentID)
}

func TestJobsEngineReportsMissingFinalStep(t *testing.T) {
	exe := engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		return ec.Running(ctx, "working")
	})

	ch, err := newJobsEngine().Run(context.Background(), newContext(), exe)
	require.NoError(t, err)

	events := collect(t, ch)
	assert.Equal(t, []model.Status{model.StatusRunning, model.StatusFailure}, statuses(events))
	assert.Contains(t, events[1].Step.Message, "without a final step")
}

func TestJobsEngineRecoversPanics(t *testing.T) {
	exe := engine.ExecutableFunc(func(context.Context, *engine.ExecutionContext) error {
		panic("kaboom")
	})

	ch, err := newJobsEngine().Run(context.Background(), newContext(), exe)
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusFailure, events[0].Step.Status)
	assert.Contains(t, events[0].Step.Message, "kaboom")
}

func TestJobsEngineIgnoresErrorAfterFinal(t *testing.T) {
	exe := engine.ExecutableFunc(func(ctx context.Context, ec *engine.ExecutionContext) error {
		if err := ec.Success(ctx, "done"); err != nil {
			return err
		}
		assert.ErrorIs(t, ec.Running(ctx, "late"), engine.ErrStreamClosed)
		return errors.New("cleanup hiccup")
	})

	ch, err := newJobsEngine().Run(context.Background(), newContext(), exe)
	require.NoError(t, err)

	events := collect(t, ch)
	assert.Equal(t, []model.Status{model.StatusSuccess}, statuses(events))
}

func TestJobsEngineRejectsNilExecutable(t *testing.T) {
	_, err := newJobsEngine().Run(context.Background(), newContext(), nil)
	assert.Error(t, err)
}

func TestSendWithoutSink(t *testing.T) {
	ec := newContext()
	assert.ErrorIs(t, ec.Running(context.Background(), "x"), engine.ErrNoSink)
}

func TestStepsNeverPrecedeRecordedHistory(t *testing.T) {
	registered := time.Now().Add(time.Hour).UTC()
	ec := engine.NewExecutionContext(
		model.Execution{ID: model.NewID(), Steps: []model.Step{{Seq: 1, Status: model.StatusRegistered, Time: registered}}},
		model.Batch{},
		"/tmp/workdir",
	)
	var got []engine.Event
	ec.Attach(engine.SinkFunc(func(_ context.Context, ev engine.Event) error {
		got = append(got, ev)
		return nil
	}))

	require.NoError(t, ec.Running(context.Background(), ""))
	require.Len(t, got, 1)
	assert.False(t, got[0].Step.Time.Before(registered))
}
