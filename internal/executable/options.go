package executable

import (
	"io"
	"log/slog"
)

type options struct {
	logger         *slog.Logger
	prepareMessage string
	runningMessage string
	successMessage string
}

// Option customizes Standard.
type Option func(*options)

// WithLogger sets the logger used by the standard stages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMessages sets the messages of the PREPARE, RUNNING and SUCCESS steps.
func WithMessages(prepare, running, success string) Option {
	return func(o *options) {
		o.prepareMessage = prepare
		o.runningMessage = running
		o.successMessage = success
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		prepareMessage: "Load input files into workdir",
		runningMessage: "Launch process",
		successMessage: "Execution completed",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
