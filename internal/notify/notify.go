// Package notify announces execution results to the outside world as
// CloudEvents.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/seantiz/processing/internal/model"
)

const (
	// ResultEventType is the CloudEvent type of execution results.
	ResultEventType = "processing.execution.result"
	defaultTopic    = "processing.executions"
	defaultSource   = "processing"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// Result is the notification sent once an execution reaches a final step.
type Result struct {
	ExecutionID        string             `json:"execution_id"`
	BatchID            string             `json:"batch_id"`
	CorrelationID      string             `json:"correlation_id"`
	BatchCorrelationID string             `json:"batch_correlation_id"`
	Tenant             string             `json:"tenant"`
	User               string             `json:"user"`
	ProcessID          string             `json:"process_id"`
	Status             model.Status       `json:"status"`
	Message            string             `json:"message,omitempty"`
	IncidentID         string             `json:"incident_id,omitempty"`
	OutputFiles        []model.OutputFile `json:"output_files,omitempty"`
	Time               time.Time          `json:"time"`
}

// Publisher sends execution results.
type Publisher interface {
	Publish(ctx context.Context, r Result) error
}

// Writer delivers events to a transport.
type Writer interface {
	Write(ctx context.Context, topic string, e cloudevents.Event) error
	Close(ctx context.Context) error
}

// Option configures an EventPublisher.
type Option func(*EventPublisher)

// WithTopic sets the topic events are written to.
func WithTopic(topic string) Option {
	return func(p *EventPublisher) { p.topic = topic }
}

// WithSource sets the CloudEvent source attribute.
func WithSource(source string) Option {
	return func(p *EventPublisher) { p.source = source }
}

// EventPublisher buffers results so publishing never waits on the writer,
// and writes them in order from a single goroutine.
type EventPublisher struct {
	writer Writer
	logger *slog.Logger
	topic  string
	source string

	mu     sync.Mutex
	queue  []Result
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewEventPublisher starts a publisher writing to w.
func NewEventPublisher(w Writer, logger *slog.Logger, opts ...Option) *EventPublisher {
	p := &EventPublisher{
		writer:  w,
		logger:  logger,
		topic:   defaultTopic,
		source:  defaultSource,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.run()
	return p
}

// Publish queues r.
func (p *EventPublisher) Publish(_ context.Context, r Result) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, r)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes the queued results and closes the writer.
func (p *EventPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	select {
	case <-p.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.writer.Close(ctx)
}

func (p *EventPublisher) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *EventPublisher) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		r := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		e, err := p.event(r)
		if err != nil {
			p.logger.Error("encode execution result", "execution_id", r.ExecutionID, "error", err)
			continue
		}
		if err := p.writer.Write(context.Background(), p.topic, e); err != nil {
			p.logger.Error("failed to send execution result",
				"execution_id", r.ExecutionID, "event_id", e.ID(), "error", err)
		}
	}
}

func (p *EventPublisher) event(r Result) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(p.source)
	e.SetType(ResultEventType)
	e.SetSubject(r.ExecutionID)
	e.SetTime(r.Time)
	e.SetExtension("tenant", r.Tenant)
	if err := e.SetData(cloudevents.ApplicationJSON, r); err != nil {
		return e, err
	}
	return e, nil
}

// LogWriter writes events to a logger. It is the default transport when no
// broker is configured.
type LogWriter struct {
	logger *slog.Logger
}

// NewLogWriter creates a LogWriter.
func NewLogWriter(logger *slog.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(_ context.Context, topic string, e cloudevents.Event) error {
	w.logger.Info("event written",
		"topic", topic, "event_id", e.ID(), "type", e.Type(), "subject", e.Subject(),
		"data", string(e.Data()))
	return nil
}

func (w *LogWriter) Close(context.Context) error {
	return nil
}
