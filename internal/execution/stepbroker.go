package execution

import (
	"sync"

	"github.com/seantiz/processing/internal/model"
)

// subscriberBufferSize is the channel buffer for each step subscriber.
// Steps are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StepBroker fans persisted steps out to live subscribers of an execution.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that subscribers arriving after the
// final step receive a closed channel instead of blocking forever.
type StepBroker struct {
	mu     sync.Mutex
	topics map[string]*stepTopic
}

type stepTopic struct {
	subs   map[int]chan model.Step
	nextID int
	closed bool
}

// NewStepBroker creates a new step broker.
func NewStepBroker() *StepBroker {
	return &StepBroker{
		topics: make(map[string]*stepTopic),
	}
}

// Subscribe returns a channel that receives the steps of the given execution
// and an unsubscribe function. If the execution is already final, the
// returned channel is closed.
func (b *StepBroker) Subscribe(executionID string) (<-chan model.Step, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &stepTopic{subs: make(map[int]chan model.Step)}
		b.topics[executionID] = t
	}

	ch := make(chan model.Step, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && !t.closed && b.topics[executionID] == t {
			delete(b.topics, executionID)
		}
	}
}

// Publish sends a step to all subscribers of the given execution.
func (b *StepBroker) Publish(executionID string, step model.Step) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- step:
		default:
			// slow subscriber
		}
	}
}

// Close signals that the execution will not produce more steps.
func (b *StepBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		b.topics[executionID] = &stepTopic{subs: make(map[int]chan model.Step), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops the marker of a closed execution.
func (b *StepBroker) Forget(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[executionID]; ok && t.closed {
		delete(b.topics, executionID)
	}
}
