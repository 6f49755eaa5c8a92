package client

import "sync"

// Event names emitted by a Client.
const (
	EventMessage      = "message"
	EventError        = "error"
	EventClear        = "clear"
	EventCancel       = "cancel"
	EventFeedback     = "feedback"
	EventAuthRequired = "auth_required"
)

// MessagesUpdate is the payload of EventMessage.
type MessagesUpdate struct {
	Type     string
	Messages []Message
}

// FeedbackUpdate is the payload of EventFeedback.
type FeedbackUpdate struct {
	MessageID string
	Feedback  Feedback
}

// Listener receives the payload of one event. Clear, cancel and
// auth_required carry a nil payload.
type Listener func(payload any)

type emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]Listener
	order     map[string][]int
}

func newEmitter() *emitter {
	return &emitter{
		listeners: make(map[string]map[int]Listener),
		order:     make(map[string][]int),
	}
}

// on registers fn and returns a function that removes it again.
func (e *emitter) on(event string, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]Listener)
	}
	e.listeners[event][id] = fn
	e.order[event] = append(e.order[event], id)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[event], id)
		ids := e.order[event]
		for i, v := range ids {
			if v == id {
				e.order[event] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
}

// emit calls the listeners of event in registration order. Listeners run on
// the emitting goroutine without any client lock held.
func (e *emitter) emit(event string, payload any) {
	e.mu.Lock()
	fns := make([]Listener, 0, len(e.order[event]))
	for _, id := range e.order[event] {
		fns = append(fns, e.listeners[event][id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}
