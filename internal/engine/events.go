package engine

import (
	"sync"
	"time"
)

// EventType identifies an engine event
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventServiceState     EventType = "service_state"
	EventHealthAttempt    EventType = "health_attempt"
	EventConvergeStarted  EventType = "converge_started"
	EventConvergeFinished EventType = "converge_finished"
	EventRunFinished      EventType = "run_finished"
)

// Event is emitted on every state transition of a run
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	ServiceID string    `json:"service_id,omitempty"`
	State     State     `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Plan      []string  `json:"plan,omitempty"`
	Time      time.Time `json:"time"`
}

// Observer receives engine events. Observe is called synchronously from the
// run loop and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// Observe implements Observer
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to several observers
type Observers []Observer

// Observe implements Observer
func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

// Recorder keeps every event it observes
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
