package beacon

import (
	"slices"
	"sync"
	"time"
)

// Event types.
const (
	TypeConfirmation  = "confirmation"
	TypeContamination = "contamination"
)

// Event is one telemetry signal for one allocation.
type Event struct {
	Type      string    `json:"type"`
	UID       string    `json:"uid"`
	SID       string    `json:"sid"`
	EID       string    `json:"eid"`
	CID       string    `json:"cid"`
	Reason    string    `json:"reason,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter accepts events. Emit must not block on I/O.
type Emitter interface {
	Emit(ev Event)
}

// Recorder keeps every emitted event in memory.
//
// Thread-safety: Recorder is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events in emit order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Discard drops every event.
type Discard struct{}

// Emit does nothing.
func (Discard) Emit(Event) {}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit forwards ev to every emitter in order.
func (m Multi) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}
